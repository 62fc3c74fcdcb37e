package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hie/hie/internal/platform/db"
)

type queueRepoPG struct{ pool *pgxpool.Pool }

// NewQueueRepoPG returns the PostgreSQL-backed sync queue repository.
func NewQueueRepoPG(pool *pgxpool.Pool) QueueRepository {
	return &queueRepoPG{pool: pool}
}

func (r *queueRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const queueCols = `id, sync_record_id, entity_type, entity_id, direction, priority, status,
	attempts, max_attempts, enqueued_at, scheduled_at, lease_expires_at, claimed_by, error_message`

func scanQueueItem(row pgx.Row) (*QueueItem, error) {
	var it QueueItem
	err := row.Scan(&it.ID, &it.RecordID, &it.EntityType, &it.EntityID, &it.Direction,
		&it.Priority, &it.Status, &it.Attempts, &it.MaxAttempts,
		&it.EnqueuedAt, &it.ScheduledAt, &it.LeaseExpiresAt, &it.ClaimedBy, &it.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *queueRepoPG) Enqueue(ctx context.Context, item *QueueItem) error {
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_queue (id, sync_record_id, entity_type, entity_id, direction, priority,
			status, attempts, max_attempts, priority_rank, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8, COALESCE($9, NOW()))
		RETURNING enqueued_at, scheduled_at`,
		item.ID, item.RecordID, item.EntityType, item.EntityID, item.Direction, item.Priority,
		item.MaxAttempts, PriorityRank(item.Priority), nullableTime(item.ScheduledAt))
	return row.Scan(&item.EnqueuedAt, &item.ScheduledAt)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *queueRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+queueCols+` FROM sync_queue WHERE id = $1`, id)
	return scanQueueItem(row)
}

// ClaimBatch relies on FOR UPDATE SKIP LOCKED so concurrent workers partition
// the due items between them instead of blocking or double-claiming.
func (r *queueRepoPG) ClaimBatch(ctx context.Context, workerID string, maxN int, lease time.Duration) ([]*QueueItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE sync_queue SET
			status = 'in_progress',
			attempts = attempts + 1,
			claimed_by = $1,
			lease_expires_at = NOW() + $2
		WHERE id IN (
			SELECT id FROM sync_queue
			WHERE status = 'pending' AND scheduled_at <= NOW() AND attempts < max_attempts
			ORDER BY priority_rank DESC, enqueued_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueCols,
		workerID, lease, maxN)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery ordering.
	sortClaimed(items)
	return items, nil
}

func sortClaimed(items []*QueueItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			a, b := items[j-1], items[j]
			if PriorityRank(a.Priority) > PriorityRank(b.Priority) {
				break
			}
			if PriorityRank(a.Priority) == PriorityRank(b.Priority) && !a.EnqueuedAt.After(b.EnqueuedAt) {
				break
			}
			items[j-1], items[j] = b, a
		}
	}
}

func (r *queueRepoPG) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return r.setTerminal(ctx, id, QueueCompleted, nil)
}

func (r *queueRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.setTerminal(ctx, id, QueueFailed, &errMsg)
}

func (r *queueRepoPG) setTerminal(ctx context.Context, id uuid.UUID, status QueueStatus, errMsg *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_queue
		SET status = $2, error_message = $3, lease_expires_at = NULL
		WHERE id = $1 AND status = 'in_progress'`,
		id, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *queueRepoPG) Reschedule(ctx context.Context, id uuid.UUID, at time.Time, errMsg string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_queue
		SET status = 'pending', scheduled_at = $2, error_message = $3,
			claimed_by = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'in_progress'`,
		id, at, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *queueRepoPG) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_queue SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queueRepoPG) ReapExpired(ctx context.Context) (int64, []uuid.UUID, error) {
	q := r.conn(ctx)

	// Items out of attempts can never be claimed again, so returning them to
	// pending would strand them. Fail them and report their records.
	rows, err := q.Query(ctx, `
		UPDATE sync_queue
		SET status = 'failed', claimed_by = NULL, lease_expires_at = NULL,
			error_message = 'worker lease expired after final attempt'
		WHERE status = 'in_progress' AND lease_expires_at < NOW() AND attempts >= max_attempts
		RETURNING sync_record_id`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	var exhausted []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, nil, err
		}
		exhausted = append(exhausted, id)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	tag, err := q.Exec(ctx, `
		UPDATE sync_queue
		SET status = 'pending', claimed_by = NULL, lease_expires_at = NULL,
			error_message = 'worker lease expired'
		WHERE status = 'in_progress' AND lease_expires_at < NOW() AND attempts < max_attempts`)
	if err != nil {
		return 0, exhausted, err
	}
	return tag.RowsAffected(), exhausted, nil
}

func (r *queueRepoPG) Stats(ctx context.Context) (*QueueStats, error) {
	q := r.conn(ctx)
	stats := &QueueStats{
		StatusCounts:     map[string]int{},
		EntityTypeCounts: map[string]int{},
	}

	rows, err := q.Query(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.StatusCounts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx,
		`SELECT entity_type, COUNT(*) FROM sync_queue WHERE status = 'pending' GROUP BY entity_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var et string
		var n int
		if err := rows.Scan(&et, &n); err != nil {
			return nil, err
		}
		stats.EntityTypeCounts[et] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest *time.Time
	err = q.QueryRow(ctx,
		`SELECT MIN(enqueued_at) FROM sync_queue WHERE status = 'pending'`).Scan(&oldest)
	if err != nil {
		return nil, err
	}
	stats.OldestPending = oldest
	return stats, nil
}
