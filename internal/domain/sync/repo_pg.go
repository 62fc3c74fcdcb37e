package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hie/hie/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type recordRepoPG struct{ pool *pgxpool.Pool }

// NewRecordRepoPG returns the PostgreSQL-backed sync record repository.
func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, entity_type, entity_id, direction, status, result_data, error_kind, error_message, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Direction, &rec.Status,
		&rec.ResultData, &rec.ErrorKind, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_log (id, entity_type, entity_id, direction, status, result_data, error_kind, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		rec.ID, rec.EntityType, rec.EntityID, rec.Direction, rec.Status,
		rec.ResultData, rec.ErrorKind, rec.ErrorMessage)
	return row.Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM sync_log WHERE id = $1`, id)
	return scanRecord(row)
}

func (r *recordRepoPG) Update(ctx context.Context, rec *Record) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_log
		SET status = $2, result_data = $3, error_kind = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1`,
		rec.ID, rec.Status, rec.ResultData, rec.ErrorKind, rec.ErrorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	q := r.conn(ctx)

	where := ``
	args := []interface{}{limit, offset}
	if status != "" {
		where = ` WHERE status = $3`
		args = append(args, status)
	}

	var total int
	countArgs := args[2:]
	countWhere := ``
	if status != "" {
		countWhere = ` WHERE status = $1`
	}
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM sync_log`+countWhere, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx,
		`SELECT `+recordCols+` FROM sync_log`+where+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (r *recordRepoPG) LastCompletedAt(ctx context.Context, entityType, entityID string) (*time.Time, error) {
	var t time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT updated_at FROM sync_log
		WHERE entity_type = $1 AND entity_id = $2 AND status = 'completed'
		ORDER BY updated_at DESC LIMIT 1`,
		entityType, entityID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *recordRepoPG) ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		WITH moved AS (
			DELETE FROM sync_log
			WHERE status IN ('completed', 'failed') AND updated_at < $1
			RETURNING *
		)
		INSERT INTO sync_log_archive SELECT * FROM moved`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
