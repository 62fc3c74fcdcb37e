package conflict

import (
	"context"
	"encoding/json"
	"errors"

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

type conflictRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the PostgreSQL-backed conflict case repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &conflictRepoPG{pool: pool}
}

func (r *conflictRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const caseCols = `id, sync_record_id, entity_type, entity_id, local_version, remote_version,
	detected_at, resolution, resolved_by, resolved_at`

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	var local, remote []byte
	err := row.Scan(&c.ID, &c.SyncRecordID, &c.EntityType, &c.EntityID, &local, &remote,
		&c.DetectedAt, &c.Resolution, &c.ResolvedBy, &c.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(local, &c.Local); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(remote, &c.Remote); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *conflictRepoPG) Create(ctx context.Context, c *Case) error {
	local, err := json.Marshal(c.Local)
	if err != nil {
		return err
	}
	remote, err := json.Marshal(c.Remote)
	if err != nil {
		return err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO conflict_cases (id, sync_record_id, entity_type, entity_id, local_version, remote_version, resolution)
		VALUES ($1, $2, $3, $4, $5, $6, 'unresolved')
		RETURNING detected_at`,
		c.ID, c.SyncRecordID, c.EntityType, c.EntityID, local, remote)
	return row.Scan(&c.DetectedAt)
}

func (r *conflictRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+caseCols+` FROM conflict_cases WHERE id = $1`, id)
	return scanCase(row)
}

func (r *conflictRepoPG) GetOpenBySyncRecord(ctx context.Context, syncRecordID uuid.UUID) (*Case, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+caseCols+` FROM conflict_cases
		WHERE sync_record_id = $1 AND resolution = 'unresolved'
		ORDER BY detected_at DESC LIMIT 1`, syncRecordID)
	return scanCase(row)
}

func (r *conflictRepoPG) ListUnresolved(ctx context.Context, limit, offset int) ([]*Case, int, error) {
	q := r.conn(ctx)

	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM conflict_cases WHERE resolution = 'unresolved'`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+caseCols+` FROM conflict_cases
		WHERE resolution = 'unresolved'
		ORDER BY detected_at ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *conflictRepoPG) MarkResolved(ctx context.Context, id uuid.UUID, resolution Resolution, resolvedBy string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE conflict_cases
		SET resolution = $2, resolved_by = $3, resolved_at = NOW()
		WHERE id = $1 AND resolution = 'unresolved'`,
		id, resolution, resolvedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}
