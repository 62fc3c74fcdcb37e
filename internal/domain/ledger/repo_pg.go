package ledger

import (
	"context"
	"errors"
	"strings"

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

type ledgerRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the PostgreSQL-backed ledger repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &ledgerRepoPG{pool: pool}
}

func (r *ledgerRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const entryCols = `sequence_number, message_id, envelope_hash, prev_entry_hash, entry_hash, recorded_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.SequenceNumber, &e.MessageID, &e.EnvelopeHash, &e.PrevEntryHash, &e.EntryHash, &e.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *ledgerRepoPG) Append(ctx context.Context, e *Entry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_ledger (sequence_number, message_id, envelope_hash, prev_entry_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5)`,
		e.SequenceNumber, e.MessageID, e.EnvelopeHash, e.PrevEntryHash, e.EntryHash)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// Two distinct unique violations share code 23505: the message_id
		// index means a redelivered envelope, the primary key means a
		// concurrent writer won the sequence race.
		if strings.Contains(pgErr.ConstraintName, "message_id") {
			return ErrDuplicateMessage
		}
		return ErrSequenceTaken
	}
	return err
}

func (r *ledgerRepoPG) Head(ctx context.Context) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM audit_ledger ORDER BY sequence_number DESC LIMIT 1`))
	if errors.Is(err, ErrNotFound) {
		return nil, nil // empty ledger
	}
	return e, err
}

func (r *ledgerRepoPG) GetBySequence(ctx context.Context, seq int64) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM audit_ledger WHERE sequence_number = $1`, seq))
}

func (r *ledgerRepoPG) GetByMessageID(ctx context.Context, messageID string) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM audit_ledger WHERE message_id = $1`, messageID))
}

func (r *ledgerRepoPG) Range(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM audit_ledger
		WHERE sequence_number >= $1 AND sequence_number <= $2
		ORDER BY sequence_number ASC`, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *ledgerRepoPG) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_ledger`).Scan(&n)
	return n, err
}
