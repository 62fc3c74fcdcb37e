package sync

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hie/hie/internal/platform/db"
)

type localStorePG struct{ pool *pgxpool.Pool }

// NewLocalStorePG returns the PostgreSQL-backed local entity store. Applied
// snapshots keep their provenance so inbound writes stay attributable.
func NewLocalStorePG(pool *pgxpool.Pool) LocalStore {
	return &localStorePG{pool: pool}
}

func (s *localStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *localStorePG) Get(ctx context.Context, entityType, entityID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT entity_type, entity_id, content, updated_at, version, source_system
		FROM local_entities
		WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID).
		Scan(&snap.EntityType, &snap.EntityID, &snap.Content, &snap.UpdatedAt, &snap.Version, &snap.Source)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLocalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *localStorePG) Apply(ctx context.Context, snap *Snapshot, prov Provenance) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO local_entities
			(entity_type, entity_id, content, version, updated_at, source_system, remote_version, message_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			content = EXCLUDED.content,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at,
			source_system = EXCLUDED.source_system,
			remote_version = EXCLUDED.remote_version,
			message_id = EXCLUDED.message_id,
			received_at = EXCLUDED.received_at`,
		snap.EntityType, snap.EntityID, snap.Content, snap.Version, snap.UpdatedAt,
		prov.SourceSystem, prov.RemoteVersion, prov.MessageID, prov.ReceivedAt)
	return err
}
