package conflict

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no conflict case matches the lookup.
var ErrNotFound = errors.New("conflict case not found")

// ErrAlreadyResolved is returned when resolving a case twice.
var ErrAlreadyResolved = errors.New("conflict case already resolved")

// Repository persists conflict cases.
type Repository interface {
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	// GetOpenBySyncRecord returns the unresolved case attached to a sync
	// record.
	GetOpenBySyncRecord(ctx context.Context, syncRecordID uuid.UUID) (*Case, error)
	ListUnresolved(ctx context.Context, limit, offset int) ([]*Case, int, error)
	// MarkResolved stamps the outcome, actor, and time. It fails with
	// ErrAlreadyResolved if the case is no longer open.
	MarkResolved(ctx context.Context, id uuid.UUID, resolution Resolution, resolvedBy string) error
}
