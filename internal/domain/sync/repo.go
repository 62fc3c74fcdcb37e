package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a sync record or queue item does not exist.
var ErrNotFound = errors.New("sync record not found")

// RecordRepository persists sync records.
type RecordRepository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	List(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error)
	// LastCompletedAt returns the completion time of the most recent
	// successful sync for the entity, or nil if it has never completed.
	LastCompletedAt(ctx context.Context, entityType, entityID string) (*time.Time, error)
	// ArchiveBefore moves completed and failed records older than cutoff to
	// the archive table and returns how many moved.
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// QueueRepository persists and dispenses queue items. ClaimBatch is the only
// way work leaves the pending state, so its atomicity carries the
// no-double-claim guarantee for the whole engine.
type QueueRepository interface {
	Enqueue(ctx context.Context, item *QueueItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*QueueItem, error)
	// ClaimBatch atomically marks up to maxN due pending items in_progress,
	// stamps the worker's lease, and returns them ordered by priority rank
	// descending then enqueue time ascending. Concurrent callers never
	// receive the same item.
	ClaimBatch(ctx context.Context, workerID string, maxN int, lease time.Duration) ([]*QueueItem, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	// Reschedule returns a claimed item to pending with a new due time.
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time, errMsg string) error
	// Cancel removes a pending item from dispatch. It reports false when the
	// item was already claimed, finished, or cancelled.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	// ReapExpired returns items whose lease lapsed to pending so another
	// worker can claim them. Items already at their attempt cap cannot be
	// claimed again; those are marked failed instead, and their sync record
	// ids are returned so the caller can settle the records.
	ReapExpired(ctx context.Context) (reclaimed int64, exhausted []uuid.UUID, err error)
	Stats(ctx context.Context) (*QueueStats, error)
}
