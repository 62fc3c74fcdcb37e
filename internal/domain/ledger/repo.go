package ledger

import (
	"context"
	"errors"
)

// ErrSequenceTaken signals a lost append race: another writer inserted the
// same sequence number first. The service retries with a fresh head.
var ErrSequenceTaken = errors.New("ledger sequence number already taken")

// ErrDuplicateMessage signals that the message is already anchored in the
// chain. Redelivery of an envelope is not a fault: the service resolves it to
// the existing entry's proof.
var ErrDuplicateMessage = errors.New("message already anchored in ledger")

// ErrNotFound signals a missing ledger entry.
var ErrNotFound = errors.New("ledger entry not found")

// Repository persists ledger entries. Implementations must make Append
// all-or-nothing and reject duplicate sequence numbers so the hash chain
// stays strictly ordered.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	Head(ctx context.Context) (*Entry, error)
	GetBySequence(ctx context.Context, seq int64) (*Entry, error)
	GetByMessageID(ctx context.Context, messageID string) (*Entry, error)
	Range(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error)
	Count(ctx context.Context) (int64, error)
}
