package sync

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hie/hie/internal/platform/envelope"
)

// ErrLocalNotFound is returned by a LocalStore when the entity does not
// exist on this side of the boundary.
var ErrLocalNotFound = errors.New("entity not found in local store")

// ErrRemoteNotFound is returned by a RemoteGateway when the partner system
// has no copy of the entity.
var ErrRemoteNotFound = errors.New("entity not found on remote system")

// LocalStore reads and writes entity snapshots in the local clinical system.
type LocalStore interface {
	Get(ctx context.Context, entityType, entityID string) (*Snapshot, error)
	Apply(ctx context.Context, snap *Snapshot, prov Provenance) error
}

// Translator converts between the local representation of an entity and the
// exchange representation carried inside envelopes.
type Translator interface {
	ToExchange(ctx context.Context, snap *Snapshot) (json.RawMessage, error)
	FromExchange(ctx context.Context, entityType string, content json.RawMessage) (*Snapshot, error)
}

// RemoteGateway talks to the partner system. Submit carries a fully formed
// envelope outbound; Fetch retrieves the partner's current copy of an entity
// wrapped in an envelope so inbound content gets the same tamper checks as
// any other transmission.
type RemoteGateway interface {
	Submit(ctx context.Context, env *envelope.Envelope) error
	Fetch(ctx context.Context, entityType, entityID string) (*envelope.Envelope, error)
}
