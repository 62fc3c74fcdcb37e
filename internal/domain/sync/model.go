package sync

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hie/hie/internal/platform/envelope"
)

// Direction selects which way content flows for one sync operation.
type Direction string

const (
	DirectionToRemote      Direction = "to-remote"
	DirectionFromRemote    Direction = "from-remote"
	DirectionBidirectional Direction = "bidirectional"
)

// ValidDirection reports whether d is one of the three supported directions.
func ValidDirection(d Direction) bool {
	switch d {
	case DirectionToRemote, DirectionFromRemote, DirectionBidirectional:
		return true
	}
	return false
}

// Status is the lifecycle state of a sync record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflict   Status = "conflict"
)

// QueueStatus is the lifecycle state of a queue item. Queue items never enter
// a conflict state; a detected conflict completes the item and parks the
// divergence on the sync record.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueInProgress QueueStatus = "in_progress"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// PriorityRank maps a message priority onto its dispatch rank. Higher ranks
// are claimed first regardless of enqueue time.
func PriorityRank(p envelope.Priority) int {
	switch p {
	case envelope.PriorityStat:
		return 3
	case envelope.PriorityUrgent:
		return 2
	default:
		return 1
	}
}

// Record tracks the outcome of one synchronization of one entity.
type Record struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	EntityType   string          `db:"entity_type" json:"entity_type"`
	EntityID     string          `db:"entity_id" json:"entity_id"`
	Direction    Direction       `db:"direction" json:"direction"`
	Status       Status          `db:"status" json:"status"`
	ResultData   json.RawMessage `db:"result_data" json:"result_data,omitempty"`
	ErrorKind    *string         `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// QueueItem is one unit of deferred sync work.
type QueueItem struct {
	ID             uuid.UUID         `db:"id" json:"id"`
	RecordID       uuid.UUID         `db:"sync_record_id" json:"sync_record_id"`
	EntityType     string            `db:"entity_type" json:"entity_type"`
	EntityID       string            `db:"entity_id" json:"entity_id"`
	Direction      Direction         `db:"direction" json:"direction"`
	Priority       envelope.Priority `db:"priority" json:"priority"`
	Status         QueueStatus       `db:"status" json:"status"`
	Attempts       int               `db:"attempts" json:"attempts"`
	MaxAttempts    int               `db:"max_attempts" json:"max_attempts"`
	EnqueuedAt     time.Time         `db:"enqueued_at" json:"enqueued_at"`
	ScheduledAt    time.Time         `db:"scheduled_at" json:"scheduled_at"`
	LeaseExpiresAt *time.Time        `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	ClaimedBy      *string           `db:"claimed_by" json:"claimed_by,omitempty"`
	ErrorMessage   *string           `db:"error_message" json:"error_message,omitempty"`
}

// Snapshot is the state of one entity in one system at one moment.
type Snapshot struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Content    json.RawMessage `json:"content"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Version    string          `json:"version,omitempty"`
	Source     string          `json:"source,omitempty"`
}

// Provenance records where an applied snapshot came from.
type Provenance struct {
	SourceSystem  string    `json:"source_system"`
	RemoteVersion string    `json:"remote_version,omitempty"`
	MessageID     string    `json:"message_id"`
	ReceivedAt    time.Time `json:"received_at"`
}

// QueueStats is an aggregate view of the queue for operators.
type QueueStats struct {
	StatusCounts     map[string]int `json:"status_counts"`
	EntityTypeCounts map[string]int `json:"entity_type_counts"`
	OldestPending    *time.Time     `json:"oldest_pending,omitempty"`
}
