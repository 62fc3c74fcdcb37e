package conflict

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Strategy names a way of resolving a divergence between two copies of an
// entity.
type Strategy string

const (
	StrategyUseLocal  Strategy = "use-local"
	StrategyUseRemote Strategy = "use-remote"
	StrategyMerge     Strategy = "merge"
)

// ValidStrategy reports whether s is a supported resolution strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyUseLocal, StrategyUseRemote, StrategyMerge:
		return true
	}
	return false
}

// Resolution is the recorded outcome of a conflict case.
type Resolution string

const (
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionUseLocal   Resolution = "use-local"
	ResolutionUseRemote  Resolution = "use-remote"
	ResolutionMerged     Resolution = "merged"
)

// Version is one side's copy of the contested entity.
type Version struct {
	Content   json.RawMessage `json:"content"`
	UpdatedAt time.Time       `json:"updated_at"`
	Source    string          `json:"source,omitempty"`
	VersionID string          `json:"version_id,omitempty"`
}

// Case records one detected divergence awaiting a resolution decision. Both
// full versions are retained so the decision can be audited after the fact.
type Case struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	SyncRecordID uuid.UUID  `db:"sync_record_id" json:"sync_record_id"`
	EntityType   string     `db:"entity_type" json:"entity_type"`
	EntityID     string     `db:"entity_id" json:"entity_id"`
	Local        Version    `db:"local_version" json:"local_version"`
	Remote       Version    `db:"remote_version" json:"remote_version"`
	DetectedAt   time.Time  `db:"detected_at" json:"detected_at"`
	Resolution   Resolution `db:"resolution" json:"resolution"`
	ResolvedBy   *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// MergeRules tunes field-level merging. FieldPriority pins individual fields
// to one side ("local" or "remote"); LatestNonNullWins settles the rest by
// preferring the newer side's value unless it is null or absent.
type MergeRules struct {
	LatestNonNullWins bool              `json:"latest_non_null_wins"`
	FieldPriority     map[string]string `json:"field_priority,omitempty"`
}

// DefaultMergeRules is applied when a merge is requested without rules.
var DefaultMergeRules = MergeRules{LatestNonNullWins: true}
