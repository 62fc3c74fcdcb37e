package conflict

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Decision is the outcome of applying a strategy to a case: the winning
// content and the resolution label to record.
type Decision struct {
	Content    json.RawMessage
	Resolution Resolution
}

// Service opens, decides, and closes conflict cases. It owns the resolution
// policy; applying the winning content back to the systems involved is the
// caller's job.
type Service struct {
	repo Repository
	log  zerolog.Logger
}

// NewService returns a conflict service backed by repo.
func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("component", "conflict").Logger()}
}

// Open records a newly detected divergence.
func (s *Service) Open(ctx context.Context, c *Case) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Resolution = ResolutionUnresolved
	if err := s.repo.Create(ctx, c); err != nil {
		return fmt.Errorf("open conflict case: %w", err)
	}
	s.log.Warn().
		Str("case_id", c.ID.String()).
		Str("entity_type", c.EntityType).
		Str("entity_id", c.EntityID).
		Str("sync_record_id", c.SyncRecordID.String()).
		Msg("conflict detected")
	return nil
}

// GetByID returns one case.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	return s.repo.GetByID(ctx, id)
}

// OpenCaseForSyncRecord returns the unresolved case attached to a sync record.
func (s *Service) OpenCaseForSyncRecord(ctx context.Context, syncRecordID uuid.UUID) (*Case, error) {
	return s.repo.GetOpenBySyncRecord(ctx, syncRecordID)
}

// ListUnresolved pages through open cases, oldest first.
func (s *Service) ListUnresolved(ctx context.Context, limit, offset int) ([]*Case, int, error) {
	return s.repo.ListUnresolved(ctx, limit, offset)
}

// Decide applies a strategy to an open case and returns the winning content.
// It does not persist anything; call Close once the content has been applied.
func (s *Service) Decide(c *Case, strategy Strategy, rules *MergeRules) (*Decision, error) {
	if c.Resolution != ResolutionUnresolved {
		return nil, ErrAlreadyResolved
	}
	switch strategy {
	case StrategyUseLocal:
		return &Decision{Content: c.Local.Content, Resolution: ResolutionUseLocal}, nil
	case StrategyUseRemote:
		return &Decision{Content: c.Remote.Content, Resolution: ResolutionUseRemote}, nil
	case StrategyMerge:
		if rules == nil {
			rules = &DefaultMergeRules
		}
		merged, err := mergeVersions(c, *rules)
		if err != nil {
			return nil, fmt.Errorf("merge %s/%s: %w", c.EntityType, c.EntityID, err)
		}
		return &Decision{Content: merged, Resolution: ResolutionMerged}, nil
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// Close records the decision on the case.
func (s *Service) Close(ctx context.Context, id uuid.UUID, resolution Resolution, resolvedBy string) error {
	if err := s.repo.MarkResolved(ctx, id, resolution, resolvedBy); err != nil {
		return err
	}
	s.log.Info().
		Str("case_id", id.String()).
		Str("resolution", string(resolution)).
		Str("resolved_by", resolvedBy).
		Msg("conflict resolved")
	return nil
}

// mergeVersions builds a field-level merge of the two copies. For each
// top-level field, an explicit FieldPriority pin wins; otherwise the newer
// side's value is taken unless it is null or absent, in which case the other
// side fills it in.
func mergeVersions(c *Case, rules MergeRules) (json.RawMessage, error) {
	var local, remote map[string]json.RawMessage
	if err := json.Unmarshal(c.Local.Content, &local); err != nil {
		return nil, fmt.Errorf("local content is not a JSON object: %w", err)
	}
	if err := json.Unmarshal(c.Remote.Content, &remote); err != nil {
		return nil, fmt.Errorf("remote content is not a JSON object: %w", err)
	}

	newer, older := local, remote
	if c.Remote.UpdatedAt.After(c.Local.UpdatedAt) {
		newer, older = remote, local
	}

	merged := make(map[string]json.RawMessage, len(local)+len(remote))
	for field := range union(local, remote) {
		if side, ok := rules.FieldPriority[field]; ok {
			switch side {
			case "local":
				if v, ok := local[field]; ok {
					merged[field] = v
				}
			case "remote":
				if v, ok := remote[field]; ok {
					merged[field] = v
				}
			default:
				return nil, fmt.Errorf("field %q pinned to unknown side %q", field, side)
			}
			continue
		}
		if !rules.LatestNonNullWins {
			// Without a tiebreak rule the newer side wins outright.
			if v, ok := newer[field]; ok {
				merged[field] = v
			} else {
				merged[field] = older[field]
			}
			continue
		}
		if v, ok := newer[field]; ok && !isJSONNull(v) {
			merged[field] = v
		} else if v, ok := older[field]; ok && !isJSONNull(v) {
			merged[field] = v
		} else {
			merged[field] = json.RawMessage("null")
		}
	}
	return json.Marshal(merged)
}

func union(a, b map[string]json.RawMessage) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func isJSONNull(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}
