package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hie/hie/internal/platform/canonical"
)

// CanonicalTranslator is the default translator: local entities are already
// stored in the exchange representation, so translation is canonicalization
// plus shape checks. Deployments bridging a legacy system substitute their
// own Translator.
type CanonicalTranslator struct{}

func (CanonicalTranslator) ToExchange(_ context.Context, snap *Snapshot) (json.RawMessage, error) {
	out, err := canonical.Canonicalize(snap.Content)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s/%s: %w", snap.EntityType, snap.EntityID, err)
	}
	return out, nil
}

func (CanonicalTranslator) FromExchange(_ context.Context, entityType string, content json.RawMessage) (*Snapshot, error) {
	var probe struct {
		ID           string `json:"id"`
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return nil, fmt.Errorf("exchange content is not a JSON object: %w", err)
	}
	if probe.ID == "" {
		return nil, fmt.Errorf("exchange content for %s has no id", entityType)
	}
	if probe.ResourceType != "" && probe.ResourceType != entityType {
		return nil, fmt.Errorf("exchange content declares %s, expected %s", probe.ResourceType, entityType)
	}
	return &Snapshot{
		EntityType: entityType,
		EntityID:   probe.ID,
		Content:    content,
	}, nil
}
