// Package envelope defines the cross-boundary exchange message format and
// its validator. An envelope wraps one clinical resource payload with a
// canonical content hash, optional sender signature, and optional audit
// ledger inclusion proof.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hie/hie/internal/platform/canonical"
)

// Version is the current envelope contract version.
const Version = "1.0"

// Priority of an exchange message. Mirrors queue priorities.
type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PriorityStat    Priority = "stat"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityRoutine, PriorityUrgent, PriorityStat:
		return true
	}
	return false
}

// Resource types accepted for exchange.
const (
	ResourcePatient          = "Patient"
	ResourceImagingStudy     = "ImagingStudy"
	ResourceDiagnosticReport = "DiagnosticReport"
	ResourceServiceRequest   = "ServiceRequest"
	ResourceBundle           = "Bundle"
)

// SupportedResourceTypes is the whitelist of payload resource types.
var SupportedResourceTypes = map[string]bool{
	ResourcePatient:          true,
	ResourceImagingStudy:     true,
	ResourceDiagnosticReport: true,
	ResourceServiceRequest:   true,
	ResourceBundle:           true,
}

// Payload carries the domain-owned resource content.
type Payload struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Content      json.RawMessage `json:"content"`
}

// ContentHash is the digest over the canonicalized payload content.
type ContentHash struct {
	Algorithm canonical.Algorithm `json:"algorithm"`
	Value     string              `json:"value"`
}

// Signature optionally proves sender origin. Verification of the signature
// itself is owned by the transport security layer; the validator only checks
// shape.
type Signature struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// AuditProof binds an envelope to a position in the sender's audit ledger.
type AuditProof struct {
	SequenceNumber int64  `json:"sequence_number"`
	EntryHash      string `json:"entry_hash"`
	PrevEntryHash  string `json:"prev_entry_hash"`
	ChainHead      string `json:"chain_head"`
}

// Envelope is the unit of cross-boundary exchange.
type Envelope struct {
	EnvelopeVersion string      `json:"envelope_version"`
	MessageID       string      `json:"message_id"`
	Timestamp       time.Time   `json:"timestamp"`
	Priority        Priority    `json:"priority"`
	Sender          string      `json:"sender"`
	Recipient       string      `json:"recipient"`
	Payload         Payload     `json:"payload"`
	ContentHash     ContentHash `json:"content_hash"`
	Signature       *Signature  `json:"signature,omitempty"`
	AuditProof      *AuditProof `json:"audit_proof,omitempty"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
}

// New builds an envelope around content, computing the content hash with the
// default algorithm. The caller supplies sender/recipient URNs and priority.
func New(sender, recipient string, priority Priority, resourceType, resourceID string, content json.RawMessage) (*Envelope, error) {
	value, err := canonical.Hash(content, canonical.SHA256)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		EnvelopeVersion: Version,
		MessageID:       uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Priority:        priority,
		Sender:          sender,
		Recipient:       recipient,
		Payload: Payload{
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Content:      content,
		},
		ContentHash: ContentHash{
			Algorithm: canonical.SHA256,
			Value:     value,
		},
	}, nil
}
