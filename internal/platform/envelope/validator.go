package envelope

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/hie/hie/internal/platform/canonical"
)

// ErrorKind discriminates validation failures so callers can tell a
// correctable sender mistake from a replay or a security event.
type ErrorKind string

const (
	KindMissingField            ErrorKind = "missing_field"
	KindBadVersion              ErrorKind = "bad_version"
	KindBadMessageID            ErrorKind = "bad_message_id"
	KindBadTimestamp            ErrorKind = "bad_timestamp"
	KindBadPriority             ErrorKind = "bad_priority"
	KindBadSender               ErrorKind = "bad_sender"
	KindBadRecipient            ErrorKind = "bad_recipient"
	KindUnsupportedResourceType ErrorKind = "unsupported_resource_type"
	KindUnsupportedAlgorithm    ErrorKind = "unsupported_algorithm"
	KindExpired                 ErrorKind = "expired"
	KindTampered                ErrorKind = "tampered"
)

// ValidationError reports the first failing envelope check.
type ValidationError struct {
	Kind   ErrorKind
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope validation failed (%s) on %s: %s", e.Kind, e.Field, e.Detail)
}

// IsTampered reports whether err is a content-hash mismatch, which is treated
// as a security event rather than a malformed message.
func IsTampered(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Kind == KindTampered
}

// IsExpired reports whether err is a replay-protection rejection.
func IsExpired(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Kind == KindExpired
}

// Identifier URN patterns for exchange participants. Senders are either
// facilities or individual practitioners.
var (
	facilityURN     = regexp.MustCompile(`^urn:hie:facility:[A-Za-z0-9-]+$`)
	practitionerURN = regexp.MustCompile(`^urn:hie:practitioner:[A-Za-z0-9-]+$`)
)

func validURN(s string) bool {
	return facilityURN.MatchString(s) || practitionerURN.MatchString(s)
}

// Validator checks envelopes against the exchange contract.
type Validator struct {
	// MaxClockSkew bounds how far in the future a timestamp may be before
	// the envelope is rejected.
	MaxClockSkew time.Duration
	now          func() time.Time
}

// NewValidator returns a Validator with the default 5 minute skew tolerance.
func NewValidator() *Validator {
	return &Validator{MaxClockSkew: 5 * time.Minute, now: time.Now}
}

// WithClock overrides the validator clock for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate runs the contract checks in order and returns the first failure as
// a *ValidationError. The content-hash check runs last: an envelope must be
// structurally valid before a hash mismatch can be trusted to mean tampering.
func (v *Validator) Validate(env *Envelope) error {
	if err := v.validateShape(env); err != nil {
		return err
	}

	if env.ExpiresAt != nil && env.ExpiresAt.Before(v.now()) {
		return &ValidationError{Kind: KindExpired, Field: "expires_at",
			Detail: fmt.Sprintf("message expired at %s", env.ExpiresAt.Format(time.RFC3339))}
	}

	ok, err := canonical.Verify(env.Payload.Content, env.ContentHash.Algorithm, env.ContentHash.Value)
	if err != nil {
		return &ValidationError{Kind: KindTampered, Field: "payload.content",
			Detail: fmt.Sprintf("content not canonicalizable: %v", err)}
	}
	if !ok {
		return &ValidationError{Kind: KindTampered, Field: "content_hash.value",
			Detail: "content hash does not match canonicalized payload content"}
	}
	return nil
}

func (v *Validator) validateShape(env *Envelope) error {
	switch {
	case env.EnvelopeVersion == "":
		return missing("envelope_version")
	case env.MessageID == "":
		return missing("message_id")
	case env.Timestamp.IsZero():
		return missing("timestamp")
	case env.Sender == "":
		return missing("sender")
	case env.Recipient == "":
		return missing("recipient")
	case env.Payload.ResourceType == "":
		return missing("payload.resource_type")
	case env.Payload.ResourceID == "":
		return missing("payload.resource_id")
	case len(env.Payload.Content) == 0:
		return missing("payload.content")
	case env.ContentHash.Value == "":
		return missing("content_hash.value")
	}

	if env.EnvelopeVersion != Version {
		return &ValidationError{Kind: KindBadVersion, Field: "envelope_version",
			Detail: fmt.Sprintf("unsupported envelope version %q", env.EnvelopeVersion)}
	}

	id, err := uuid.Parse(env.MessageID)
	if err != nil || id.Version() != 4 {
		return &ValidationError{Kind: KindBadMessageID, Field: "message_id",
			Detail: fmt.Sprintf("message_id must be a UUIDv4, got %q", env.MessageID)}
	}

	if env.Timestamp.After(v.now().Add(v.MaxClockSkew)) {
		return &ValidationError{Kind: KindBadTimestamp, Field: "timestamp",
			Detail: fmt.Sprintf("timestamp %s is in the future", env.Timestamp.Format(time.RFC3339))}
	}

	if env.Priority != "" && !ValidPriority(env.Priority) {
		return &ValidationError{Kind: KindBadPriority, Field: "priority",
			Detail: fmt.Sprintf("unknown priority %q", env.Priority)}
	}

	if !validURN(env.Sender) {
		return &ValidationError{Kind: KindBadSender, Field: "sender",
			Detail: fmt.Sprintf("sender %q does not match the facility/practitioner URN pattern", env.Sender)}
	}
	if !validURN(env.Recipient) {
		return &ValidationError{Kind: KindBadRecipient, Field: "recipient",
			Detail: fmt.Sprintf("recipient %q does not match the facility/practitioner URN pattern", env.Recipient)}
	}

	if !SupportedResourceTypes[env.Payload.ResourceType] {
		return &ValidationError{Kind: KindUnsupportedResourceType, Field: "payload.resource_type",
			Detail: fmt.Sprintf("resource type %q is not exchangeable", env.Payload.ResourceType)}
	}

	if !canonical.Supported(env.ContentHash.Algorithm) {
		return &ValidationError{Kind: KindUnsupportedAlgorithm, Field: "content_hash.algorithm",
			Detail: fmt.Sprintf("algorithm %q is not supported", env.ContentHash.Algorithm)}
	}
	return nil
}

func missing(field string) *ValidationError {
	return &ValidationError{Kind: KindMissingField, Field: field, Detail: "required field is missing"}
}
