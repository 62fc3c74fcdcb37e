package sync

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a synchronization failure so the orchestrator can
// decide between retry, terminal failure, and escalation without inspecting
// error strings.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindTampered           ErrorKind = "tampered"
	KindExpired            ErrorKind = "expired"
	KindTransientTransport ErrorKind = "transient_transport"
	KindTranslation        ErrorKind = "translation"
	KindConflictDetected   ErrorKind = "conflict_detected"
	KindLedgerIntegrity    ErrorKind = "ledger_integrity"
)

// Error is the discriminated failure type for directional sync operations.
type Error struct {
	Kind   ErrorKind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the failure may succeed on a later attempt.
// Only transport-level failures qualify; everything else needs a correction
// or an operator.
func (e *Error) Retryable() bool { return e.Kind == KindTransientTransport }

// NewError builds a classified sync error wrapping cause (which may be nil).
func NewError(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// Transient marks a network/timeout failure as retryable.
func Transient(detail string, cause error) *Error {
	return NewError(KindTransientTransport, detail, cause)
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors pass through; context timeouts become transient transport failures;
// anything else is a translation-layer fault and will not be retried.
func Classify(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient("operation timed out", err)
	}
	return NewError(KindTranslation, "unclassified collaborator failure", err)
}
