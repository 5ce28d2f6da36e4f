package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPaymentNotFound   = errors.New("payment_not_found")
	ErrBookingNotFound   = errors.New("booking_not_found")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrConcurrentUpdate  = errors.New("concurrent_update")
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrInvalidPayload    = errors.New("invalid_payload")
	ErrProviderNotFound  = errors.New("provider_not_found")
	ErrLockNotAcquired   = errors.New("lock_not_acquired")
	ErrInvalidConfig     = errors.New("invalid_config")
	ErrEventIgnored      = errors.New("event_ignored")
)

// ValidationError rejects caller input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// GatewayError describes a failed gateway call: a non-2xx response, or a transport
// failure carried in Cause.
type GatewayError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Timeout    bool
	Cause      error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString("gateway")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error { return e.Cause }

// ReconciliationError means a webhook could not be matched to a local payment.
type ReconciliationError struct {
	Reason     string
	ExternalID string
	Reference  string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation failed: %s (external_id=%q reference=%q)", e.Reason, e.ExternalID, e.Reference)
}

// TransitionError is returned when a status change is not allowed.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition payment from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
