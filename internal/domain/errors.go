package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrExpired            = errors.New("job has expired")
	ErrValidation         = errors.New("invalid request")
	ErrBlocked            = errors.New("source is blocked")
	ErrDuplicateInFlight  = errors.New("job already in flight for source")
	ErrIllegalTransition  = errors.New("illegal job state transition")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrStorage            = errors.New("storage unavailable")
	ErrLockAcquisition    = errors.New("lock acquisition failed")
	ErrBusy               = errors.New("source is busy")
)

// ValidationError describes which input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DuplicateError is returned when another job already owns the source key.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("job %s already in flight", e.ExistingID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateInFlight }

type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindAuth
	KindQuota
	KindMalformed
	KindUnavailable
	KindInvalidArtifact
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	case KindMalformed:
		return "malformed"
	case KindUnavailable:
		return "unavailable"
	case KindInvalidArtifact:
		return "invalid_artifact"
	default:
		return "unknown"
	}
}

// ProviderError is raised by provider adapters at the point of failure.
// Kind decides whether the fallback client retries the same credential or
// moves on to the next one.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider %s: %v", e.Kind, e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the same credential may be tried again.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindInvalidArtifact
}

func NewProviderError(kind ErrorKind, provider string, err error) error {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// KindOf extracts the failure kind. Errors that were not classified by an
// adapter, including deadline expiry, count as transient.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// AllProvidersFailedError is returned once every route has been exhausted.
type AllProvidersFailedError struct {
	Attempts int
	LastKind ErrorKind
	Last     error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *AllProvidersFailedError) Unwrap() []error {
	return []error{ErrAllProvidersFailed, e.Last}
}

// UserMessage maps an error to a short category safe to show callers.
// Provider names, credentials and subprocess output never leave this function.
func UserMessage(err error) string {
	var ve *ValidationError
	var apf *AllProvidersFailedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "invalid " + ve.Field
	case errors.Is(err, ErrBlocked):
		return "this source is not available for conversion"
	case errors.Is(err, ErrValidation):
		return "invalid request"
	case errors.Is(err, ErrBusy):
		return "source is busy, try again later"
	case errors.As(err, &apf):
		return kindMessage(apf.LastKind)
	case errors.Is(err, ErrStorage), errors.Is(err, ErrLockAcquisition):
		return "service temporarily unavailable, try again later"
	case errors.Is(err, context.DeadlineExceeded):
		return "conversion timed out"
	case errors.Is(err, context.Canceled):
		return "conversion interrupted"
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return kindMessage(pe.Kind)
	}
	return "conversion failed"
}

func kindMessage(k ErrorKind) string {
	switch k {
	case KindUnavailable:
		return "source is unavailable or restricted"
	case KindQuota, KindAuth:
		return "conversion capacity exhausted, try again later"
	case KindInvalidArtifact:
		return "conversion produced no usable audio"
	case KindMalformed:
		return "conversion service returned an unexpected response"
	default:
		return "conversion failed, try again later"
	}
}
