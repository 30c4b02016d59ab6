package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrConflict indicates a write was attempted against a job already in a
	// terminal status. Callers log and discard; the write is never applied.
	ErrConflict = errors.New("job already terminal")
	// ErrDispatchUnavailable indicates the unit-of-work invoker could not
	// reach its target. Non-fatal: the watchdog re-invokes stalled work.
	ErrDispatchUnavailable = errors.New("dispatch unavailable")
)

// ValidationError reports a malformed creation request. It is surfaced
// synchronously to the caller; no job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for a request field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// VendorError records a failure reported by (or an unparseable result from)
// an external service. It is terminal for the job that hit it.
type VendorError struct {
	Vendor string
	Reason string
}

func (e *VendorError) Error() string {
	if e.Vendor == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Vendor, e.Reason)
}

// TimeoutError records watchdog-detected staleness that exhausted the retry
// budget. Terminal, with the threshold that was breached.
type TimeoutError struct {
	Retries int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stalled with no progress after %d recovery attempts", e.Retries)
}
