package types

import (
	"errors"
	"fmt"
)

// Error kinds. Handlers map these onto HTTP codes; everything else in
// the process matches with errors.Is.
var (
	// ErrNotFound: the entity id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition: mutation attempted on a terminal session.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrValidation: inputs violate bounds (tokens > max_tokens,
	// unknown enum value, empty content).
	ErrValidation = errors.New("validation error")

	// ErrIO: transient file read failure; the operation is retried on
	// the next event.
	ErrIO = errors.New("io error")

	// ErrExternalUnavailable: LLM or embedding endpoint timed out or
	// returned non-2xx; callers degrade instead of failing the request.
	ErrExternalUnavailable = errors.New("external service unavailable")

	// ErrStoreConflict: unique-constraint violation, e.g. a second
	// lineage row for the same child.
	ErrStoreConflict = errors.New("store conflict")
)

// NotFoundf wraps ErrNotFound with entity context.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Validationf wraps ErrValidation with detail.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Externalf wraps ErrExternalUnavailable with detail.
func Externalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrExternalUnavailable, fmt.Sprintf(format, args...))
}
