package errors

import "errors"

// Sentinels for domain errors. Layers wrap them with fmt.Errorf("...: %w")
// and the API maps them to status codes.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	// ErrInvariant marks an operation refused because it would break a
	// scheduling invariant (double admission, counter underflow, attempt overflow).
	ErrInvariant = errors.New("invariant violation")
)
