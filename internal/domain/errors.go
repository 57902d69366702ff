package domain

import "errors"

// Error kinds shared across the engine. Components classify failures against
// these sentinels with errors.Is and choose ack/requeue/dead-letter behavior
// from the kind, never from the concrete error text.
var (
	// ErrNotFound is returned when a row or correlation id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set status transition loses.
	ErrConflict = errors.New("state conflict")
	// ErrConstraint is returned when a domain invariant is violated at the store.
	ErrConstraint = errors.New("constraint violated")
	// ErrTransient marks recoverable failures: broker or database connectivity,
	// detector timeouts, upstream 5xx.
	ErrTransient = errors.New("transient failure")
	// ErrMalformed marks payloads rejected by the codec. Never retriable.
	ErrMalformed = errors.New("malformed payload")
	// ErrPermanent marks failures that retrying cannot fix (detector 4xx,
	// unsupported platform).
	ErrPermanent = errors.New("permanent failure")
)
