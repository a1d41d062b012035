package events

import "errors"

var (
	// ErrNotFound is returned when no event matches a lookup.
	ErrNotFound = errors.New("event not found")

	// ErrDuplicateConfirmation is returned when a tx hash was already recorded
	// or the target event is no longer pending. Callers treat it as a no-op.
	ErrDuplicateConfirmation = errors.New("duplicate confirmation")

	// ErrImmutableEvent is returned when a write would modify a confirmed event.
	ErrImmutableEvent = errors.New("event is immutable once confirmed")

	// ErrInvalidEvent is returned for records that break the data model.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrStaleAnomaly is returned when an anomaly would be evicted as soon as
	// it is appended because the buffer is full of newer events.
	ErrStaleAnomaly = errors.New("anomaly older than the retained window")

	// ErrDetectorFailure wraps an error or panic raised by a single detector.
	ErrDetectorFailure = errors.New("detector failure")

	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)
