package overrides

import "errors"

var (
	// ErrInvalidDuration is returned for non-positive or too long durations.
	ErrInvalidDuration = errors.New("invalid override duration")
	// ErrNoOverride is returned when cancelling an actuator that has no active override.
	ErrNoOverride = errors.New("no active override")
)
