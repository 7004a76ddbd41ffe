package domain

import "time"

// Override is a time-bounded manual command for one actuator. Once created
// it is never mutated; superseding, cancelling and applying only stamp
// timestamps in storage.
type Override struct {
	ID           string     `json:"id"`
	Actuator     Actuator   `json:"actuator"`
	Command      Command    `json:"command"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Source       string     `json:"source"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	// AppliedAt is when the controller pushed Command to the device. After
	// that the actuator is left alone until the override ends.
	AppliedAt    *time.Time `json:"applied_at,omitempty"`
}

// ActiveAt reports whether the override is open and unexpired at now.
func (o Override) ActiveAt(now time.Time) bool {
	return o.SupersededAt == nil && o.CancelledAt == nil && now.Before(o.ExpiresAt)
}

// Remaining is the time left before expiry.
func (o Override) Remaining(now time.Time) time.Duration {
	if !o.ActiveAt(now) {
		return 0
	}
	return o.ExpiresAt.Sub(now)
}
