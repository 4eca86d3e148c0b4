package models

import "time"

// Locality classifies where a backend runs.
type Locality string

const (
	// LocalityLocal is a backend running on the operator's hardware.
	LocalityLocal Locality = "local"
	// LocalityCloud is a hosted backend.
	LocalityCloud Locality = "cloud"
)

// Valid returns true if the locality is a known value.
func (l Locality) Valid() bool {
	return l == LocalityLocal || l == LocalityCloud
}

// Backend is a point-in-time view of an execution backend's routing state.
type Backend struct {
	ID            string    `json:"id"`
	Locality      Locality  `json:"locality"`
	Available     bool      `json:"available"`
	Load          int       `json:"load"`
	MaxLoad       int       `json:"max_load"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Calls         int64     `json:"calls"`
	Failures      int64     `json:"failures"`
}
