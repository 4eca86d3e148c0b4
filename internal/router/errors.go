package router

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyResponse is returned when an executor reports success without content.
var ErrEmptyResponse = errors.New("empty response")

// Reasons a backend is skipped.
const (
	ReasonUnknown     = "unknown backend"
	ReasonUnavailable = "unavailable"
	ReasonCoolingDown = "cooling down"
	ReasonAtCapacity  = "at capacity"
)

// BackendUnavailableError reports a backend that was skipped without being called.
type BackendUnavailableError struct {
	Backend string
	Reason  string
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %s", e.Backend, e.Reason)
}

// BackendError wraps a failure returned by a backend call.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// ThrottleError is returned by executors when a backend asks callers to
// back off. RetryAfter extends the cool-down when it is longer.
type ThrottleError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("throttled (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("throttled (retry after %s)", e.RetryAfter)
}

func (e *ThrottleError) Unwrap() error {
	return e.Err
}

// AllBackendsExhaustedError is returned when every backend in an agent's
// preference list was skipped or failed.
type AllBackendsExhaustedError struct {
	AgentID  string
	Attempts []error
}

func (e *AllBackendsExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("agent %s: all backends exhausted: no backends configured", e.AgentID)
	}
	parts := make([]string, len(e.Attempts))
	for i, err := range e.Attempts {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("agent %s: all backends exhausted: %s", e.AgentID, strings.Join(parts, "; "))
}

// Unwrap exposes the per-backend errors to errors.Is and errors.As.
func (e *AllBackendsExhaustedError) Unwrap() []error {
	return e.Attempts
}
