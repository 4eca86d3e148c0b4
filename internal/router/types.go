// Package router dispatches agent requests to execution backends with
// ordered fallback, per-backend load ceilings, and failure cool-downs.
package router

import (
	"context"
	"time"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// Executor produces a completion for a request. Implementations wrap a
// single model on a single backend.
type Executor interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// HealthChecker is implemented by executors that can check their backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Request is a single task execution sent to a backend.
type Request struct {
	ProjectID    string
	ModuleID     string
	AgentID      string
	Role         string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
}

// Response is the result of a successful execution.
type Response struct {
	Content      string
	Backend      string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
}

// Backend registers an executor under an ID.
type Backend struct {
	ID       string
	Locality models.Locality
	// MaxLoad is the number of concurrent executions allowed. Values below
	// one are treated as one.
	MaxLoad  int
	Executor Executor
}

// Config holds router tuning.
type Config struct {
	// Cooldown is how long a backend stays unavailable after a failure.
	Cooldown time.Duration
	// AttemptTimeout bounds a single backend call. Zero leaves only the
	// caller's deadline.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:       30 * time.Second,
		AttemptTimeout: 5 * time.Minute,
	}
}
