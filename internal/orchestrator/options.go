package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/pmbot/internal/agent"
	"github.com/ShayCichocki/pmbot/internal/metrics"
	"github.com/ShayCichocki/pmbot/internal/router"
	"github.com/ShayCichocki/pmbot/internal/state"
	"github.com/ShayCichocki/pmbot/pkg/models"
)

// Dispatcher executes one agent task. *router.Router implements it.
type Dispatcher interface {
	Execute(ctx context.Context, a *models.Agent, req *router.Request) (*router.Response, error)
}

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Project is the project to run. The orchestrator takes ownership of it.
	Project *models.Project
	// Dispatcher sends agent tasks to execution backends.
	Dispatcher Dispatcher
	// Registry tracks the project's agents. Its releaser should be the
	// router so backend slots are freed when an agent finishes.
	Registry *agent.Registry
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	logger       *logrus.Entry
	metrics      *metrics.Metrics
	store        state.Snapshotter
	now          func() time.Time
	pollInterval time.Duration
	effortUnit   time.Duration
	eventBuffer  int
}

func defaultOptions() *orchestratorOptions {
	return &orchestratorOptions{
		now:          time.Now,
		pollInterval: 500 * time.Millisecond,
		effortUnit:   time.Hour,
		eventBuffer:  256,
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}

// WithSnapshotter persists the project after every state change that
// matters for recovery.
func WithSnapshotter(s state.Snapshotter) Option {
	return func(o *orchestratorOptions) { o.store = s }
}

// WithClock overrides the time source (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPollInterval sets how often the loop re-checks for work when idle.
func WithPollInterval(d time.Duration) Option {
	return func(o *orchestratorOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithEffortUnit sets the wall time one unit of effort hint represents,
// used for the initial completion estimate.
func WithEffortUnit(d time.Duration) Option {
	return func(o *orchestratorOptions) {
		if d > 0 {
			o.effortUnit = d
		}
	}
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}
