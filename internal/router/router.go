package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/pmbot/internal/metrics"
	"github.com/ShayCichocki/pmbot/pkg/models"
)

// backendState is the router-owned routing state of one backend.
type backendState struct {
	spec          Backend
	disabled      bool // operator switch, see SetAvailable
	unhealthy     bool // last HealthCheck failed
	load          int
	cooldownUntil time.Time
	calls         int64
	failures      int64
}

// Router routes agent requests across registered backends.
// Backend load and availability are mutated only by the router.
type Router struct {
	cfg Config

	mu       sync.Mutex
	backends map[string]*backendState
	order    []string
	// holders maps agent IDs to the backend whose slot they hold.
	holders map[string]string

	log     *logrus.Entry
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l *logrus.Entry) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithClock overrides the time source (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a router with no backends.
func New(cfg Config, opts ...Option) *Router {
	discard := logrus.New()
	discard.SetLevel(logrus.PanicLevel)

	r := &Router{
		cfg:      cfg,
		backends: make(map[string]*backendState),
		holders:  make(map[string]string),
		log:      logrus.NewEntry(discard),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "router")
	return r
}

// Register adds a backend. IDs must be unique.
func (r *Router) Register(b Backend) error {
	if b.ID == "" {
		return fmt.Errorf("register backend: id is required")
	}
	if b.Executor == nil {
		return fmt.Errorf("register backend %s: executor is required", b.ID)
	}
	if !b.Locality.Valid() {
		return fmt.Errorf("register backend %s: invalid locality %q", b.ID, b.Locality)
	}
	if b.MaxLoad < 1 {
		b.MaxLoad = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.ID]; exists {
		return fmt.Errorf("register backend %s: already registered", b.ID)
	}
	r.backends[b.ID] = &backendState{spec: b}
	r.order = append(r.order, b.ID)
	r.log.WithFields(logrus.Fields{
		"backend":  b.ID,
		"locality": b.Locality,
		"max_load": b.MaxLoad,
	}).Debug("registered backend")
	return nil
}

// Execute runs req for agent a, walking the agent's backend preference list.
// Consecutive preferences sharing a locality form a group, and within a group
// the least-loaded available backend is tried first. A failing backend is put
// in cool-down and the next candidate is tried. When every candidate was
// skipped or failed, an *AllBackendsExhaustedError is returned. Cancellation
// of ctx stops the walk and returns ctx.Err().
func (r *Router) Execute(ctx context.Context, a *models.Agent, req *Request) (*Response, error) {
	tried := make(map[string]bool, len(a.Backends))
	var attempts []error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, skipped, ok := r.acquire(a.ID, a.Backends, tried)
		attempts = append(attempts, skipped...)
		if !ok {
			r.log.WithFields(logrus.Fields{
				"agent":    a.ID,
				"attempts": len(attempts),
			}).Warn("all backends exhausted")
			return nil, &AllBackendsExhaustedError{AgentID: a.ID, Attempts: attempts}
		}
		tried[id] = true

		resp, err := r.call(ctx, id, req)
		r.releaseSlot(a.ID, id)

		if err == nil {
			r.log.WithFields(logrus.Fields{
				"agent":   a.ID,
				"backend": id,
				"latency": resp.Latency,
			}).Debug("backend call succeeded")
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		until := r.penalize(id, err)
		r.log.WithFields(logrus.Fields{
			"agent":          a.ID,
			"backend":        id,
			"cooldown_until": until.Format(time.RFC3339),
		}).WithError(err).Warn("backend call failed, falling back")
		attempts = append(attempts, &BackendError{Backend: id, Err: err})
	}
}

// acquire picks the next backend for agentID and takes a load slot on it.
// Candidates skipped on the way are marked tried and returned as errors.
func (r *Router) acquire(agentID string, prefs []string, tried map[string]bool) (string, []error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var skipped []error

	for {
		group, unknown := r.nextGroupLocked(prefs, tried)
		if unknown != "" {
			tried[unknown] = true
			skipped = append(skipped, &BackendUnavailableError{Backend: unknown, Reason: ReasonUnknown})
			r.metrics.BackendCall(unknown, "skipped")
			continue
		}
		if len(group) == 0 {
			return "", skipped, false
		}

		var best *backendState
		for _, id := range group {
			b := r.backends[id]
			if reason := b.unavailableReason(now); reason != "" {
				tried[id] = true
				skipped = append(skipped, &BackendUnavailableError{Backend: id, Reason: reason})
				r.metrics.BackendCall(id, "skipped")
				continue
			}
			if best == nil || b.load < best.load {
				best = b
			}
		}
		if best == nil {
			continue
		}

		best.load++
		best.calls++
		r.holders[agentID] = best.spec.ID
		r.metrics.SetBackendLoad(best.spec.ID, best.load)
		return best.spec.ID, skipped, true
	}
}

// nextGroupLocked returns the run of consecutive untried preferences sharing
// the locality of the first untried one. If that first one is not
// registered, it is returned as unknown instead.
func (r *Router) nextGroupLocked(prefs []string, tried map[string]bool) ([]string, string) {
	var group []string
	var locality models.Locality

	for _, id := range prefs {
		if tried[id] {
			continue
		}
		b, ok := r.backends[id]
		if len(group) == 0 {
			if !ok {
				return nil, id
			}
			locality = b.spec.Locality
			group = append(group, id)
			continue
		}
		if !ok || b.spec.Locality != locality {
			break
		}
		group = append(group, id)
	}
	return group, ""
}

func (b *backendState) unavailableReason(now time.Time) string {
	switch {
	case b.disabled, b.unhealthy:
		return ReasonUnavailable
	case now.Before(b.cooldownUntil):
		return ReasonCoolingDown
	case b.load >= b.spec.MaxLoad:
		return ReasonAtCapacity
	default:
		return ""
	}
}

// call invokes the backend's executor under the per-attempt timeout.
func (r *Router) call(ctx context.Context, id string, req *Request) (*Response, error) {
	r.mu.Lock()
	exec := r.backends[id].spec.Executor
	r.mu.Unlock()

	attemptCtx := ctx
	cancel := func() {}
	if r.cfg.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	}
	defer cancel()

	start := r.now()
	resp, err := exec.Generate(attemptCtx, req)
	latency := r.now().Sub(start)
	r.metrics.BackendObserve(id, latency)

	if err == nil && (resp == nil || resp.Content == "") {
		err = ErrEmptyResponse
	}
	if err != nil {
		r.metrics.BackendCall(id, "failure")
		return nil, err
	}

	r.metrics.BackendCall(id, "success")
	resp.Backend = id
	if resp.Latency == 0 {
		resp.Latency = latency
	}
	return resp, nil
}

// releaseSlot frees the slot agentID holds on backend id, if it still holds it.
func (r *Router) releaseSlot(agentID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holders[agentID] != id {
		return
	}
	delete(r.holders, agentID)
	b := r.backends[id]
	if b.load > 0 {
		b.load--
	}
	r.metrics.SetBackendLoad(id, b.load)
}

// penalize records a failure and starts the cool-down window.
func (r *Router) penalize(id string, err error) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.backends[id]
	b.failures++

	wait := r.cfg.Cooldown
	var throttle *ThrottleError
	if errors.As(err, &throttle) && throttle.RetryAfter > wait {
		wait = throttle.RetryAfter
	}
	until := r.now().Add(wait)
	if until.After(b.cooldownUntil) {
		b.cooldownUntil = until
	}
	return b.cooldownUntil
}

// ReleaseAgent frees any backend slot held by the agent. It is safe to call
// more than once.
func (r *Router) ReleaseAgent(agentID string) {
	r.mu.Lock()
	id, ok := r.holders[agentID]
	r.mu.Unlock()
	if ok {
		r.releaseSlot(agentID, id)
	}
}

// SetAvailable enables or disables a backend. Enabling also clears any
// cool-down. A backend disabled here stays disabled until enabled here,
// whatever health checks report.
func (r *Router) SetAvailable(id string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.backends[id]
	if !ok {
		return &BackendUnavailableError{Backend: id, Reason: ReasonUnknown}
	}
	b.disabled = !available
	if available {
		b.cooldownUntil = time.Time{}
	}
	return nil
}

// Backends returns the routing state of every backend in registration order.
func (r *Router) Backends() []models.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]models.Backend, 0, len(r.order))
	for _, id := range r.order {
		b := r.backends[id]
		out = append(out, models.Backend{
			ID:            id,
			Locality:      b.spec.Locality,
			Available:     !b.disabled && !b.unhealthy && !now.Before(b.cooldownUntil),
			Load:          b.load,
			MaxLoad:       b.spec.MaxLoad,
			CooldownUntil: b.cooldownUntil,
			Calls:         b.calls,
			Failures:      b.failures,
		})
	}
	return out
}

// HealthCheck checks every backend whose executor implements HealthChecker,
// concurrently. A failed check takes the backend out of routing until a later
// check succeeds. Operator disables from SetAvailable are left alone.
// The result maps backend IDs to their check error (nil when healthy).
func (r *Router) HealthCheck(ctx context.Context) map[string]error {
	r.mu.Lock()
	checks := make(map[string]HealthChecker)
	for id, b := range r.backends {
		if hc, ok := b.spec.Executor.(HealthChecker); ok {
			checks[id] = hc
		}
	}
	r.mu.Unlock()

	var mu sync.Mutex
	results := make(map[string]error, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for id, hc := range checks {
		g.Go(func() error {
			err := hc.Health(gctx)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	for id, err := range results {
		r.backends[id].unhealthy = err != nil
	}
	r.mu.Unlock()

	for id, err := range results {
		if err != nil {
			r.log.WithField("backend", id).WithError(err).Warn("backend health check failed")
		}
	}
	return results
}
