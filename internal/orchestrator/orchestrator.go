// Package orchestrator runs a project's module graph: it claims ready
// modules, dispatches their agents through the router, retries failures with
// backoff, and persists the project after each change.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/pmbot/internal/agent"
	"github.com/ShayCichocki/pmbot/internal/graph"
	"github.com/ShayCichocki/pmbot/internal/metrics"
	"github.com/ShayCichocki/pmbot/internal/state"
	"github.com/ShayCichocki/pmbot/pkg/models"
)

// Metric keys recorded on the project.
const (
	MetricTasksDispatched = "tasks_dispatched"
	MetricTasksFailed     = "tasks_failed"
	MetricRetries         = "module_retries"
	MetricInputTokens     = "input_tokens"
	MetricOutputTokens    = "output_tokens"
)

// DefaultSettings returns the run controls used when a project has none.
func DefaultSettings() models.RunSettings {
	return models.RunSettings{
		MaxInFlight:       4,
		TaskTimeout:       10 * time.Minute,
		RetryLimit:        3,
		BackoffInitial:    2 * time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        time.Minute,
	}
}

// normalizeSettings fills unset or out-of-range controls.
func normalizeSettings(s models.RunSettings) models.RunSettings {
	d := DefaultSettings()
	if s.MaxInFlight < 1 {
		s.MaxInFlight = d.MaxInFlight
	}
	if s.RetryLimit < 1 {
		s.RetryLimit = 1
	}
	if s.BackoffMultiplier < 1 {
		s.BackoffMultiplier = d.BackoffMultiplier
	}
	if s.BackoffInitial < 0 {
		s.BackoffInitial = 0
	}
	if s.BackoffMax < s.BackoffInitial {
		s.BackoffMax = s.BackoffInitial
	}
	return s
}

// NewProject creates a project in the planning state after validating the
// module graph and every module type against templates. It fails fast with
// *graph.InvalidGraphError, *graph.DuplicateModuleError or
// *agent.UnknownModuleTypeError.
func NewProject(name, description string, modules []*models.Module, templates agent.TemplateSet, settings models.RunSettings) (*models.Project, error) {
	if err := Validate(modules, templates); err != nil {
		return nil, err
	}

	p := models.NewProject(uuid.New().String(), name, description)
	p.Settings = normalizeSettings(settings)
	for _, m := range modules {
		c := m.Clone()
		c.Status = models.ModuleStatusPending
		p.Modules[c.ID] = c
	}
	return p, nil
}

// Validate checks that modules form a valid graph and that every module
// type and role has a template.
func Validate(modules []*models.Module, templates agent.TemplateSet) error {
	if err := graph.New().Build(modules); err != nil {
		return err
	}
	resolver := agent.NewRegistry("", templates, nil)
	for _, m := range modules {
		if _, err := resolver.Resolve(m); err != nil {
			return err
		}
	}
	return nil
}

// Orchestrator drives one project to a terminal status.
type Orchestrator struct {
	// project is the aggregate; module state lives in graph and agent state
	// in registry until sync copies it back.
	project *models.Project
	// mu protects project and the run/cancel fields.
	mu sync.Mutex

	graph      *graph.DependencyGraph
	registry   *agent.Registry
	dispatcher Dispatcher
	settings   models.RunSettings
	order      []string

	log          *logrus.Entry
	metrics      *metrics.Metrics
	store        state.Snapshotter
	now          func() time.Time
	pollInterval time.Duration
	effortUnit   time.Duration

	emitter   *EventEmitter
	pauseCtrl *PauseController

	started         bool
	cancelRequested bool
	cancelRun       func()
}

// New creates an Orchestrator for a new or restored project. Modules left
// in_progress or cancelled by an earlier run are returned to the schedule.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Project == nil {
		return nil, fmt.Errorf("create orchestrator: project is required")
	}
	if req.Dispatcher == nil {
		return nil, fmt.Errorf("create orchestrator: dispatcher is required")
	}
	if req.Registry == nil {
		return nil, fmt.Errorf("create orchestrator: registry is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	p := req.Project
	log := o.logger.WithFields(logrus.Fields{
		"component": "orchestrator",
		"project":   p.ID,
	})

	modules := make([]*models.Module, 0, len(p.Modules))
	for _, m := range p.ModuleList() {
		c := m.Clone()
		switch c.Status {
		case "":
			c.Status = models.ModuleStatusPending
		case models.ModuleStatusInProgress:
			c.Status = models.ModuleStatusReady
			c.StartedAt = nil
		case models.ModuleStatusCancelled:
			c.Status = models.ModuleStatusPending
			c.ErrorKind = ""
			c.LastError = ""
		}
		modules = append(modules, c)
	}

	g := graph.New()
	if log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		g.SetDebugLog(func(format string, args ...interface{}) {
			log.Tracef(format, args...)
		})
	}
	if err := g.Build(modules); err != nil {
		return nil, fmt.Errorf("build project graph: %w", err)
	}
	for _, m := range modules {
		if _, err := req.Registry.Resolve(m); err != nil {
			return nil, err
		}
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("order project graph: %w", err)
	}

	req.Registry.Restore(p.Agents)
	if p.Metrics == nil {
		p.Metrics = make(map[string]float64)
	}
	if p.Status == models.ProjectStatusCancelled {
		p.Status = models.ProjectStatusPlanning
		p.CompletedAt = nil
	}
	p.Settings = normalizeSettings(p.Settings)

	return &Orchestrator{
		project:      p,
		graph:        g,
		registry:     req.Registry,
		dispatcher:   req.Dispatcher,
		settings:     p.Settings,
		order:        order,
		log:          log,
		metrics:      o.metrics,
		store:        o.store,
		now:          o.now,
		pollInterval: o.pollInterval,
		effortUnit:   o.effortUnit,
		emitter:      NewEventEmitter(o.eventBuffer, log),
		pauseCtrl:    NewPauseController(),
	}, nil
}

// Project returns a copy of the current project state.
func (o *Orchestrator) Project() *models.Project {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncLocked()
	return o.project.Clone()
}

// Graph returns the project's dependency graph. Callers must not mark
// modules on it.
func (o *Orchestrator) Graph() *graph.DependencyGraph {
	return o.graph
}

// Events returns the event stream. It is closed when Run returns.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// DroppedEvents returns how many events were dropped on a full channel.
func (o *Orchestrator) DroppedEvents() uint64 {
	return o.emitter.DroppedCount()
}

// Pause stops dispatch of new tasks. In-flight tasks run to completion.
func (o *Orchestrator) Pause() {
	if o.pauseCtrl.Pause() {
		o.log.Info("paused, no new tasks will be dispatched")
		o.emit(Event{Type: EventProjectPaused})
	}
}

// Resume continues dispatch after Pause.
func (o *Orchestrator) Resume() {
	if o.pauseCtrl.Resume() {
		o.log.Info("resumed")
		o.emit(Event{Type: EventProjectResumed})
	}
}

// IsPaused reports whether dispatch is paused.
func (o *Orchestrator) IsPaused() bool {
	return o.pauseCtrl.IsPaused()
}

// Cancel stops the run: in-flight tasks are cancelled and unfinished
// modules become cancelled. Calling Cancel before Run makes Run return
// immediately.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.cancelRequested = true
	fn := o.cancelRun
	o.mu.Unlock()

	o.log.Info("cancel requested")
	if fn != nil {
		fn()
	}
}

// syncLocked copies graph and registry state into the project aggregate.
// The caller holds o.mu.
func (o *Orchestrator) syncLocked() {
	p := o.project
	modules := o.graph.Modules()
	p.Modules = make(map[string]*models.Module, len(modules))
	var failures []models.ModuleFailure
	for _, m := range modules {
		p.Modules[m.ID] = m
		if m.Status == models.ModuleStatusFailed || m.Status == models.ModuleStatusBlocked {
			failures = append(failures, models.ModuleFailure{
				ModuleID:  m.ID,
				Kind:      m.ErrorKind,
				Message:   m.LastError,
				Attempts:  m.Attempts,
				BlockedBy: m.BlockedBy,
			})
		}
	}
	p.Failures = failures
	p.Agents = o.registry.Snapshot()

	if progress := o.graph.Progress(); progress > p.Progress {
		p.Progress = progress
	}
	for status, n := range o.graph.Counts() {
		p.Metrics["modules_"+string(status)] = float64(n)
	}
	o.estimateLocked()
}

// estimateLocked projects the completion time: from the effort total before
// any module completes, then by extrapolating elapsed time over progress.
func (o *Orchestrator) estimateLocked() {
	p := o.project
	if p.StartedAt == nil || p.Status.Terminal() {
		p.EstimatedCompletion = nil
		return
	}
	var eta time.Time
	if p.Progress > 0 {
		elapsed := o.now().Sub(*p.StartedAt)
		eta = p.StartedAt.Add(time.Duration(float64(elapsed) / p.Progress))
	} else {
		eta = p.StartedAt.Add(time.Duration(o.graph.TotalWeight() * float64(o.effortUnit)))
	}
	p.EstimatedCompletion = &eta
}

// persist syncs and snapshots the project. Store errors are logged; the run
// continues on the in-memory state.
func (o *Orchestrator) persist() {
	o.mu.Lock()
	o.syncLocked()
	p := o.project
	p.UpdatedAt = o.now()
	var snap *models.Project
	if o.store != nil {
		snap = p.Clone()
	}
	progress := p.Progress
	o.mu.Unlock()

	o.metrics.SetProgress(o.project.ID, progress)
	if snap == nil {
		return
	}
	if err := o.store.Snapshot(snap); err != nil {
		o.log.WithError(err).Error("snapshot project")
	}
}

// setStatus changes the project status and stamps start and finish times.
func (o *Orchestrator) setStatus(status models.ProjectStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.project
	p.Status = status
	now := o.now()
	if status == models.ProjectStatusRunning && p.StartedAt == nil {
		p.StartedAt = &now
	}
	if status.Terminal() {
		p.CompletedAt = &now
	}
}

// addMetric increments a project counter.
func (o *Orchestrator) addMetric(key string, delta float64) {
	o.mu.Lock()
	o.project.Metrics[key] += delta
	o.mu.Unlock()
}

// progress returns the monotonic project progress.
func (o *Orchestrator) progress() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g := o.graph.Progress(); g > o.project.Progress {
		o.project.Progress = g
	}
	return o.project.Progress
}

// emit stamps and publishes an event.
func (o *Orchestrator) emit(e Event) {
	e.ProjectID = o.project.ID
	if e.Timestamp.IsZero() {
		e.Timestamp = o.now()
	}
	o.emitter.Emit(e)
}

// backoffDelay returns the wait before retry number attempt (1-based).
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.settings.BackoffInitial
	b.Multiplier = o.settings.BackoffMultiplier
	b.MaxInterval = o.settings.BackoffMax
	b.RandomizationFactor = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
