package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/pmbot/internal/agent"
	"github.com/ShayCichocki/pmbot/internal/router"
	"github.com/ShayCichocki/pmbot/pkg/models"
)

// task is one agent execution waiting for an in-flight slot.
type task struct {
	moduleID string
	agentID  string
}

// inflight represents an in-flight task being executed by an agent.
type inflight struct {
	task
	role      string
	startTime time.Time
	cancelFn  context.CancelFunc
}

// taskResult is what a worker reports when its task returns.
type taskResult struct {
	task
	resp *router.Response
	err  error
}

// moduleRun tracks one claimed attempt of a module until its tasks join.
type moduleRun struct {
	outstanding int
	err         error
}

// runState is owned by the loop goroutine.
type runState struct {
	queue        []task
	inflight     map[string]*inflight
	runs         map[string]*moduleRun
	retryAt      map[string]time.Time
	completionCh chan taskResult
	wg           sync.WaitGroup
}

// dropQueued removes a module's undispatched tasks and returns how many.
func (rs *runState) dropQueued(moduleID string) int {
	kept := rs.queue[:0]
	n := 0
	for _, t := range rs.queue {
		if t.moduleID == moduleID {
			n++
			continue
		}
		kept = append(kept, t)
	}
	rs.queue = kept
	return n
}

// Run drives the project until it completes, fails, or ctx is cancelled.
// It returns nil on completion, a *ProjectFailedError when modules failed
// and nothing else can progress, and the context error on cancellation.
// Run may be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.started = true
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelRun = cancel
	if o.cancelRequested {
		cancel()
	}
	o.mu.Unlock()
	defer o.emitter.Close()

	o.setStatus(models.ProjectStatusRunning)
	o.log.WithFields(logrus.Fields{
		"modules":       o.graph.Size(),
		"max_in_flight": o.settings.MaxInFlight,
		"retry_limit":   o.settings.RetryLimit,
		"task_timeout":  o.settings.TaskTimeout,
	}).Info("project started")
	o.emit(Event{Type: EventProjectStarted, Progress: o.progress()})
	o.persist()

	return o.runLoop(ctx)
}

// runLoop is the coordinating loop. It never blocks on an individual task:
// workers report on completionCh and the loop keeps scheduling.
func (o *Orchestrator) runLoop(ctx context.Context) error {
	rs := &runState{
		inflight:     make(map[string]*inflight),
		runs:         make(map[string]*moduleRun),
		retryAt:      make(map[string]time.Time),
		completionCh: make(chan taskResult, o.settings.MaxInFlight),
	}

	for {
		if ctx.Err() != nil {
			return o.stop(ctx, rs)
		}

		o.promoteReady()
		if !o.pauseCtrl.IsPaused() {
			o.claim(rs)
			o.dispatch(ctx, rs)
		}

		if status, done := o.evaluate(rs); done {
			return o.finish(status)
		}

		timer := time.NewTimer(o.nextWake(rs))
		select {
		case <-ctx.Done():
			timer.Stop()
			return o.stop(ctx, rs)
		case res := <-rs.completionCh:
			timer.Stop()
			if ctx.Err() != nil {
				o.abandonResult(rs, res)
				return o.stop(ctx, rs)
			}
			o.handleResult(rs, res)
		case <-o.pauseCtrl.Wake():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// promoteReady moves pending modules whose dependencies completed to ready.
func (o *Orchestrator) promoteReady() {
	for _, id := range o.graph.ReadyModules() {
		if _, err := o.graph.Mark(id, models.ModuleStatusReady); err != nil {
			o.log.WithError(err).WithField("module", id).Error("mark module ready")
			continue
		}
		o.metrics.ModuleTransition(string(models.ModuleStatusReady))
		o.log.WithField("module", id).Debug("module ready")
		o.emit(Event{Type: EventModuleReady, ModuleID: id})
	}
}

// claim takes ready modules in topological order while free in-flight
// slots exceed the queued tasks. Modules still in backoff are skipped.
func (o *Orchestrator) claim(rs *runState) {
	now := o.now()
	for _, id := range o.order {
		if o.settings.MaxInFlight-len(rs.inflight) <= len(rs.queue) {
			return
		}
		if status, _ := o.graph.Status(id); status != models.ModuleStatusReady {
			continue
		}
		if at, ok := rs.retryAt[id]; ok && now.Before(at) {
			continue
		}
		delete(rs.retryAt, id)
		o.claimModule(rs, id)
	}
}

// claimModule moves a ready module to in_progress and queues one task per
// unfinished agent.
func (o *Orchestrator) claimModule(rs *runState, id string) {
	m := o.graph.Get(id)
	if _, err := o.graph.Mark(id, models.ModuleStatusInProgress); err != nil {
		o.log.WithError(err).WithField("module", id).Error("claim module")
		return
	}
	now := o.now()
	_ = o.graph.Update(id, func(m *models.Module) {
		if m.StartedAt == nil {
			m.StartedAt = &now
		}
	})
	o.metrics.ModuleTransition(string(models.ModuleStatusInProgress))

	agents := o.registry.ForModule(id)
	if len(agents) == 0 {
		spawned, err := o.registry.Spawn(m)
		if err != nil {
			o.failAttempt(rs, id, err)
			return
		}
		agents = spawned
	} else {
		o.registry.Reset(id)
		agents = o.registry.ForModule(id)
	}

	var tasks []task
	for _, a := range agents {
		if a.Status != models.AgentStatusDone {
			tasks = append(tasks, task{moduleID: id, agentID: a.ID})
		}
	}
	if len(tasks) == 0 {
		o.completeModule(id)
		return
	}

	rs.runs[id] = &moduleRun{outstanding: len(tasks)}
	rs.queue = append(rs.queue, tasks...)

	o.log.WithFields(logrus.Fields{
		"module":   id,
		"agents":   len(tasks),
		"attempts": m.Attempts,
	}).Info("module started")
	o.emit(Event{Type: EventModuleStarted, ModuleID: id, Attempt: m.Attempts})
	o.persist()
}

// dispatch starts queued tasks while in-flight slots are free.
func (o *Orchestrator) dispatch(ctx context.Context, rs *runState) {
	for len(rs.inflight) < o.settings.MaxInFlight && len(rs.queue) > 0 {
		t := rs.queue[0]
		rs.queue = rs.queue[1:]
		o.startTask(ctx, rs, t)
	}
	o.metrics.SetInFlight(len(rs.inflight))
}

// startTask acquires the agent and runs its task on a worker goroutine
// under the task deadline.
func (o *Orchestrator) startTask(ctx context.Context, rs *runState, t task) {
	if err := o.registry.Acquire(t.agentID); err != nil {
		o.log.WithError(err).WithField("agent", t.agentID).Warn("acquire agent")
		o.handleResult(rs, taskResult{task: t, err: err})
		return
	}
	a := o.registry.Get(t.agentID)
	m := o.graph.Get(t.moduleID)
	deps := make([]*models.Module, 0, len(m.DependsOn))
	for _, id := range m.DependsOn {
		deps = append(deps, o.graph.Get(id))
	}
	req := &router.Request{
		ProjectID:    o.project.ID,
		ModuleID:     m.ID,
		AgentID:      a.ID,
		Role:         a.Role,
		SystemPrompt: a.SystemPrompt,
		Prompt:       agent.BuildPrompt(a, m, deps),
		Temperature:  a.Temperature,
		MaxTokens:    a.MaxTokens,
	}

	timeout := o.settings.TaskTimeout
	var taskCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	rs.inflight[t.agentID] = &inflight{
		task:      t,
		role:      a.Role,
		startTime: o.now(),
		cancelFn:  cancel,
	}
	o.addMetric(MetricTasksDispatched, 1)
	o.log.WithFields(logrus.Fields{
		"module": t.moduleID,
		"agent":  t.agentID,
		"role":   a.Role,
	}).Debug("task dispatched")
	o.emit(Event{Type: EventTaskDispatched, ModuleID: t.moduleID, AgentID: t.agentID})

	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		resp, err := o.dispatcher.Execute(taskCtx, a, req)
		if err != nil && ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			err = &TaskTimeoutError{ModuleID: t.moduleID, AgentID: t.agentID, Timeout: timeout, Err: err}
		}
		rs.completionCh <- taskResult{task: t, resp: resp, err: err}
	}()
}

// handleResult records a finished task and, once every task of the
// module's attempt has reported, completes or fails the attempt.
func (o *Orchestrator) handleResult(rs *runState, res taskResult) {
	var role string
	var elapsed time.Duration
	if inf, ok := rs.inflight[res.agentID]; ok {
		delete(rs.inflight, res.agentID)
		inf.cancelFn()
		role = inf.role
		elapsed = o.now().Sub(inf.startTime)
	}
	o.metrics.SetInFlight(len(rs.inflight))
	o.releaseAgent(res)

	fields := logrus.Fields{
		"module":   res.moduleID,
		"agent":    res.agentID,
		"duration": elapsed,
	}
	if res.err != nil {
		kind := errorKind(res.err)
		o.metrics.TaskFinished(role, kind, elapsed)
		o.addMetric(MetricTasksFailed, 1)
		o.log.WithFields(fields).WithError(res.err).Warn("task failed")
		o.emit(Event{Type: EventTaskFailed, ModuleID: res.moduleID, AgentID: res.agentID, Error: res.err, Duration: elapsed})
	} else {
		var backend string
		if res.resp != nil {
			backend = res.resp.Backend
		}
		o.metrics.TaskFinished(role, "success", elapsed)
		o.log.WithFields(fields).WithField("backend", backend).Debug("task completed")
		o.emit(Event{Type: EventTaskCompleted, ModuleID: res.moduleID, AgentID: res.agentID, Backend: backend, Duration: elapsed})
	}

	run, ok := rs.runs[res.moduleID]
	if !ok {
		return
	}
	run.outstanding--
	if res.err != nil && run.err == nil {
		run.err = res.err
		// Siblings not yet dispatched are skipped; in-flight ones still join.
		run.outstanding -= rs.dropQueued(res.moduleID)
	}
	if run.outstanding > 0 {
		return
	}
	delete(rs.runs, res.moduleID)
	if run.err != nil {
		o.failAttempt(rs, res.moduleID, run.err)
		return
	}
	o.completeModule(res.moduleID)
}

// abandonResult records a task that returned after cancellation. The agent
// keeps its outcome but the module attempt is not counted.
func (o *Orchestrator) abandonResult(rs *runState, res taskResult) {
	if inf, ok := rs.inflight[res.agentID]; ok {
		delete(rs.inflight, res.agentID)
		inf.cancelFn()
	}
	o.releaseAgent(res)
}

// releaseAgent records a task outcome on its agent and frees its backend slot.
func (o *Orchestrator) releaseAgent(res taskResult) {
	var backend, output string
	if res.resp != nil {
		backend = res.resp.Backend
		output = res.resp.Content
		o.addMetric(MetricInputTokens, float64(res.resp.InputTokens))
		o.addMetric(MetricOutputTokens, float64(res.resp.OutputTokens))
	}
	if err := o.registry.Release(res.agentID, backend, output, res.err); err != nil {
		o.log.WithError(err).WithField("agent", res.agentID).Warn("release agent")
	}
}

// completeModule marks a module completed and records progress.
func (o *Orchestrator) completeModule(id string) {
	now := o.now()
	_ = o.graph.Update(id, func(m *models.Module) {
		m.CompletedAt = &now
		m.LastError = ""
		m.ErrorKind = ""
	})
	if _, err := o.graph.Mark(id, models.ModuleStatusCompleted); err != nil {
		o.log.WithError(err).WithField("module", id).Error("mark module completed")
		return
	}
	o.metrics.ModuleTransition(string(models.ModuleStatusCompleted))

	progress := o.progress()
	o.log.WithFields(logrus.Fields{
		"module":   id,
		"progress": progress,
	}).Info("module completed")
	o.emit(Event{Type: EventModuleCompleted, ModuleID: id, Progress: progress})
	o.persist()
}

// failAttempt counts a failed attempt. RetryLimit bounds the total number
// of attempts: the module is requeued after a backoff delay while fewer
// than RetryLimit attempts have run, otherwise it fails and its dependents
// are blocked.
func (o *Orchestrator) failAttempt(rs *runState, id string, cause error) {
	kind := errorKind(cause)
	var attempts int
	_ = o.graph.Update(id, func(m *models.Module) {
		m.Attempts++
		m.LastError = cause.Error()
		m.ErrorKind = kind
		attempts = m.Attempts
	})
	fields := logrus.Fields{
		"module":   id,
		"attempts": attempts,
		"kind":     kind,
	}

	if retryable(kind) && attempts < o.settings.RetryLimit {
		delay := o.backoffDelay(attempts)
		rs.retryAt[id] = o.now().Add(delay)
		if _, err := o.graph.Mark(id, models.ModuleStatusReady); err != nil {
			o.log.WithError(err).WithFields(fields).Error("requeue module")
			return
		}
		o.metrics.ModuleTransition(string(models.ModuleStatusReady))
		o.metrics.ModuleRetry()
		o.addMetric(MetricRetries, 1)
		o.log.WithFields(fields).WithField("backoff", delay).WithError(cause).Warn("module attempt failed, retrying")
		o.emit(Event{Type: EventModuleRetrying, ModuleID: id, Attempt: attempts, Duration: delay, Error: cause})
		o.persist()
		return
	}

	blocked, err := o.graph.Mark(id, models.ModuleStatusFailed)
	if err != nil {
		o.log.WithError(err).WithFields(fields).Error("mark module failed")
		return
	}
	o.metrics.ModuleTransition(string(models.ModuleStatusFailed))
	o.log.WithFields(fields).WithError(cause).Error("module failed")
	o.emit(Event{Type: EventModuleFailed, ModuleID: id, Attempt: attempts, Error: cause})

	for _, b := range blocked {
		o.metrics.ModuleTransition(string(models.ModuleStatusBlocked))
		o.log.WithFields(logrus.Fields{"module": b, "blocked_by": id}).Warn("module blocked")
		o.emit(Event{Type: EventModuleBlocked, ModuleID: b, Message: "dependency " + id + " failed"})
	}
	o.persist()
}

// evaluate derives the project status. The run is done once every module
// completed, or once nothing is ready, in progress or in flight and some
// module failed or was blocked.
func (o *Orchestrator) evaluate(rs *runState) (models.ProjectStatus, bool) {
	counts := o.graph.Counts()
	if counts[models.ModuleStatusCompleted] == o.graph.Size() {
		return models.ProjectStatusCompleted, true
	}
	if counts[models.ModuleStatusReady] > 0 || counts[models.ModuleStatusInProgress] > 0 ||
		len(rs.inflight) > 0 || len(rs.queue) > 0 {
		return models.ProjectStatusRunning, false
	}
	if counts[models.ModuleStatusFailed]+counts[models.ModuleStatusBlocked] > 0 {
		return models.ProjectStatusFailed, true
	}
	return models.ProjectStatusRunning, false
}

// nextWake returns how long the idle loop waits: the poll interval, or less
// when a backoff expires sooner.
func (o *Orchestrator) nextWake(rs *runState) time.Duration {
	d := o.pollInterval
	now := o.now()
	for _, at := range rs.retryAt {
		if w := at.Sub(now); w > 0 && w < d {
			d = w
		}
	}
	return d
}

// finish records a terminal status and returns the run result.
func (o *Orchestrator) finish(status models.ProjectStatus) error {
	o.setStatus(status)
	o.persist()
	p := o.Project()

	var elapsed time.Duration
	if p.StartedAt != nil && p.CompletedAt != nil {
		elapsed = p.CompletedAt.Sub(*p.StartedAt)
	}
	fields := logrus.Fields{
		"progress": p.Progress,
		"elapsed":  elapsed,
	}

	if status == models.ProjectStatusCompleted {
		o.log.WithFields(fields).Info("project completed")
		o.emit(Event{Type: EventProjectCompleted, Progress: p.Progress, Duration: elapsed})
		return nil
	}

	err := &ProjectFailedError{ProjectID: p.ID, Failures: p.Failures}
	o.log.WithFields(fields).WithField("failures", len(p.Failures)).Error("project failed")
	o.emit(Event{Type: EventProjectFailed, Progress: p.Progress, Duration: elapsed, Error: err})
	return err
}

// stop cancels in-flight tasks, waits for their workers, and moves every
// ready or in_progress module to cancelled. Completed modules are untouched.
func (o *Orchestrator) stop(ctx context.Context, rs *runState) error {
	o.log.WithField("in_flight", len(rs.inflight)).Info("cancelling project")
	for _, inf := range rs.inflight {
		inf.cancelFn()
	}
	rs.wg.Wait()

drain:
	for {
		select {
		case res := <-rs.completionCh:
			o.abandonResult(rs, res)
		default:
			break drain
		}
	}
	o.metrics.SetInFlight(0)

	for _, id := range o.graph.WithStatus(models.ModuleStatusReady, models.ModuleStatusInProgress) {
		_ = o.graph.Update(id, func(m *models.Module) {
			m.ErrorKind = models.ErrorKindCancelled
			m.LastError = "project cancelled"
		})
		if _, err := o.graph.Mark(id, models.ModuleStatusCancelled); err != nil {
			o.log.WithError(err).WithField("module", id).Error("mark module cancelled")
			continue
		}
		o.metrics.ModuleTransition(string(models.ModuleStatusCancelled))
		o.emit(Event{Type: EventModuleCancelled, ModuleID: id})
	}

	o.setStatus(models.ProjectStatusCancelled)
	o.persist()
	o.log.WithField("progress", o.progress()).Info("project cancelled")
	o.emit(Event{Type: EventProjectCancelled, Progress: o.progress()})
	return ctx.Err()
}
