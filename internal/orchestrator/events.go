package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventProjectStarted indicates the run loop started.
	EventProjectStarted EventType = "project_started"
	// EventModuleReady indicates a module's dependencies all completed.
	EventModuleReady EventType = "module_ready"
	// EventModuleStarted indicates a module was claimed and its tasks queued.
	EventModuleStarted EventType = "module_started"
	// EventTaskDispatched indicates an agent task was sent to the router.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskCompleted indicates an agent task succeeded.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates an agent task failed.
	EventTaskFailed EventType = "task_failed"
	// EventModuleCompleted indicates every agent of a module finished.
	EventModuleCompleted EventType = "module_completed"
	// EventModuleRetrying indicates a failed module was requeued.
	EventModuleRetrying EventType = "module_retrying"
	// EventModuleFailed indicates a module exhausted its retries.
	EventModuleFailed EventType = "module_failed"
	// EventModuleBlocked indicates a dependency of the module failed.
	EventModuleBlocked EventType = "module_blocked"
	// EventModuleCancelled indicates the module was cancelled with the project.
	EventModuleCancelled EventType = "module_cancelled"
	// EventProjectPaused indicates dispatch of new work stopped.
	EventProjectPaused EventType = "project_paused"
	// EventProjectResumed indicates dispatch continued after a pause.
	EventProjectResumed EventType = "project_resumed"
	// EventProjectCompleted indicates every module completed.
	EventProjectCompleted EventType = "project_completed"
	// EventProjectFailed indicates no further progress is possible.
	EventProjectFailed EventType = "project_failed"
	// EventProjectCancelled indicates the run was cancelled.
	EventProjectCancelled EventType = "project_cancelled"
)

// Event represents an event emitted by the orchestrator.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// ProjectID is the project the event belongs to.
	ProjectID string
	// ModuleID is the related module, if applicable.
	ModuleID string
	// AgentID is the related agent, if applicable.
	AgentID string
	// Backend is the backend that served a task, if applicable.
	Backend string
	// Attempt is the module's failed attempt count at the time of the event.
	Attempt int
	// Progress is the project progress at the time of the event.
	Progress float64
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Duration is the elapsed time of a task or project, or the backoff
	// before a retry.
	Duration time.Duration
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
