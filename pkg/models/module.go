// Package models defines the data model shared by the orchestrator components.
package models

import "time"

// ModuleStatus represents the current state of a module.
type ModuleStatus string

const (
	// ModuleStatusPending indicates the module is waiting on its dependencies.
	ModuleStatusPending ModuleStatus = "pending"
	// ModuleStatusReady indicates every dependency is completed.
	ModuleStatusReady ModuleStatus = "ready"
	// ModuleStatusInProgress indicates agents are executing the module.
	ModuleStatusInProgress ModuleStatus = "in_progress"
	// ModuleStatusCompleted indicates every agent of the module finished.
	ModuleStatusCompleted ModuleStatus = "completed"
	// ModuleStatusFailed indicates the module exhausted its retries.
	ModuleStatusFailed ModuleStatus = "failed"
	// ModuleStatusBlocked indicates a dependency failed or was blocked.
	ModuleStatusBlocked ModuleStatus = "blocked"
	// ModuleStatusCancelled indicates the project was cancelled before the module finished.
	ModuleStatusCancelled ModuleStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s ModuleStatus) Valid() bool {
	switch s {
	case ModuleStatusPending, ModuleStatusReady, ModuleStatusInProgress,
		ModuleStatusCompleted, ModuleStatusFailed, ModuleStatusBlocked, ModuleStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the module will not be scheduled again in this run.
func (s ModuleStatus) Terminal() bool {
	switch s {
	case ModuleStatusCompleted, ModuleStatusFailed, ModuleStatusBlocked, ModuleStatusCancelled:
		return true
	default:
		return false
	}
}

// Error kinds recorded on failed and blocked modules.
const (
	ErrorKindUnknownModuleType = "unknown_module_type"
	ErrorKindBackendsExhausted = "backends_exhausted"
	ErrorKindTaskTimeout       = "task_timeout"
	ErrorKindExecutor          = "executor_error"
	ErrorKindDependencyFailed  = "dependency_failed"
	ErrorKindCancelled         = "cancelled"
)

// Module is a unit of work in a project's dependency graph.
type Module struct {
	// ID is the unique identifier for this module within its project.
	ID string `json:"id"`
	// Type is the category tag used to select agent templates.
	Type string `json:"type"`
	// Description explains what the module delivers.
	Description string `json:"description,omitempty"`
	// DependsOn lists module IDs that must complete before this module.
	DependsOn []string `json:"depends_on,omitempty"`
	// AgentsNeeded lists agent roles to spawn. Empty means one agent of Type.
	AgentsNeeded []string `json:"agents_needed,omitempty"`
	// Complexity is a rating in the range 1..10.
	Complexity int `json:"complexity"`
	// EffortHint is the estimated effort in hours, used as the progress weight.
	EffortHint float64 `json:"effort_hint"`
	// Status is the current state of the module.
	Status ModuleStatus `json:"status"`
	// Attempts is the number of execution attempts that ended in failure.
	Attempts int `json:"attempts"`
	// LastError is the message of the most recent failure.
	LastError string `json:"last_error,omitempty"`
	// ErrorKind classifies LastError.
	ErrorKind string `json:"error_kind,omitempty"`
	// BlockedBy is the failed module that caused this module to be blocked.
	BlockedBy string `json:"blocked_by,omitempty"`
	// StartedAt is when the module first entered in_progress.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the module completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Weight returns the progress weight of the module.
func (m *Module) Weight() float64 {
	if m.EffortHint <= 0 {
		return 1
	}
	return m.EffortHint
}

// Roles returns the agent roles the module needs.
func (m *Module) Roles() []string {
	if len(m.AgentsNeeded) == 0 {
		return []string{m.Type}
	}
	return m.AgentsNeeded
}

// Clone returns a deep copy of the module.
func (m *Module) Clone() *Module {
	if m == nil {
		return nil
	}
	c := *m
	c.DependsOn = append([]string(nil), m.DependsOn...)
	c.AgentsNeeded = append([]string(nil), m.AgentsNeeded...)
	if m.StartedAt != nil {
		t := *m.StartedAt
		c.StartedAt = &t
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
