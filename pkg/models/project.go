package models

import (
	"sort"
	"time"
)

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	// ProjectStatusPlanning indicates the project has been created but not started.
	ProjectStatusPlanning ProjectStatus = "planning"
	// ProjectStatusRunning indicates modules are being scheduled.
	ProjectStatusRunning ProjectStatus = "running"
	// ProjectStatusCompleted indicates every module completed.
	ProjectStatusCompleted ProjectStatus = "completed"
	// ProjectStatusFailed indicates no further progress is possible.
	ProjectStatusFailed ProjectStatus = "failed"
	// ProjectStatusCancelled indicates the run was cancelled.
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectStatusPlanning, ProjectStatusRunning, ProjectStatusCompleted,
		ProjectStatusFailed, ProjectStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the project has finished.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusFailed || s == ProjectStatusCancelled
}

// ModuleFailure records why a module did not complete.
type ModuleFailure struct {
	ModuleID  string `json:"module_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message,omitempty"`
	Attempts  int    `json:"attempts"`
	BlockedBy string `json:"blocked_by,omitempty"`
}

// RunSettings echoes the operational controls a project ran with.
type RunSettings struct {
	MaxInFlight       int           `json:"max_in_flight"`
	TaskTimeout       time.Duration `json:"task_timeout"`
	RetryLimit        int           `json:"retry_limit"`
	BackoffInitial    time.Duration `json:"backoff_initial"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	BackoffMax        time.Duration `json:"backoff_max"`
}

// Project is the aggregate persisted by the state store.
type Project struct {
	// ID is the unique identifier for this project.
	ID string `json:"id"`
	// Name is a short human-readable name.
	Name string `json:"name"`
	// Description is the original project description.
	Description string `json:"description,omitempty"`
	// Status is the lifecycle state of the project.
	Status ProjectStatus `json:"status"`
	// Modules maps module ID to module.
	Modules map[string]*Module `json:"modules"`
	// Agents maps module ID to the agents spawned for it.
	Agents map[string][]*Agent `json:"agents"`
	// Progress is completed weight over total weight, in [0, 1].
	Progress float64 `json:"progress"`
	// StartedAt is when the project first entered running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// EstimatedCompletion is the projected finish time.
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	// CompletedAt is when the project reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Metrics holds run counters keyed by name.
	Metrics map[string]float64 `json:"metrics,omitempty"`
	// Settings echoes the operational controls used for the run.
	Settings RunSettings `json:"settings"`
	// Failures lists modules that failed or were blocked.
	Failures []ModuleFailure `json:"failures,omitempty"`
	// CreatedAt is when the project was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the project was last snapshotted.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProject returns an empty project in the planning state.
func NewProject(id, name, description string) *Project {
	return &Project{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      ProjectStatusPlanning,
		Modules:     make(map[string]*Module),
		Agents:      make(map[string][]*Agent),
		Metrics:     make(map[string]float64),
		CreatedAt:   time.Now(),
	}
}

// ModuleIDs returns the module IDs sorted lexically.
func (p *Project) ModuleIDs() []string {
	ids := make([]string, 0, len(p.Modules))
	for id := range p.Modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ModuleList returns the modules sorted by ID.
func (p *Project) ModuleList() []*Module {
	ids := p.ModuleIDs()
	out := make([]*Module, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.Modules[id])
	}
	return out
}

// CountByStatus returns the number of modules in each status.
func (p *Project) CountByStatus() map[ModuleStatus]int {
	counts := make(map[ModuleStatus]int)
	for _, m := range p.Modules {
		counts[m.Status]++
	}
	return counts
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Modules = make(map[string]*Module, len(p.Modules))
	for id, m := range p.Modules {
		c.Modules[id] = m.Clone()
	}
	c.Agents = make(map[string][]*Agent, len(p.Agents))
	for id, agents := range p.Agents {
		cp := make([]*Agent, len(agents))
		for i, a := range agents {
			cp[i] = a.Clone()
		}
		c.Agents[id] = cp
	}
	c.Metrics = make(map[string]float64, len(p.Metrics))
	for k, v := range p.Metrics {
		c.Metrics[k] = v
	}
	c.Failures = append([]ModuleFailure(nil), p.Failures...)
	c.StartedAt = cloneTime(p.StartedAt)
	c.EstimatedCompletion = cloneTime(p.EstimatedCompletion)
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
