package models

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent is spawned but not executing.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusBusy indicates the agent holds a backend slot and is executing.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusDone indicates the agent finished its work.
	AgentStatusDone AgentStatus = "done"
	// AgentStatusErrored indicates the agent's last execution failed.
	AgentStatusErrored AgentStatus = "errored"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusDone, AgentStatusErrored:
		return true
	default:
		return false
	}
}

// Agent is a worker assigned to one module of a project.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// ProjectID is the project the agent belongs to.
	ProjectID string `json:"project_id"`
	// ModuleID is the module the agent works on.
	ModuleID string `json:"module_id"`
	// Role is the template role the agent was spawned from.
	Role string `json:"role"`
	// Backends is the ordered backend preference list, most preferred first.
	Backends []string `json:"backends"`
	// Temperature is the sampling temperature passed to backends.
	Temperature float64 `json:"temperature"`
	// MaxTokens bounds the length of a backend response.
	MaxTokens int `json:"max_tokens"`
	// SystemPrompt describes the agent's personality.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// Expertise lists the agent's areas of knowledge.
	Expertise []string `json:"expertise,omitempty"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// Backend is the backend that served the most recent execution.
	Backend string `json:"backend,omitempty"`
	// Output is the content returned by the last successful execution.
	Output string `json:"output,omitempty"`
	// LastError is the message of the last failed execution.
	LastError string `json:"last_error,omitempty"`
	// Attempts is the number of executions started by this agent.
	Attempts int `json:"attempts"`
	// CreatedAt is when the agent was spawned.
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Backends = append([]string(nil), a.Backends...)
	c.Expertise = append([]string(nil), a.Expertise...)
	return &c
}
