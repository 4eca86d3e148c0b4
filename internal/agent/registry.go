package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// SlotReleaser frees any backend capacity held on behalf of an agent.
type SlotReleaser interface {
	ReleaseAgent(agentID string)
}

// Registry tracks the agents of a single project.
// It provides thread-safe spawning and lifecycle transitions.
type Registry struct {
	projectID string
	templates TemplateSet
	releaser  SlotReleaser

	// agents maps agent IDs to agent models.
	agents map[string]*models.Agent
	// byModule maps module IDs to agent IDs in spawn order.
	byModule map[string][]string
	// mu protects all fields.
	mu sync.RWMutex

	now func() time.Time
}

// NewRegistry creates a registry for projectID. releaser may be nil.
func NewRegistry(projectID string, templates TemplateSet, releaser SlotReleaser) *Registry {
	if templates == nil {
		templates = DefaultTemplates()
	}
	return &Registry{
		projectID: projectID,
		templates: templates,
		releaser:  releaser,
		agents:    make(map[string]*models.Agent),
		byModule:  make(map[string][]string),
		now:       time.Now,
	}
}

// Templates returns the template set used by the registry.
func (r *Registry) Templates() TemplateSet {
	return r.templates
}

// Resolve returns the templates for every role the module needs, or an
// UnknownModuleTypeError naming the first role without a template.
func (r *Registry) Resolve(m *models.Module) ([]*Template, error) {
	if _, ok := r.templates.Lookup(m.Type); !ok {
		return nil, &UnknownModuleTypeError{Module: m.ID, Type: m.Type}
	}
	roles := m.Roles()
	out := make([]*Template, 0, len(roles))
	for _, role := range roles {
		t, ok := r.templates.Lookup(role)
		if !ok {
			return nil, &UnknownModuleTypeError{Module: m.ID, Type: role}
		}
		out = append(out, t)
	}
	return out, nil
}

// Spawn creates one idle agent per role the module needs. Either every agent
// is created or none is.
func (r *Registry) Spawn(m *models.Module) ([]*models.Agent, error) {
	templates, err := r.Resolve(m)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	spawned := make([]*models.Agent, 0, len(templates))
	for _, t := range templates {
		a := &models.Agent{
			ID:           fmt.Sprintf("%s-%s-%s", m.ID, t.Role, uuid.New().String()[:8]),
			ProjectID:    r.projectID,
			ModuleID:     m.ID,
			Role:         t.Role,
			Backends:     append([]string(nil), t.Backends...),
			Temperature:  t.Temperature,
			MaxTokens:    t.MaxTokens,
			SystemPrompt: t.Personality,
			Expertise:    append([]string(nil), t.Expertise...),
			Status:       models.AgentStatusIdle,
			CreatedAt:    r.now(),
		}
		r.agents[a.ID] = a
		r.byModule[m.ID] = append(r.byModule[m.ID], a.ID)
		spawned = append(spawned, a.Clone())
	}
	return spawned, nil
}

// Get returns a copy of the agent, or nil if it is not registered.
func (r *Registry) Get(agentID string) *models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID].Clone()
}

// ForModule returns copies of the module's agents in spawn order.
func (r *Registry) ForModule(moduleID string) []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byModule[moduleID]
	out := make([]*models.Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.agents[id].Clone())
	}
	return out
}

// Acquire marks an idle or errored agent busy and counts the attempt.
func (r *Registry) Acquire(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("acquire %s: %w", agentID, ErrAgentNotFound)
	}
	switch a.Status {
	case models.AgentStatusBusy:
		return fmt.Errorf("acquire %s: %w", agentID, ErrAgentBusy)
	case models.AgentStatusDone:
		return fmt.Errorf("acquire %s: %w", agentID, ErrAgentDone)
	}
	a.Status = models.AgentStatusBusy
	a.Attempts++
	return nil
}

// Release records the outcome of an execution: done on success, errored on
// failure. Any backend slot the agent holds is freed.
func (r *Registry) Release(agentID, backend, output string, execErr error) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("release %s: %w", agentID, ErrAgentNotFound)
	}
	if backend != "" {
		a.Backend = backend
	}
	if execErr != nil {
		a.Status = models.AgentStatusErrored
		a.LastError = execErr.Error()
	} else {
		a.Status = models.AgentStatusDone
		a.Output = output
		a.LastError = ""
	}
	r.mu.Unlock()

	if r.releaser != nil {
		r.releaser.ReleaseAgent(agentID)
	}
	return nil
}

// Reset returns the module's unfinished agents to idle so a retry can
// dispatch them again. Done agents keep their output.
func (r *Registry) Reset(moduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.byModule[moduleID] {
		a := r.agents[id]
		if a.Status == models.AgentStatusBusy || a.Status == models.AgentStatusErrored {
			a.Status = models.AgentStatusIdle
		}
	}
}

// Restore registers previously persisted agents.
func (r *Registry) Restore(agents map[string][]*models.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	moduleIDs := make([]string, 0, len(agents))
	for id := range agents {
		moduleIDs = append(moduleIDs, id)
	}
	sort.Strings(moduleIDs)

	for _, moduleID := range moduleIDs {
		for _, a := range agents[moduleID] {
			if _, exists := r.agents[a.ID]; exists {
				continue
			}
			c := a.Clone()
			c.ProjectID = r.projectID
			c.ModuleID = moduleID
			r.agents[c.ID] = c
			r.byModule[moduleID] = append(r.byModule[moduleID], c.ID)
		}
	}
}

// Snapshot returns copies of all agents keyed by module ID.
func (r *Registry) Snapshot() map[string][]*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]*models.Agent, len(r.byModule))
	for moduleID, ids := range r.byModule {
		list := make([]*models.Agent, 0, len(ids))
		for _, id := range ids {
			list = append(list, r.agents[id].Clone())
		}
		out[moduleID] = list
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
