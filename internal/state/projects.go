package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// ErrProjectNotFound is returned when a project id has no stored snapshot.
var ErrProjectNotFound = errors.New("project not found")

// ProjectSummary is the list view of a stored project.
type ProjectSummary struct {
	ID          string
	Name        string
	Status      models.ProjectStatus
	Progress    float64
	ModuleCount int
	OwnerPID    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Snapshot writes the full project state in one transaction. Any previous
// snapshot of the same project is replaced, so a reader sees either the old
// or the new state, never a mix.
func (db *DB) Snapshot(p *models.Project) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("snapshot: project id is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("snapshot %s: invalid status %q", p.ID, p.Status)
	}

	settings, err := json.Marshal(p.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	metrics, err := marshalOrDefault(p.Metrics, "{}")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	failures, err := marshalOrDefault(p.Failures, "[]")
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}

	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	// The writing process owns a running project until it stops.
	ownerPID := 0
	if p.Status == models.ProjectStatusRunning {
		ownerPID = os.Getpid()
	}

	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO projects (id, name, description, status, progress, settings, metrics, failures,
				owner_pid, started_at, estimated_completion, completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				status = excluded.status,
				progress = excluded.progress,
				settings = excluded.settings,
				metrics = excluded.metrics,
				failures = excluded.failures,
				owner_pid = excluded.owner_pid,
				started_at = excluded.started_at,
				estimated_completion = excluded.estimated_completion,
				completed_at = excluded.completed_at,
				updated_at = excluded.updated_at
		`, p.ID, p.Name, p.Description, string(p.Status), p.Progress, string(settings), metrics, failures,
			ownerPID, formatNullableTime(p.StartedAt), formatNullableTime(p.EstimatedCompletion),
			formatNullableTime(p.CompletedAt), formatTime(createdAt), formatTime(updatedAt))
		if err != nil {
			return fmt.Errorf("upsert project %s: %w", p.ID, err)
		}

		if _, err := tx.Exec("DELETE FROM modules WHERE project_id = ?", p.ID); err != nil {
			return fmt.Errorf("clear modules: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM agents WHERE project_id = ?", p.ID); err != nil {
			return fmt.Errorf("clear agents: %w", err)
		}

		for pos, id := range p.ModuleIDs() {
			if err := insertModule(tx, p.ID, pos, p.Modules[id]); err != nil {
				return err
			}
		}
		for _, moduleID := range sortedAgentKeys(p.Agents) {
			for _, a := range p.Agents[moduleID] {
				if err := insertAgent(tx, p.ID, a); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func insertModule(tx *sql.Tx, projectID string, pos int, m *models.Module) error {
	deps, err := marshalOrDefault(m.DependsOn, "[]")
	if err != nil {
		return fmt.Errorf("marshal depends_on for %s: %w", m.ID, err)
	}
	roles, err := marshalOrDefault(m.AgentsNeeded, "[]")
	if err != nil {
		return fmt.Errorf("marshal agents_needed for %s: %w", m.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO modules (project_id, id, position, type, description, depends_on, agents_needed,
			complexity, effort_hint, status, attempts, last_error, error_kind, blocked_by,
			started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, projectID, m.ID, pos, m.Type, m.Description, deps, roles,
		m.Complexity, m.EffortHint, string(m.Status), m.Attempts, m.LastError, m.ErrorKind, m.BlockedBy,
		formatNullableTime(m.StartedAt), formatNullableTime(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert module %s: %w", m.ID, err)
	}
	return nil
}

func insertAgent(tx *sql.Tx, projectID string, a *models.Agent) error {
	backends, err := marshalOrDefault(a.Backends, "[]")
	if err != nil {
		return fmt.Errorf("marshal backends for %s: %w", a.ID, err)
	}
	expertise, err := marshalOrDefault(a.Expertise, "[]")
	if err != nil {
		return fmt.Errorf("marshal expertise for %s: %w", a.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO agents (id, project_id, module_id, role, backends, temperature, max_tokens,
			system_prompt, expertise, status, backend, output, last_error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, projectID, a.ModuleID, a.Role, backends, a.Temperature, a.MaxTokens,
		a.SystemPrompt, expertise, string(a.Status), a.Backend, a.Output, a.LastError, a.Attempts,
		formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert agent %s: %w", a.ID, err)
	}
	return nil
}

// Load reads a project snapshot. A project stored as running was interrupted
// mid-flight: its in_progress modules come back as ready and its busy agents
// as idle, so the scheduler can dispatch them again.
func (db *DB) Load(id string) (*models.Project, error) {
	p, err := db.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status == models.ProjectStatusRunning {
		revertInFlight(p)
	}
	return p, nil
}

// Get reads a project snapshot exactly as stored, for status queries.
func (db *DB) Get(id string) (*models.Project, error) {
	p, err := db.loadProject(id)
	if err != nil {
		return nil, err
	}
	if err := db.loadModules(p); err != nil {
		return nil, err
	}
	if err := db.loadAgents(p); err != nil {
		return nil, err
	}
	return p, nil
}

func revertInFlight(p *models.Project) {
	for _, m := range p.Modules {
		if m.Status == models.ModuleStatusInProgress {
			m.Status = models.ModuleStatusReady
			m.StartedAt = nil
		}
	}
	for _, agents := range p.Agents {
		for _, a := range agents {
			if a.Status == models.AgentStatusBusy {
				a.Status = models.AgentStatusIdle
			}
		}
	}
}

func (db *DB) loadProject(id string) (*models.Project, error) {
	var (
		p                               models.Project
		status, settings, metrics, fail string
		started, estimated, completed   sql.NullString
		createdAt, updatedAt            string
	)
	err := db.QueryRow(`
		SELECT id, name, description, status, progress, settings, metrics, failures,
			started_at, estimated_completion, completed_at, created_at, updated_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Description, &status, &p.Progress, &settings, &metrics, &fail,
		&started, &estimated, &completed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query project %s: %w", id, err)
	}

	p.Status = models.ProjectStatus(status)
	if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
		return nil, fmt.Errorf("decode settings for %s: %w", id, err)
	}
	p.Metrics = make(map[string]float64)
	if err := json.Unmarshal([]byte(metrics), &p.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(fail), &p.Failures); err != nil {
		return nil, fmt.Errorf("decode failures for %s: %w", id, err)
	}
	p.StartedAt = parseNullableTime(started)
	p.EstimatedCompletion = parseNullableTime(estimated)
	p.CompletedAt = parseNullableTime(completed)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", id, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", id, err)
	}
	p.Modules = make(map[string]*models.Module)
	p.Agents = make(map[string][]*models.Agent)
	return &p, nil
}

func (db *DB) loadModules(p *models.Project) error {
	rows, err := db.Query(`
		SELECT id, type, description, depends_on, agents_needed, complexity, effort_hint,
			status, attempts, last_error, error_kind, blocked_by, started_at, completed_at
		FROM modules WHERE project_id = ? ORDER BY position
	`, p.ID)
	if err != nil {
		return fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m                  models.Module
			deps, roles, st    string
			started, completed sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Description, &deps, &roles, &m.Complexity, &m.EffortHint,
			&st, &m.Attempts, &m.LastError, &m.ErrorKind, &m.BlockedBy, &started, &completed); err != nil {
			return fmt.Errorf("scan module: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &m.DependsOn); err != nil {
			return fmt.Errorf("decode depends_on for %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(roles), &m.AgentsNeeded); err != nil {
			return fmt.Errorf("decode agents_needed for %s: %w", m.ID, err)
		}
		m.Status = models.ModuleStatus(st)
		m.StartedAt = parseNullableTime(started)
		m.CompletedAt = parseNullableTime(completed)
		p.Modules[m.ID] = &m
	}
	return rows.Err()
}

func (db *DB) loadAgents(p *models.Project) error {
	rows, err := db.Query(`
		SELECT id, module_id, role, backends, temperature, max_tokens, system_prompt, expertise,
			status, backend, output, last_error, attempts, created_at
		FROM agents WHERE project_id = ? ORDER BY module_id, created_at, id
	`, p.ID)
	if err != nil {
		return fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                       models.Agent
			backends, expertise, st string
			createdAt               string
		)
		if err := rows.Scan(&a.ID, &a.ModuleID, &a.Role, &backends, &a.Temperature, &a.MaxTokens,
			&a.SystemPrompt, &expertise, &st, &a.Backend, &a.Output, &a.LastError, &a.Attempts,
			&createdAt); err != nil {
			return fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(backends), &a.Backends); err != nil {
			return fmt.Errorf("decode backends for %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(expertise), &a.Expertise); err != nil {
			return fmt.Errorf("decode expertise for %s: %w", a.ID, err)
		}
		a.ProjectID = p.ID
		a.Status = models.AgentStatus(st)
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return fmt.Errorf("parse created_at for agent %s: %w", a.ID, err)
		}
		p.Agents[a.ModuleID] = append(p.Agents[a.ModuleID], &a)
	}
	return rows.Err()
}

// List returns stored projects, most recently updated first. With statuses
// given, only projects in one of them are returned.
func (db *DB) List(statuses ...models.ProjectStatus) ([]ProjectSummary, error) {
	query := `
		SELECT p.id, p.name, p.status, p.progress, p.owner_pid, p.created_at, p.updated_at,
			(SELECT COUNT(*) FROM modules m WHERE m.project_id = p.id)
		FROM projects p`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += " WHERE p.status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY p.updated_at DESC, p.id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectSummary
	for rows.Next() {
		var (
			s                    ProjectSummary
			status               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&s.ID, &s.Name, &status, &s.Progress, &s.OwnerPID, &createdAt, &updatedAt, &s.ModuleCount); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		s.Status = models.ProjectStatus(status)
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", s.ID, err)
		}
		if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes a project and everything stored under it.
func (db *DB) Delete(id string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM agents WHERE project_id = ?", id); err != nil {
			return fmt.Errorf("delete agents: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM modules WHERE project_id = ?", id); err != nil {
			return fmt.Errorf("delete modules: %w", err)
		}
		res, err := tx.Exec("DELETE FROM projects WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
		}
		return nil
	})
}

// PurgeOldProjects deletes finished projects last updated before the cutoff.
// Running and planning projects are kept. Returns the number of projects deleted.
func (db *DB) PurgeOldProjects(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	terminal := []any{
		string(models.ProjectStatusCompleted),
		string(models.ProjectStatusFailed),
		string(models.ProjectStatusCancelled),
		cutoff,
	}

	var count int64
	err := db.Transaction(func(tx *sql.Tx) error {
		const match = `SELECT id FROM projects WHERE status IN (?, ?, ?) AND updated_at < ?`
		if _, err := tx.Exec("DELETE FROM agents WHERE project_id IN ("+match+")", terminal...); err != nil {
			return fmt.Errorf("purge agents: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM modules WHERE project_id IN ("+match+")", terminal...); err != nil {
			return fmt.Errorf("purge modules: %w", err)
		}
		res, err := tx.Exec("DELETE FROM projects WHERE status IN (?, ?, ?) AND updated_at < ?", terminal...)
		if err != nil {
			return fmt.Errorf("purge projects: %w", err)
		}
		count, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return count, err
}

func marshalOrDefault(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func sortedAgentKeys(m map[string][]*models.Agent) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
