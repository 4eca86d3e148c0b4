package state

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// InterruptedProject describes a project stored as running whose owning process is gone.
type InterruptedProject struct {
	ProjectID    string
	Name         string
	LastActivity time.Time
	InFlight     int
	Progress     float64
	OwnerPID     int
}

// RecoveryManager handles detection and recovery of interrupted projects.
type RecoveryManager struct {
	db *DB
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db}
}

// CheckForInterrupted lists running projects whose owner process is no longer alive.
func (rm *RecoveryManager) CheckForInterrupted() ([]InterruptedProject, error) {
	running, err := rm.db.List(models.ProjectStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running projects: %w", err)
	}

	var out []InterruptedProject
	for _, s := range running {
		if isProcessAlive(s.OwnerPID) {
			continue
		}

		var inFlight int
		row := rm.db.QueryRow(
			"SELECT COUNT(*) FROM modules WHERE project_id = ? AND status = ?",
			s.ID, string(models.ModuleStatusInProgress),
		)
		if err := row.Scan(&inFlight); err != nil {
			return nil, fmt.Errorf("count in-flight modules for %s: %w", s.ID, err)
		}

		out = append(out, InterruptedProject{
			ProjectID:    s.ID,
			Name:         s.Name,
			LastActivity: s.UpdatedAt,
			InFlight:     inFlight,
			Progress:     s.Progress,
			OwnerPID:     s.OwnerPID,
		})
	}
	return out, nil
}

// Recover loads an interrupted project ready for a new run. Its in-flight
// modules come back as ready.
func (rm *RecoveryManager) Recover(projectID string) (*models.Project, error) {
	p, err := rm.db.Load(projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("project %s already %s", projectID, p.Status)
	}
	return p, nil
}

// Abandon marks an interrupted project cancelled without running it again.
// Modules that were waiting or in flight become cancelled.
func (rm *RecoveryManager) Abandon(projectID string) error {
	p, err := rm.db.Load(projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if p.Status.Terminal() {
		return nil
	}

	now := time.Now()
	for _, m := range p.Modules {
		switch m.Status {
		case models.ModuleStatusPending, models.ModuleStatusReady, models.ModuleStatusInProgress:
			m.Status = models.ModuleStatusCancelled
			m.ErrorKind = models.ErrorKindCancelled
			m.StartedAt = nil
		}
	}
	p.Status = models.ProjectStatusCancelled
	p.CompletedAt = &now
	p.UpdatedAt = now

	if err := rm.db.Snapshot(p); err != nil {
		return fmt.Errorf("mark project %s cancelled: %w", projectID, err)
	}
	return nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without delivering anything.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
