package state

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// sampleProject builds a running project mid-flight: auth done, api in
// progress with a busy agent, ui waiting on api.
func sampleProject(id string) *models.Project {
	now := time.Now().UTC()
	p := models.NewProject(id, "shop", "online store")
	p.Status = models.ProjectStatusRunning
	p.StartedAt = &now
	p.Progress = 0.25
	p.Settings = models.RunSettings{MaxInFlight: 2, TaskTimeout: time.Minute, RetryLimit: 3, BackoffMultiplier: 2}
	p.Metrics["tokens_in"] = 120

	p.Modules["auth"] = &models.Module{ID: "auth", Type: "backend", EffortHint: 2, Status: models.ModuleStatusCompleted, Attempts: 1, CompletedAt: &now}
	p.Modules["api"] = &models.Module{ID: "api", Type: "backend", DependsOn: []string{"auth"}, EffortHint: 3, Status: models.ModuleStatusInProgress, Attempts: 1, StartedAt: &now}
	p.Modules["ui"] = &models.Module{ID: "ui", Type: "frontend", DependsOn: []string{"api"}, AgentsNeeded: []string{"frontend", "qa"}, Complexity: 4, Status: models.ModuleStatusPending}

	p.Agents["auth"] = []*models.Agent{{ID: "auth-backend-1", ProjectID: id, ModuleID: "auth", Role: "backend", Backends: []string{"deepseek-r1:14b"}, Status: models.AgentStatusDone, Backend: "deepseek-r1:14b", Output: "done", Attempts: 1, CreatedAt: now}}
	p.Agents["api"] = []*models.Agent{{ID: "api-backend-1", ProjectID: id, ModuleID: "api", Role: "backend", Backends: []string{"deepseek-r1:14b", "claude-sonnet"}, Expertise: []string{"REST"}, Temperature: 0.2, MaxTokens: 2500, Status: models.AgentStatusBusy, Attempts: 1, CreatedAt: now}}
	return p
}

func TestSnapshotAndLoad(t *testing.T) {
	db := setupTestDB(t)
	p := sampleProject("p-1")
	p.Status = models.ProjectStatusCompleted

	if err := db.Snapshot(p); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	loaded, err := db.Load("p-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Name != "shop" || loaded.Description != "online store" {
		t.Errorf("unexpected project record: %+v", loaded)
	}
	if loaded.Progress != 0.25 {
		t.Errorf("progress = %v, want 0.25", loaded.Progress)
	}
	if loaded.Settings.RetryLimit != 3 || loaded.Settings.TaskTimeout != time.Minute {
		t.Errorf("settings not restored: %+v", loaded.Settings)
	}
	if loaded.Metrics["tokens_in"] != 120 {
		t.Errorf("metrics not restored: %v", loaded.Metrics)
	}
	if loaded.StartedAt == nil || !loaded.StartedAt.Equal(*p.StartedAt) {
		t.Errorf("started_at = %v, want %v", loaded.StartedAt, p.StartedAt)
	}

	if len(loaded.Modules) != 3 {
		t.Fatalf("modules = %d, want 3", len(loaded.Modules))
	}
	ui := loaded.Modules["ui"]
	if len(ui.AgentsNeeded) != 2 || ui.AgentsNeeded[1] != "qa" || ui.Complexity != 4 {
		t.Errorf("ui module not restored: %+v", ui)
	}
	if loaded.Modules["api"].DependsOn[0] != "auth" {
		t.Errorf("api deps = %v", loaded.Modules["api"].DependsOn)
	}
	// Not a running project, so in_progress is kept as stored.
	if loaded.Modules["api"].Status != models.ModuleStatusInProgress {
		t.Errorf("api status = %s", loaded.Modules["api"].Status)
	}

	api := loaded.Agents["api"]
	if len(api) != 1 || api[0].MaxTokens != 2500 || api[0].Backends[1] != "claude-sonnet" || api[0].ProjectID != "p-1" {
		t.Errorf("api agent not restored: %+v", api)
	}
}

func TestLoad_RunningRevertsInFlight(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Snapshot(sampleProject("p-run")); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	loaded, err := db.Load("p-run")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	api := loaded.Modules["api"]
	if api.Status != models.ModuleStatusReady {
		t.Errorf("in_progress module should load as ready, got %s", api.Status)
	}
	if api.StartedAt != nil {
		t.Error("reverted module should have no start time")
	}
	if api.Attempts != 1 {
		t.Errorf("attempts should be preserved, got %d", api.Attempts)
	}
	if loaded.Modules["auth"].Status != models.ModuleStatusCompleted {
		t.Errorf("completed module changed: %s", loaded.Modules["auth"].Status)
	}
	if loaded.Agents["api"][0].Status != models.AgentStatusIdle {
		t.Errorf("busy agent should load as idle, got %s", loaded.Agents["api"][0].Status)
	}
	if loaded.Agents["auth"][0].Status != models.AgentStatusDone {
		t.Errorf("done agent changed: %s", loaded.Agents["auth"][0].Status)
	}

	raw, err := db.Get("p-run")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if raw.Modules["api"].Status != models.ModuleStatusInProgress {
		t.Errorf("Get should return the stored status, got %s", raw.Modules["api"].Status)
	}
}

func TestSnapshot_ReplacesPrevious(t *testing.T) {
	db := setupTestDB(t)
	p := sampleProject("p-2")
	if err := db.Snapshot(p); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	delete(p.Modules, "ui")
	p.Modules["api"].Status = models.ModuleStatusCompleted
	p.Agents["api"][0].Status = models.AgentStatusDone
	p.Status = models.ProjectStatusCompleted
	p.Progress = 1
	if err := db.Snapshot(p); err != nil {
		t.Fatalf("second Snapshot failed: %v", err)
	}

	loaded, err := db.Load("p-2")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Modules) != 2 {
		t.Errorf("modules = %d, want 2 after replacement", len(loaded.Modules))
	}
	if loaded.Status != models.ProjectStatusCompleted || loaded.Progress != 1 {
		t.Errorf("project not updated: %s %v", loaded.Status, loaded.Progress)
	}
}

func TestSnapshot_Validation(t *testing.T) {
	db := setupTestDB(t)

	if err := db.Snapshot(nil); err == nil {
		t.Error("expected error for nil project")
	}
	p := sampleProject("bad")
	p.Status = "exploded"
	if err := db.Snapshot(p); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestSnapshot_FailuresRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	p := sampleProject("p-fail")
	p.Status = models.ProjectStatusFailed
	p.Failures = []models.ModuleFailure{
		{ModuleID: "api", Kind: models.ErrorKindBackendsExhausted, Message: "all backends exhausted", Attempts: 3},
		{ModuleID: "ui", Kind: models.ErrorKindDependencyFailed, BlockedBy: "api"},
	}
	if err := db.Snapshot(p); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	loaded, err := db.Load("p-fail")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Failures) != 2 || loaded.Failures[1].BlockedBy != "api" || loaded.Failures[0].Attempts != 3 {
		t.Errorf("failures not restored: %+v", loaded.Failures)
	}
}

func TestLoad_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.Load("missing")
	if !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	db := setupTestDB(t)

	running := sampleProject("p-running")
	running.UpdatedAt = time.Now().Add(-time.Minute)
	done := sampleProject("p-done")
	done.Status = models.ProjectStatusCompleted
	done.UpdatedAt = time.Now()
	for _, p := range []*models.Project{running, done} {
		if err := db.Snapshot(p); err != nil {
			t.Fatalf("Snapshot %s failed: %v", p.ID, err)
		}
	}

	all, err := db.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "p-done" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[0].ModuleCount != 3 {
		t.Errorf("module count = %d, want 3", all[0].ModuleCount)
	}

	onlyRunning, err := db.List(models.ProjectStatusRunning)
	if err != nil {
		t.Fatalf("List(running) failed: %v", err)
	}
	if len(onlyRunning) != 1 || onlyRunning[0].ID != "p-running" {
		t.Fatalf("unexpected filtered list: %+v", onlyRunning)
	}
	if onlyRunning[0].OwnerPID != os.Getpid() {
		t.Errorf("running project should be owned by this process, got pid %d", onlyRunning[0].OwnerPID)
	}

	if err := db.Delete("p-running"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := db.Load("p-running"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("expected deleted project to be gone, got %v", err)
	}
	var orphans int
	if err := db.QueryRow("SELECT COUNT(*) FROM modules WHERE project_id = ?", "p-running").Scan(&orphans); err != nil {
		t.Fatalf("count modules: %v", err)
	}
	if orphans != 0 {
		t.Errorf("modules left behind: %d", orphans)
	}
	if err := db.Delete("p-running"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("second delete should report not found, got %v", err)
	}
}

func TestPurgeOldProjects(t *testing.T) {
	db := setupTestDB(t)

	old := sampleProject("old-done")
	old.Status = models.ProjectStatusCompleted
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)

	oldRunning := sampleProject("old-running")
	oldRunning.UpdatedAt = time.Now().Add(-48 * time.Hour)

	fresh := sampleProject("fresh-done")
	fresh.Status = models.ProjectStatusFailed
	fresh.UpdatedAt = time.Now()

	for _, p := range []*models.Project{old, oldRunning, fresh} {
		if err := db.Snapshot(p); err != nil {
			t.Fatalf("Snapshot %s failed: %v", p.ID, err)
		}
	}

	n, err := db.PurgeOldProjects(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldProjects failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}

	remaining, err := db.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("remaining = %d, want 2", len(remaining))
	}
}
