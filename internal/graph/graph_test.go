package graph

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

func mod(id string, deps ...string) *models.Module {
	return &models.Module{ID: id, Type: "backend", DependsOn: deps}
}

// diamond builds A <- B, A <- C, {B, C} <- D.
func diamond(t *testing.T) *DependencyGraph {
	t.Helper()
	g := New()
	if err := g.Build([]*models.Module{mod("D", "B", "C"), mod("B", "A"), mod("C", "A"), mod("A")}); err != nil {
		t.Fatalf("build diamond: %v", err)
	}
	return g
}

func TestNew(t *testing.T) {
	g := New()
	if g == nil {
		t.Fatal("expected non-nil graph")
	}
	if g.Size() != 0 {
		t.Errorf("expected empty graph, got size %d", g.Size())
	}
}

func TestBuild_DefaultsStatusToPending(t *testing.T) {
	g := diamond(t)
	for _, m := range g.Modules() {
		if m.Status != models.ModuleStatusPending {
			t.Errorf("module %s status = %q, want pending", m.ID, m.Status)
		}
	}
}

func TestBuild_Duplicate(t *testing.T) {
	g := New()
	err := g.Build([]*models.Module{mod("A"), mod("A")})

	var dup *DuplicateModuleError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateModuleError, got %v", err)
	}
	if dup.ID != "A" {
		t.Errorf("duplicate id = %q, want A", dup.ID)
	}
	if g.Size() != 0 {
		t.Errorf("graph should be unchanged, size %d", g.Size())
	}
}

func TestBuild_DanglingDependency(t *testing.T) {
	g := New()
	err := g.Build([]*models.Module{mod("A"), mod("B", "missing")})

	var inv *InvalidGraphError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidGraphError, got %v", err)
	}
	if inv.Module != "B" || inv.Missing != "missing" {
		t.Errorf("got module=%q missing=%q", inv.Module, inv.Missing)
	}
	if g.Size() != 0 {
		t.Errorf("graph should be unchanged, size %d", g.Size())
	}
}

func TestBuild_CycleRejectedWithNoRecords(t *testing.T) {
	g := New()
	err := g.Build([]*models.Module{mod("A", "B"), mod("B", "A")})

	var inv *InvalidGraphError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidGraphError, got %v", err)
	}
	if !errors.Is(err, ErrCycleDetected) {
		t.Error("expected errors.Is(err, ErrCycleDetected)")
	}
	if !reflect.DeepEqual(inv.Cycle, []string{"A", "B"}) {
		t.Errorf("cycle = %v, want [A B]", inv.Cycle)
	}
	if g.Size() != 0 {
		t.Errorf("no module records should exist, size %d", g.Size())
	}
	if g.Get("A") != nil || g.Get("B") != nil {
		t.Error("cycle members must not be stored")
	}
}

func TestBuild_LongCycleNamesMembers(t *testing.T) {
	g := New()
	err := g.Build([]*models.Module{mod("root"), mod("x", "root", "z"), mod("y", "x"), mod("z", "y")})

	var inv *InvalidGraphError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidGraphError, got %v", err)
	}
	members := map[string]bool{}
	for _, id := range inv.Cycle {
		members[id] = true
	}
	if len(inv.Cycle) != 3 || !members["x"] || !members["y"] || !members["z"] {
		t.Errorf("cycle = %v, want members x y z", inv.Cycle)
	}
}

func TestAddModule(t *testing.T) {
	g := New()
	if err := g.AddModule(mod("A")); err != nil {
		t.Fatalf("add A: %v", err)
	}
	if err := g.AddModule(mod("B", "A")); err != nil {
		t.Fatalf("add B: %v", err)
	}

	var dup *DuplicateModuleError
	if err := g.AddModule(mod("A")); !errors.As(err, &dup) {
		t.Errorf("expected DuplicateModuleError, got %v", err)
	}

	var inv *InvalidGraphError
	if err := g.AddModule(mod("C", "nope")); !errors.As(err, &inv) {
		t.Errorf("expected InvalidGraphError for dangling dep, got %v", err)
	}
	if err := g.AddModule(mod("S", "S")); !errors.As(err, &inv) || len(inv.Cycle) != 1 {
		t.Errorf("expected self-cycle error, got %v", err)
	}
	if g.Size() != 2 {
		t.Errorf("size = %d, want 2", g.Size())
	}
}

func TestAddModule_CopiesInput(t *testing.T) {
	g := New()
	m := mod("A")
	if err := g.AddModule(m); err != nil {
		t.Fatal(err)
	}
	m.Status = models.ModuleStatusCompleted
	if s, _ := g.Status("A"); s != models.ModuleStatusPending {
		t.Errorf("graph status changed through caller pointer: %s", s)
	}
}

func TestReadyModules_Diamond(t *testing.T) {
	g := diamond(t)

	if got := g.ReadyModules(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("ready = %v, want [A]", got)
	}

	mustMark(t, g, "A", models.ModuleStatusCompleted)
	if got := g.ReadyModules(); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Fatalf("ready = %v, want [B C]", got)
	}

	mustMark(t, g, "B", models.ModuleStatusCompleted)
	if got := g.ReadyModules(); !reflect.DeepEqual(got, []string{"C"}) {
		t.Fatalf("ready = %v, want [C]", got)
	}

	mustMark(t, g, "C", models.ModuleStatusCompleted)
	if got := g.ReadyModules(); !reflect.DeepEqual(got, []string{"D"}) {
		t.Fatalf("ready = %v, want [D]", got)
	}
}

func TestReadyModules_SkipsNonPending(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Module{mod("A"), mod("B")}); err != nil {
		t.Fatal(err)
	}
	mustMark(t, g, "A", models.ModuleStatusReady)
	if got := g.ReadyModules(); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("ready = %v, want [B]", got)
	}
}

func TestMark_FailureCascadesBlocked(t *testing.T) {
	g := diamond(t)
	mustMark(t, g, "A", models.ModuleStatusCompleted)

	blocked, err := g.Mark("B", models.ModuleStatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(blocked, []string{"D"}) {
		t.Errorf("blocked = %v, want [D]", blocked)
	}

	d := g.Get("D")
	if d.Status != models.ModuleStatusBlocked {
		t.Errorf("D status = %s, want blocked", d.Status)
	}
	if d.BlockedBy != "B" || d.ErrorKind != models.ErrorKindDependencyFailed {
		t.Errorf("D blocked_by=%q kind=%q", d.BlockedBy, d.ErrorKind)
	}
	if c := g.Get("C"); c.Status != models.ModuleStatusPending {
		t.Errorf("C should be unaffected, got %s", c.Status)
	}
	for _, id := range g.ReadyModules() {
		if id == "D" {
			t.Error("blocked module must never be ready")
		}
	}
}

func TestMark_TransitiveCascadeBFSOrder(t *testing.T) {
	g := New()
	// A <- B <- D, A <- C, B <- E, D <- F
	err := g.Build([]*models.Module{
		mod("A"), mod("B", "A"), mod("C", "A"), mod("D", "B"), mod("E", "B"), mod("F", "D"),
	})
	if err != nil {
		t.Fatal(err)
	}

	blocked, err := g.Mark("A", models.ModuleStatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"B", "C", "D", "E", "F"}
	if !reflect.DeepEqual(blocked, want) {
		t.Errorf("blocked = %v, want %v", blocked, want)
	}
	for _, id := range want {
		if m := g.Get(id); m.BlockedBy != "A" {
			t.Errorf("%s blocked_by = %q, want A", id, m.BlockedBy)
		}
	}
}

func TestMark_CascadeSkipsTerminal(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Module{mod("A"), mod("B", "A"), mod("C", "B")}); err != nil {
		t.Fatal(err)
	}
	mustMark(t, g, "B", models.ModuleStatusCancelled)

	blocked, err := g.Mark("A", models.ModuleStatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 0 {
		t.Errorf("blocked = %v, want none", blocked)
	}
}

func TestMark_UnknownModule(t *testing.T) {
	g := New()
	if _, err := g.Mark("ghost", models.ModuleStatusCompleted); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("expected ErrModuleNotFound, got %v", err)
	}
	if _, err := g.Mark("ghost", models.ModuleStatus("bogus")); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestTopologicalSort(t *testing.T) {
	g := diamond(t)
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(order, []string{"A", "B", "C", "D"}) {
		t.Errorf("order = %v", order)
	}
}

func TestStages(t *testing.T) {
	g := diamond(t)
	stages, err := g.Stages()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if !reflect.DeepEqual(stages, want) {
		t.Errorf("stages = %v, want %v", stages, want)
	}
}

func TestCriticalPath(t *testing.T) {
	g := New()
	err := g.Build([]*models.Module{
		{ID: "A", EffortHint: 2},
		{ID: "B", EffortHint: 1, DependsOn: []string{"A"}},
		{ID: "C", EffortHint: 5, DependsOn: []string{"A"}},
		{ID: "D", EffortHint: 1, DependsOn: []string{"B", "C"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	path, weight, err := g.CriticalPath()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(path, []string{"A", "C", "D"}) {
		t.Errorf("path = %v, want [A C D]", path)
	}
	if weight != 8 {
		t.Errorf("weight = %v, want 8", weight)
	}
}

func TestProgress(t *testing.T) {
	g := New()
	if g.Progress() != 0 {
		t.Errorf("empty graph progress = %v", g.Progress())
	}
	err := g.Build([]*models.Module{
		{ID: "A", EffortHint: 3},
		{ID: "B"},
	})
	if err != nil {
		t.Fatal(err)
	}

	mustMark(t, g, "A", models.ModuleStatusCompleted)
	if got := g.Progress(); got != 0.75 {
		t.Errorf("progress = %v, want 0.75", got)
	}
	mustMark(t, g, "B", models.ModuleStatusCompleted)
	if got := g.Progress(); got != 1 {
		t.Errorf("progress = %v, want 1", got)
	}
}

func TestDependents_Sorted(t *testing.T) {
	g := New()
	if err := g.Build([]*models.Module{mod("A"), mod("z", "A"), mod("b", "A"), mod("m", "A")}); err != nil {
		t.Fatal(err)
	}
	if got := g.Dependents("A"); !reflect.DeepEqual(got, []string{"b", "m", "z"}) {
		t.Errorf("dependents = %v", got)
	}
}

func TestUpdate(t *testing.T) {
	g := diamond(t)
	if err := g.Update("A", func(m *models.Module) { m.Attempts = 2 }); err != nil {
		t.Fatal(err)
	}
	if g.Get("A").Attempts != 2 {
		t.Error("update not applied")
	}
	if err := g.Update("nope", func(m *models.Module) {}); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("expected ErrModuleNotFound, got %v", err)
	}
}

func mustMark(t *testing.T, g *DependencyGraph, id string, s models.ModuleStatus) {
	t.Helper()
	if _, err := g.Mark(id, s); err != nil {
		t.Fatalf("mark %s %s: %v", id, s, err)
	}
}
