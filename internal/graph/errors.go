package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCycleDetected indicates a circular dependency was found in the module graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrModuleNotFound is returned when an operation names a module not in the graph.
var ErrModuleNotFound = errors.New("module not found")

// InvalidGraphError reports a graph that cannot be scheduled, either because
// it contains a cycle or because a dependency references an unknown module.
type InvalidGraphError struct {
	// Cycle lists the module IDs forming the cycle, in dependency order.
	Cycle []string
	// Module is the module with a dangling dependency.
	Module string
	// Missing is the dependency that does not exist.
	Missing string
}

func (e *InvalidGraphError) Error() string {
	if len(e.Cycle) > 0 {
		path := make([]string, 0, len(e.Cycle)+1)
		path = append(path, e.Cycle...)
		path = append(path, e.Cycle[0])
		return fmt.Sprintf("invalid graph: cycle %s", strings.Join(path, " -> "))
	}
	return fmt.Sprintf("invalid graph: module %s depends on unknown module %s", e.Module, e.Missing)
}

// Unwrap lets errors.Is match ErrCycleDetected for cycle errors.
func (e *InvalidGraphError) Unwrap() error {
	if len(e.Cycle) > 0 {
		return ErrCycleDetected
	}
	return nil
}

// DuplicateModuleError reports a module ID that is already registered.
type DuplicateModuleError struct {
	ID string
}

func (e *DuplicateModuleError) Error() string {
	return fmt.Sprintf("duplicate module %s", e.ID)
}
