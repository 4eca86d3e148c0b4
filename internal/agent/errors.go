package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound is returned when an agent ID is not registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentBusy is returned when acquiring an agent that is already executing.
	ErrAgentBusy = errors.New("agent is busy")
	// ErrAgentDone is returned when acquiring an agent that already finished.
	ErrAgentDone = errors.New("agent is done")
)

// UnknownModuleTypeError reports a module type or role with no template.
type UnknownModuleTypeError struct {
	Module string
	Type   string
}

func (e *UnknownModuleTypeError) Error() string {
	return fmt.Sprintf("module %s: no agent template for type %q", e.Module, e.Type)
}
