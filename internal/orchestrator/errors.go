package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/pmbot/internal/agent"
	"github.com/ShayCichocki/pmbot/internal/router"
	"github.com/ShayCichocki/pmbot/pkg/models"
)

// ErrAlreadyRunning is returned when Run is called on an orchestrator whose
// loop has already started.
var ErrAlreadyRunning = errors.New("orchestrator already running")

// TaskTimeoutError is returned when an agent task exceeds its deadline.
type TaskTimeoutError struct {
	ModuleID string
	AgentID  string
	Timeout  time.Duration
	Err      error
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s of module %s timed out after %s", e.AgentID, e.ModuleID, e.Timeout)
}

func (e *TaskTimeoutError) Unwrap() error {
	return e.Err
}

// ProjectFailedError is returned by Run when modules failed or were blocked
// and nothing else can make progress.
type ProjectFailedError struct {
	ProjectID string
	Failures  []models.ModuleFailure
}

func (e *ProjectFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.ModuleID, f.Kind))
	}
	return fmt.Sprintf("project %s failed: %d module(s) did not complete: %s",
		e.ProjectID, len(e.Failures), strings.Join(parts, ", "))
}

// errorKind classifies a task failure for the module record.
func errorKind(err error) string {
	var unknown *agent.UnknownModuleTypeError
	var timeout *TaskTimeoutError
	var exhausted *router.AllBackendsExhaustedError
	switch {
	case errors.As(err, &unknown):
		return models.ErrorKindUnknownModuleType
	case errors.As(err, &timeout):
		return models.ErrorKindTaskTimeout
	case errors.As(err, &exhausted):
		return models.ErrorKindBackendsExhausted
	default:
		return models.ErrorKindExecutor
	}
}

// retryable reports whether a failure of this kind may be retried.
func retryable(kind string) bool {
	return kind != models.ErrorKindUnknownModuleType
}
