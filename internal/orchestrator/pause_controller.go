package orchestrator

import (
	"sync"
)

// PauseController manages the pause state of the orchestrator.
// While paused no new tasks are dispatched; in-flight tasks finish normally.
type PauseController struct {
	paused bool
	mu     sync.RWMutex
	// wake receives a token on resume so an idle loop rechecks immediately.
	wake chan struct{}
}

// NewPauseController creates a new PauseController.
func NewPauseController() *PauseController {
	return &PauseController{wake: make(chan struct{}, 1)}
}

// Pause pauses dispatch. It reports whether the state changed.
func (p *PauseController) Pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return false
	}
	p.paused = true
	return true
}

// Resume resumes dispatch after a pause. It reports whether the state changed.
func (p *PauseController) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return false
	}
	p.paused = false
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// IsPaused returns whether dispatch is currently paused.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// Wake returns the channel signalled on resume.
func (p *PauseController) Wake() <-chan struct{} {
	return p.wake
}
