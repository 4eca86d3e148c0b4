// Package control delivers operator signals (cancel, pause, resume) to a
// running project through files under the state directory.
package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Signal is an operator request for a running project.
type Signal string

const (
	SignalCancel Signal = "cancel"
	SignalPause  Signal = "pause"
	SignalResume Signal = "resume"
)

// Valid reports whether s is a known signal.
func (s Signal) Valid() bool {
	switch s {
	case SignalCancel, SignalPause, SignalResume:
		return true
	default:
		return false
	}
}

var allSignals = []Signal{SignalCancel, SignalPause, SignalResume}

// DefaultPollInterval is the stat fallback period for missed file events.
const DefaultPollInterval = time.Second

// Dir returns the signal directory for a project.
func Dir(root, projectID string) string {
	return filepath.Join(root, projectID)
}

// Send writes a signal file for a project.
func Send(root, projectID string, sig Signal) error {
	if !sig.Valid() {
		return fmt.Errorf("unknown signal %q", sig)
	}
	dir := Dir(root, projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	path := filepath.Join(dir, string(sig))
	if err := os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644); err != nil {
		return fmt.Errorf("write %s signal: %w", sig, err)
	}
	return nil
}

// Handler receives signals.
type Handler interface {
	Cancel()
	Pause()
	Resume()
}

// Watcher turns signal files into Signal values. Each file is consumed
// (removed) when delivered, so a signal fires once.
type Watcher struct {
	dir          string
	pollInterval time.Duration
	log          *logrus.Entry

	ch chan Signal

	mu        sync.Mutex
	cancelled bool
}

// NewWatcher prepares a watcher for one project's signal directory. Stale
// signal files from an earlier run are removed.
func NewWatcher(root, projectID string, pollInterval time.Duration, log *logrus.Entry) (*Watcher, error) {
	dir := Dir(root, projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signal dir: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &Watcher{
		dir:          dir,
		pollInterval: pollInterval,
		log:          log.WithField("signals", dir),
		ch:           make(chan Signal, len(allSignals)),
	}
	w.Clear()
	return w, nil
}

// C returns the channel signals are delivered on.
func (w *Watcher) C() <-chan Signal {
	return w.ch
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Clear removes any pending signal files.
func (w *Watcher) Clear() {
	for _, sig := range allSignals {
		os.Remove(filepath.Join(w.dir, string(sig)))
	}
}

// Run watches until ctx is done. File events are handled as they arrive; a
// periodic stat catches anything the event stream missed. Without fsnotify
// support only polling runs.
func (w *Watcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		if err = fw.Add(w.dir); err != nil {
			fw.Close()
		}
	}
	if err != nil {
		w.log.WithError(err).Debug("file events unavailable, polling only")
	} else {
		g.Go(func() error {
			defer fw.Close()
			return w.watchEvents(ctx, fw)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				w.Poll()
			}
		}
	})

	return g.Wait()
}

func (w *Watcher) watchEvents(ctx context.Context, fw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			sig := Signal(filepath.Base(event.Name))
			if sig.Valid() {
				w.consume(sig)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("signal watcher error")
		}
	}
}

// Poll checks for signal files directly and delivers any it finds.
func (w *Watcher) Poll() {
	for _, sig := range allSignals {
		if _, err := os.Stat(filepath.Join(w.dir, string(sig))); err == nil {
			w.consume(sig)
		}
	}
}

// consume removes the file and delivers the signal. Only the caller that
// removes the file delivers it, so event and poll paths never double-fire.
func (w *Watcher) consume(sig Signal) {
	err := os.Remove(filepath.Join(w.dir, string(sig)))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.WithError(err).WithField("signal", sig).Warn("remove signal file")
		}
		return
	}

	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	if sig == SignalCancel {
		w.cancelled = true
	}
	w.mu.Unlock()

	w.log.WithField("signal", sig).Info("signal received")
	select {
	case w.ch <- sig:
	default:
		w.log.WithField("signal", sig).Warn("signal dropped, channel full")
	}
}

// Dispatch forwards signals from ch to h until ctx is done or ch closes.
func Dispatch(ctx context.Context, ch <-chan Signal, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			switch sig {
			case SignalCancel:
				h.Cancel()
			case SignalPause:
				h.Pause()
			case SignalResume:
				h.Resume()
			}
		}
	}
}
