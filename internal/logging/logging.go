// Package logging builds the structured logger shared by pmbot components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config selects the log destination, format, and level.
type Config struct {
	// Level is a logrus level name ("debug", "info", "warn", ...). Empty means info.
	Level string
	// Format is "text" or "json". Empty means text.
	Format string
	// File, when set, receives log output in append mode instead of stderr.
	File string
	// Output overrides the destination when File is empty.
	Output io.Writer
}

// Logger wraps a logrus logger together with the file it may own.
type Logger struct {
	mu     sync.Mutex
	base   *logrus.Logger
	entry  *logrus.Entry
	file   *os.File
	closed bool
}

// New creates a logger from cfg. Parent directories of cfg.File are created.
func New(cfg Config) (*Logger, error) {
	base := logrus.New()

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}
	base.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	l := &Logger{base: base}

	switch {
	case cfg.File != "":
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		base.SetOutput(f)
	case cfg.Output != nil:
		base.SetOutput(cfg.Output)
	default:
		base.SetOutput(os.Stderr)
	}

	l.entry = logrus.NewEntry(base)
	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{base: base, entry: logrus.NewEntry(base)}
}

// NopEntry is shorthand for Nop().Entry().
func NopEntry() *logrus.Entry {
	return Nop().Entry()
}

// Entry returns the root entry. Components derive their own with WithField.
func (l *Logger) Entry() *logrus.Entry {
	if l == nil {
		return NopEntry()
	}
	return l.entry
}

// Component returns an entry tagged with a component name.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.Entry().WithField("component", name)
}

// Close closes the log file, if any. Safe to call more than once.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil || l.closed {
		return nil
	}
	l.closed = true
	l.base.SetOutput(io.Discard)
	return l.file.Close()
}
