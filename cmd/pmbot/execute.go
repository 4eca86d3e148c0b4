package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/pmbot/internal/agent"
	"github.com/ShayCichocki/pmbot/internal/control"
	"github.com/ShayCichocki/pmbot/internal/metrics"
	"github.com/ShayCichocki/pmbot/internal/orchestrator"
	"github.com/ShayCichocki/pmbot/internal/state"
	"github.com/ShayCichocki/pmbot/pkg/models"
)

type executeOptions struct {
	metricsAddr string
	healthCheck bool
}

// executeProject runs p to a terminal status, printing events as they arrive
// and a summary at the end.
func executeProject(parent context.Context, db *state.DB, p *models.Project, templates agent.TemplateSet, opts executeOptions) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	log := logger.Component("cli").WithField("project", p.ID)

	var m *metrics.Metrics
	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		srv := serveMetrics(opts.metricsAddr, reg, log)
		defer srv.Close()
	}

	rt, err := buildRouter(ctx, cfg, logger.Entry(), m)
	if err != nil {
		return err
	}
	if opts.healthCheck {
		for id, herr := range rt.HealthCheck(ctx) {
			if herr != nil {
				printStatus("✗", fmt.Sprintf("backend %s unavailable: %v", id, herr), color.FgRed)
			}
		}
	}

	registry := agent.NewRegistry(p.ID, templates, rt)
	o, err := orchestrator.New(orchestrator.RequiredConfig{
		Project:    p,
		Dispatcher: rt,
		Registry:   registry,
	},
		orchestrator.WithLogger(logger.Entry()),
		orchestrator.WithMetrics(m),
		orchestrator.WithSnapshotter(db),
		orchestrator.WithPollInterval(cfg.Orchestrator.PollInterval),
		orchestrator.WithEffortUnit(cfg.Orchestrator.EffortUnit),
	)
	if err != nil {
		return err
	}

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nReceived interrupt, cancelling...")
			o.Cancel()
		case <-ctx.Done():
		}
	}()

	watcher, err := control.NewWatcher(cfg.State.SignalsDir(), p.ID, cfg.Orchestrator.PollInterval, logger.Entry())
	if err != nil {
		log.WithError(err).Warn("control signals disabled")
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("signal watcher stopped")
			}
		}()
		go control.Dispatch(ctx, watcher.C(), o)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range o.Events() {
			printEvent(e)
		}
	}()

	runErr := o.Run(ctx)
	wg.Wait()

	final := o.Project()
	fmt.Println()
	renderProject(os.Stdout, final, time.Now())
	if n := o.DroppedEvents(); n > 0 {
		log.WithField("dropped", n).Warn("some events were not displayed")
	}

	var failed *orchestrator.ProjectFailedError
	switch {
	case runErr == nil:
		printStatus("✓", "Project completed", color.FgGreen)
		return nil
	case errors.As(runErr, &failed):
		printStatus("✗", fmt.Sprintf("Project failed: %d module(s) did not complete", len(failed.Failures)), color.FgRed)
		return runErr
	case final.Status == models.ProjectStatusCancelled:
		printStatus("○", fmt.Sprintf("Project cancelled. Resume with: pmbot resume %s", final.ID), color.FgYellow)
		return nil
	default:
		return runErr
	}
}

// serveMetrics exposes reg on addr until the returned server is closed.
func serveMetrics(addr string, reg *prometheus.Registry, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	return srv
}

// printEvent prints one orchestrator event as a colored status line.
func printEvent(e orchestrator.Event) {
	switch e.Type {
	case orchestrator.EventProjectStarted:
		printStatus("▶", "Project started", color.FgCyan)
	case orchestrator.EventProjectPaused:
		printStatus("‖", "Paused: in-flight tasks will finish, nothing new starts", color.FgYellow)
	case orchestrator.EventProjectResumed:
		printStatus("▶", "Resumed", color.FgCyan)
	case orchestrator.EventModuleStarted:
		printStatus("→", fmt.Sprintf("%s started (attempt %d)", e.ModuleID, e.Attempt), color.FgBlue)
	case orchestrator.EventTaskCompleted:
		printStatus(" ·", fmt.Sprintf("%s via %s in %s", e.AgentID, e.Backend, formatDuration(e.Duration)), color.Faint)
	case orchestrator.EventTaskFailed:
		printStatus(" ·", fmt.Sprintf("%s failed: %v", e.AgentID, e.Error), color.FgRed)
	case orchestrator.EventModuleCompleted:
		printStatus("✓", fmt.Sprintf("%s completed  %s %3.0f%%", e.ModuleID, progressBar(e.Progress, 20), e.Progress*100), color.FgGreen)
	case orchestrator.EventModuleRetrying:
		printStatus("↻", fmt.Sprintf("%s retrying in %s: %v", e.ModuleID, formatDuration(e.Duration), e.Error), color.FgYellow)
	case orchestrator.EventModuleFailed:
		printStatus("✗", fmt.Sprintf("%s failed: %v", e.ModuleID, e.Error), color.FgRed)
	case orchestrator.EventModuleBlocked:
		printStatus("⊘", fmt.Sprintf("%s blocked: %s", e.ModuleID, e.Message), color.FgMagenta)
	case orchestrator.EventModuleCancelled:
		printStatus("○", fmt.Sprintf("%s cancelled", e.ModuleID), color.FgYellow)
	}
}
