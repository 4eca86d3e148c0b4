package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/pmbot/internal/agent"
	"github.com/ShayCichocki/pmbot/internal/graph"
	"github.com/ShayCichocki/pmbot/internal/orchestrator"
	"github.com/ShayCichocki/pmbot/internal/planner"
	"github.com/ShayCichocki/pmbot/pkg/models"
)

var (
	runMetricsAddr string
	runMaxInFlight int
	runDryRun      bool
	runHealthCheck bool
	runName        string
)

var runCmd = &cobra.Command{
	Use:   "run <plan>",
	Short: "Run a planned project",
	Long: `Run a project from a plan file.

The plan is a YAML or JSON document listing modules, their types, and their
dependencies. Modules run as soon as every dependency has completed, up to
--max-in-flight agent tasks at a time. A failed module is retried with
exponential backoff; once its retries are spent, every module that depends on
it is blocked.

Press Ctrl+C to cancel. Use 'pmbot pause <id>' and 'pmbot unpause <id>' from
another terminal to hold dispatch, and 'pmbot resume <id>' to continue an
interrupted run.`,
	Args: cobra.ExactArgs(1),
	RunE: runProject,
}

func init() {
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().IntVar(&runMaxInFlight, "max-in-flight", 0, "override the maximum number of concurrent agent tasks")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate the plan and print its execution stages without running")
	runCmd.Flags().BoolVar(&runHealthCheck, "check-backends", false, "health-check every backend before starting")
	runCmd.Flags().StringVar(&runName, "name", "", "override the project name from the plan")
}

func runProject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.Component("cli")

	plan, err := planner.NewFilePlanner(args[0]).Plan(ctx)
	if err != nil {
		return err
	}
	modules, warnings, err := planner.Normalize(plan, log)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		printStatus("!", w, color.FgYellow)
	}

	templates, err := loadTemplates()
	if err != nil {
		return err
	}

	settings := cfg.RunSettings()
	if runMaxInFlight > 0 {
		settings.MaxInFlight = runMaxInFlight
	}
	name := plan.Name
	if runName != "" {
		name = runName
	}

	p, err := orchestrator.NewProject(name, plan.Description, modules, templates, settings)
	if err != nil {
		return err
	}

	if runDryRun {
		return printPlan(p)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Snapshot(p); err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	printStatus("●", fmt.Sprintf("Project %s created (%d modules)", p.ID, len(p.Modules)), color.FgCyan)

	return executeProject(ctx, db, p, templates, executeOptions{
		metricsAddr: runMetricsAddr,
		healthCheck: runHealthCheck,
	})
}

// loadTemplates reads the configured role templates or falls back to the
// built-in set.
func loadTemplates() (agent.TemplateSet, error) {
	if cfg.TemplatesFile == "" {
		return agent.DefaultTemplates(), nil
	}
	t, err := agent.LoadTemplates(cfg.TemplatesFile)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	return t, nil
}

// printPlan prints the execution stages and critical path of a project.
func printPlan(p *models.Project) error {
	g := graph.New()
	if err := g.Build(p.ModuleList()); err != nil {
		return err
	}
	stages, err := g.Stages()
	if err != nil {
		return err
	}
	path, weight, err := g.CriticalPath()
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(p.Name))
	for i, stage := range stages {
		fmt.Printf("%s %s\n", labelStyle.Render(fmt.Sprintf("stage %d:", i+1)), strings.Join(stage, ", "))
	}
	fmt.Printf("%s %s (%.1f)\n", labelStyle.Render("critical path:"), strings.Join(path, " → "), weight)
	fmt.Printf("%s %d in flight, %d retries, %s task timeout\n",
		labelStyle.Render("settings:"), p.Settings.MaxInFlight, p.Settings.RetryLimit, p.Settings.TaskTimeout)
	return nil
}
