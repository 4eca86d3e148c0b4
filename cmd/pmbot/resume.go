package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/pmbot/internal/state"
	"github.com/ShayCichocki/pmbot/pkg/models"
)

var resumeMetricsAddr string

var resumeCmd = &cobra.Command{
	Use:   "resume <project-id>",
	Short: "Resume an interrupted or cancelled project",
	Long: `Resume a project from its last saved state.

Completed modules are not run again. Modules that were in flight when the
previous run stopped, and modules that were cancelled, go back to the
schedule. A completed or failed project cannot be resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: resumeProject,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

func resumeProject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := db.Load(args[0])
	if err != nil {
		return err
	}
	switch p.Status {
	case models.ProjectStatusCompleted:
		printStatus("✓", fmt.Sprintf("Project %s already completed", p.ID), color.FgGreen)
		return nil
	case models.ProjectStatusFailed:
		renderProject(os.Stdout, p, time.Now())
		return fmt.Errorf("project %s failed and cannot be resumed", p.ID)
	case models.ProjectStatusRunning:
		if !ownerGone(db, p.ID) {
			return fmt.Errorf("project %s is still running in another process", p.ID)
		}
	}

	templates, err := loadTemplates()
	if err != nil {
		return err
	}
	printStatus("●", fmt.Sprintf("Resuming %s (%s, %.0f%% done)", p.Name, p.ID, p.Progress*100), color.FgCyan)
	return executeProject(ctx, db, p, templates, executeOptions{metricsAddr: resumeMetricsAddr})
}

// ownerGone reports whether a project stored as running has lost its owning
// process.
func ownerGone(db *state.DB, id string) bool {
	interrupted, err := state.NewRecoveryManager(db).CheckForInterrupted()
	if err != nil {
		return false
	}
	for _, ip := range interrupted {
		if ip.ProjectID == id {
			return true
		}
	}
	return false
}
