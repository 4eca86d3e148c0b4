package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/pmbot/internal/state"
	"github.com/ShayCichocki/pmbot/pkg/models"
)

var (
	listStatus      []string
	listInterrupted bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		if listInterrupted {
			return listInterruptedProjects(db)
		}

		statuses := make([]models.ProjectStatus, 0, len(listStatus))
		for _, s := range listStatus {
			st := models.ProjectStatus(s)
			if !st.Valid() {
				return fmt.Errorf("invalid status %q", s)
			}
			statuses = append(statuses, st)
		}
		list, err := db.List(statuses...)
		if err != nil {
			return err
		}
		renderSummaries(os.Stdout, list)
		return nil
	},
}

func init() {
	listCmd.Flags().StringSliceVar(&listStatus, "status", nil, "only show projects with these statuses")
	listCmd.Flags().BoolVar(&listInterrupted, "interrupted", false, "only show running projects whose process has exited")
}

func listInterruptedProjects(db *state.DB) error {
	interrupted, err := state.NewRecoveryManager(db).CheckForInterrupted()
	if err != nil {
		return err
	}
	if len(interrupted) == 0 {
		fmt.Println("No interrupted projects.")
		return nil
	}
	for _, ip := range interrupted {
		printStatus("!", fmt.Sprintf("%s  %s  %.0f%% done, %d in flight, last active %s ago (pid %d)",
			ip.ProjectID, ip.Name, ip.Progress*100, ip.InFlight,
			formatDuration(time.Since(ip.LastActivity)), ip.OwnerPID), color.FgYellow)
	}
	fmt.Println("\nResume with 'pmbot resume <id>' or abandon with 'pmbot cancel --force <id>'.")
	return nil
}
