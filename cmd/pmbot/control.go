package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/pmbot/internal/control"
	"github.com/ShayCichocki/pmbot/internal/state"
)

var (
	cancelForce    bool
	purgeOlderThan time.Duration
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <project-id>",
	Short: "Cancel a running project",
	Long: `Ask the process running a project to cancel it. In-flight tasks are
stopped and unfinished modules are marked cancelled; the project can be
resumed later.

With --force the stored project is marked cancelled directly. Use it for a
project whose process has exited.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cancelForce {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := state.NewRecoveryManager(db).Abandon(args[0]); err != nil {
				return err
			}
			printStatus("○", fmt.Sprintf("Project %s marked cancelled", args[0]), color.FgYellow)
			return nil
		}
		return sendSignal(args[0], control.SignalCancel)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <project-id>",
	Short: "Stop dispatching new tasks for a running project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(args[0], control.SignalPause)
	},
}

var unpauseCmd = &cobra.Command{
	Use:   "unpause <project-id>",
	Short: "Continue dispatching tasks for a paused project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(args[0], control.SignalResume)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a stored project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Delete(args[0]); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Deleted %s", args[0]), color.FgGreen)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished projects older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := db.PurgeOldProjects(purgeOlderThan)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Purged %d project(s) older than %s", n, formatDuration(purgeOlderThan)), color.FgGreen)
		return nil
	},
}

func init() {
	cancelCmd.Flags().BoolVar(&cancelForce, "force", false, "mark the stored project cancelled without signalling its process")
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "minimum age of projects to delete")
}

func sendSignal(projectID string, sig control.Signal) error {
	if err := control.Send(cfg.State.SignalsDir(), projectID, sig); err != nil {
		return err
	}
	printStatus("→", fmt.Sprintf("Sent %s to %s", sig, projectID), color.FgCyan)
	return nil
}
