package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/pmbot/internal/config"
	"github.com/ShayCichocki/pmbot/internal/logging"
	"github.com/ShayCichocki/pmbot/internal/state"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string
	stateDir  string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pmbot",
	Short: "Module dependency orchestrator with model routing",
	Long: `pmbot runs a planned project: a graph of modules with dependencies.

Ready modules are handed to role agents, and each agent's work is routed to
a local Ollama model or a cloud Claude model, falling back down the agent's
backend preference list when a backend is busy, cooling down, or failing.

Project state is kept in SQLite so an interrupted run can be resumed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/pmbot/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "log format (text, json)")
	pf.StringVar(&logFile, "log-file", "", "append logs to this file instead of stderr")
	pf.StringVar(&stateDir, "state-dir", "", "directory holding the project database and signals")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(unpauseCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(backendsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads configuration, applies flag overrides, and opens the logger.
func setup() error {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFromPath(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Output: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	return nil
}

func applyOverrides(c *config.Config) {
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if logFormat != "" {
		c.Log.Format = logFormat
	}
	if logFile != "" {
		c.Log.File = logFile
	}
	if stateDir != "" {
		c.State.Dir = stateDir
	}
}

// openStore opens and migrates the project database.
func openStore() (*state.DB, error) {
	db, err := state.OpenWithDriver(cfg.State.DBPath(), cfg.State.Driver)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}
