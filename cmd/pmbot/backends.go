package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	backendsCheck   bool
	backendsTimeout time.Duration
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List configured execution backends",
	Long: `List the configured execution backends in preference order.

With --check, each backend is health-checked: Ollama backends must be reachable and
have their model pulled; cloud backends must have credentials.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, backendsTimeout)
		defer cancel()

		rt, err := buildRouter(ctx, cfg, logger.Component("cli"), nil)
		if err != nil {
			return err
		}

		var results map[string]error
		if backendsCheck {
			results = rt.HealthCheck(ctx)
		}

		fmt.Println(headerStyle.Render(cell(22, "BACKEND") + cell(8, "WHERE") + cell(10, "MAX LOAD") + "STATE"))
		for _, b := range rt.Backends() {
			line := cell(22, b.ID) + cell(8, string(b.Locality)) + cell(10, fmt.Sprintf("%d", b.MaxLoad))
			herr, checked := results[b.ID]
			switch {
			case checked && herr != nil:
				fmt.Println(line + color.RedString("unhealthy: %v", herr))
			case checked:
				fmt.Println(line + color.GreenString("healthy"))
			case b.Available:
				fmt.Println(line + color.CyanString("registered"))
			default:
				fmt.Println(line + color.YellowString("unavailable"))
			}
		}
		return nil
	},
}

func init() {
	backendsCmd.Flags().BoolVar(&backendsCheck, "check", false, "health-check each backend")
	backendsCmd.Flags().DurationVar(&backendsTimeout, "timeout", 15*time.Second, "health check timeout")
}
