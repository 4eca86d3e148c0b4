package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/pmbot/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify pmbot configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/pmbot/config.yaml
Project-specific overrides can be placed in .pmbot.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Reload without flag overrides so they are not saved.
		c, err := loadRawConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		switch len(args) {
		case 0:
			displayAllConfig(c)
			return nil
		case 1:
			value, err := getConfigValue(c, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			if err := setConfigValue(c, args[0], args[1]); err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			if err := saveConfig(c); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config files pmbot reads",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("user:    %s\n", config.GetUserConfigPath())
		if p := config.GetProjectConfigPath(); p != "" {
			fmt.Printf("project: %s\n", p)
		}
		if cfgFile != "" {
			fmt.Printf("flag:    %s\n", cfgFile)
		}
	},
}

func init() {
	configCmd.AddCommand(configPathCmd)
}

func loadRawConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFromPath(cfgFile)
	}
	return config.Load()
}

func saveConfig(c *config.Config) error {
	if cfgFile != "" {
		return config.SaveTo(c, cfgFile)
	}
	return config.Save(c)
}

// displayAllConfig prints all configuration values.
func displayAllConfig(c *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(c, key)
		fmt.Printf("%s: %s\n", key, value)
	}
	fmt.Println("backends:")
	for _, b := range c.Backends {
		fmt.Printf("  - %s (%s, %s, max_load %d)", b.ID, b.Kind, b.LocalityOrDefault(), b.MaxLoad)
		if config.NeedsAPIKey(b) {
			_, source, _ := config.ResolveAPIKey(c, b)
			fmt.Printf(" key: %s", source)
		}
		fmt.Println()
	}
}

var configKeys = []string{
	"orchestrator.max_in_flight",
	"orchestrator.task_timeout",
	"orchestrator.retry_limit",
	"orchestrator.backoff.initial",
	"orchestrator.backoff.multiplier",
	"orchestrator.backoff.max",
	"orchestrator.poll_interval",
	"orchestrator.effort_unit",
	"router.cooldown",
	"router.attempt_timeout",
	"ollama.host",
	"anthropic.api_key",
	"anthropic.base_url",
	"aws.region",
	"aws.profile",
	"state.dir",
	"state.driver",
	"log.level",
	"log.format",
	"log.file",
	"templates_file",
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(c *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "orchestrator.max_in_flight":
		return strconv.Itoa(c.Orchestrator.MaxInFlight), nil
	case "orchestrator.task_timeout":
		return c.Orchestrator.TaskTimeout.String(), nil
	case "orchestrator.retry_limit":
		return strconv.Itoa(c.Orchestrator.RetryLimit), nil
	case "orchestrator.backoff.initial":
		return c.Orchestrator.Backoff.Initial.String(), nil
	case "orchestrator.backoff.multiplier":
		return strconv.FormatFloat(c.Orchestrator.Backoff.Multiplier, 'g', -1, 64), nil
	case "orchestrator.backoff.max":
		return c.Orchestrator.Backoff.Max.String(), nil
	case "orchestrator.poll_interval":
		return c.Orchestrator.PollInterval.String(), nil
	case "orchestrator.effort_unit":
		return c.Orchestrator.EffortUnit.String(), nil
	case "router.cooldown":
		return c.Router.Cooldown.String(), nil
	case "router.attempt_timeout":
		return c.Router.AttemptTimeout.String(), nil
	case "ollama.host":
		return c.Ollama.Host, nil
	case "anthropic.api_key":
		if c.Anthropic.APIKey == "" {
			return "(not set)", nil
		}
		return config.MaskAPIKey(c.Anthropic.APIKey), nil
	case "anthropic.base_url":
		return c.Anthropic.BaseURL, nil
	case "aws.region":
		return c.AWS.Region, nil
	case "aws.profile":
		return c.AWS.Profile, nil
	case "state.dir":
		return c.State.Dir, nil
	case "state.driver":
		return c.State.Driver, nil
	case "log.level":
		return c.Log.Level, nil
	case "log.format":
		return c.Log.Format, nil
	case "log.file":
		return c.Log.File, nil
	case "templates_file":
		return c.TemplatesFile, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(c *config.Config, key, value string) error {
	key = strings.ToLower(key)
	switch key {
	case "orchestrator.max_in_flight":
		return setInt(&c.Orchestrator.MaxInFlight, key, value)
	case "orchestrator.retry_limit":
		return setInt(&c.Orchestrator.RetryLimit, key, value)
	case "orchestrator.task_timeout":
		return setDuration(&c.Orchestrator.TaskTimeout, key, value)
	case "orchestrator.backoff.initial":
		return setDuration(&c.Orchestrator.Backoff.Initial, key, value)
	case "orchestrator.backoff.max":
		return setDuration(&c.Orchestrator.Backoff.Max, key, value)
	case "orchestrator.poll_interval":
		return setDuration(&c.Orchestrator.PollInterval, key, value)
	case "orchestrator.effort_unit":
		return setDuration(&c.Orchestrator.EffortUnit, key, value)
	case "router.cooldown":
		return setDuration(&c.Router.Cooldown, key, value)
	case "router.attempt_timeout":
		return setDuration(&c.Router.AttemptTimeout, key, value)
	case "orchestrator.backoff.multiplier":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number for %s: %w", key, err)
		}
		c.Orchestrator.Backoff.Multiplier = f
	case "ollama.host":
		c.Ollama.Host = value
	case "anthropic.api_key":
		if err := config.ValidateAPIKey(value); err != nil {
			return err
		}
		c.Anthropic.APIKey = value
	case "anthropic.base_url":
		c.Anthropic.BaseURL = value
	case "aws.region":
		c.AWS.Region = value
	case "aws.profile":
		c.AWS.Profile = value
	case "state.dir":
		c.State.Dir = value
	case "state.driver":
		c.State.Driver = value
	case "log.level":
		c.Log.Level = value
	case "log.format":
		c.Log.Format = value
	case "log.file":
		c.Log.File = value
	case "templates_file":
		c.TemplatesFile = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	*dst = d
	return nil
}
