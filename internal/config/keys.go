package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// AnthropicKeyEnv is the environment variable consulted for Anthropic API keys.
const AnthropicKeyEnv = "ANTHROPIC_API_KEY"

// ErrNoAPIKey is returned when a backend needs an API key and none resolves.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource records which setting supplied a backend's API key.
type KeySource string

const (
	KeySourceBackend KeySource = "backend"
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceNone    KeySource = "none"
)

// NeedsAPIKey reports whether the backend calls the Anthropic API directly.
// Bedrock backends authenticate through AWS and ollama needs nothing.
func NeedsAPIKey(b BackendConfig) bool {
	return b.Kind == KindAnthropic
}

// ResolveAPIKey returns the key for backend b and where it came from. The
// backend's own api_key wins, then ANTHROPIC_API_KEY, then anthropic.api_key.
// Values may reference environment variables as ${NAME}; a reference that
// expands to nothing does not count.
func ResolveAPIKey(cfg *Config, b BackendConfig) (string, KeySource, error) {
	if !NeedsAPIKey(b) {
		return "", KeySourceNone, nil
	}
	if key, ok := expandKey(b.APIKey); ok {
		return key, KeySourceBackend, nil
	}
	if key := os.Getenv(AnthropicKeyEnv); key != "" {
		return key, KeySourceEnv, nil
	}
	if cfg != nil {
		if key, ok := expandKey(cfg.Anthropic.APIKey); ok {
			return key, KeySourceConfig, nil
		}
	}
	return "", KeySourceNone, fmt.Errorf("backend %s: %w", b.ID, ErrNoAPIKey)
}

// MissingAPIKeys lists the backends that need a key and have none.
func MissingAPIKeys(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	var missing []string
	for _, b := range cfg.Backends {
		if _, _, err := ResolveAPIKey(cfg, b); err != nil {
			missing = append(missing, b.ID)
		}
	}
	return missing
}

func expandKey(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	key := os.ExpandEnv(raw)
	if key == "" || strings.HasPrefix(key, "${") {
		return "", false
	}
	return key, true
}

// ValidateAPIKey checks the shape of a literal key without contacting the
// API. Environment references are accepted as-is.
func ValidateAPIKey(key string) error {
	switch {
	case key == "":
		return ErrNoAPIKey
	case strings.HasPrefix(key, "${") && strings.HasSuffix(key, "}"):
		return nil
	case !strings.HasPrefix(key, "sk-ant-"):
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	case len(key) < 20:
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey hides all but the prefix and the last four characters.
func MaskAPIKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case strings.HasPrefix(key, "${"):
		return key
	case len(key) <= 15:
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
