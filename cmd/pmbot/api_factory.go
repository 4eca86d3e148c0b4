package main

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/pmbot/internal/api"
	"github.com/ShayCichocki/pmbot/internal/config"
	"github.com/ShayCichocki/pmbot/internal/metrics"
	"github.com/ShayCichocki/pmbot/internal/router"
)

// buildRouter registers an executor for every configured backend. A backend
// whose executor cannot be created (for example a cloud backend with no API
// key) is skipped with a warning; agents that prefer it fall through to the
// next preference. It is an error if no backend could be registered.
func buildRouter(ctx context.Context, c *config.Config, log *logrus.Entry, m *metrics.Metrics) (*router.Router, error) {
	rt := router.New(router.Config{
		Cooldown:       c.Router.Cooldown,
		AttemptTimeout: c.Router.AttemptTimeout,
	}, router.WithLogger(log), router.WithMetrics(m))

	registered := 0
	for _, b := range c.Backends {
		entry := log.WithField("backend", b.ID)
		if config.NeedsAPIKey(b) {
			_, source, err := config.ResolveAPIKey(c, b)
			if err != nil {
				entry.WithError(err).Warn("skipping backend")
				continue
			}
			entry = entry.WithField("key_source", source)
		}
		exec, err := newExecutor(ctx, c, b)
		if err != nil {
			entry.WithError(err).Warn("skipping backend")
			continue
		}
		if err := rt.Register(router.Backend{
			ID:       b.ID,
			Locality: b.LocalityOrDefault(),
			MaxLoad:  b.MaxLoad,
			Executor: exec,
		}); err != nil {
			return nil, err
		}
		entry.WithField("locality", b.LocalityOrDefault()).Debug("backend registered")
		registered++
	}
	if registered == 0 {
		return nil, fmt.Errorf("no usable backends configured")
	}
	return rt, nil
}

// newExecutor creates the executor for one backend entry.
func newExecutor(ctx context.Context, c *config.Config, b config.BackendConfig) (router.Executor, error) {
	switch b.Kind {
	case config.KindOllama:
		exec, err := api.NewOllamaExecutor(api.OllamaConfig{
			Host:  c.Ollama.Host,
			Model: b.ModelOrID(),
		})
		if err != nil {
			return nil, err
		}
		return exec, nil

	case config.KindAnthropic:
		key, _, err := config.ResolveAPIKey(c, b)
		if err != nil {
			return nil, err
		}
		exec, err := api.NewAnthropicExecutor(ctx, api.AnthropicConfig{
			Model:   anthropic.Model(b.ModelOrID()),
			APIKey:  key,
			BaseURL: c.Anthropic.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return exec, nil

	case config.KindBedrock:
		exec, err := api.NewAnthropicExecutor(ctx, api.AnthropicConfig{
			Model:         anthropic.Model(b.ModelOrID()),
			UseAWSBedrock: true,
			AWSRegion:     c.AWS.Region,
			AWSProfile:    c.AWS.Profile,
		})
		if err != nil {
			return nil, err
		}
		return exec, nil

	default:
		return nil, fmt.Errorf("unknown backend kind %q", b.Kind)
	}
}
