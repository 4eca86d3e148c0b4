// Package api provides the execution backends the router dispatches to.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/ShayCichocki/pmbot/internal/router"
)

// DefaultOllamaHost is used when no host is configured.
const DefaultOllamaHost = "http://localhost:11434"

// OllamaExecutor runs requests against one model on a local Ollama server.
type OllamaExecutor struct {
	base   *url.URL
	model  string
	topP   float64
	client *ollama.Client
}

// OllamaConfig contains configuration for an OllamaExecutor.
type OllamaConfig struct {
	// Host is the server base URL. Defaults to DefaultOllamaHost.
	Host string
	// Model is the Ollama model tag (e.g., "deepseek-r1:14b").
	Model string
	// TopP is the nucleus sampling parameter. Zero uses 0.9.
	TopP float64
	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client
}

// NewOllamaExecutor creates an executor for a single Ollama model.
func NewOllamaExecutor(cfg OllamaConfig) (*OllamaExecutor, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama executor: model is required")
	}
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		host = DefaultOllamaHost
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("ollama executor: invalid host %q: %w", cfg.Host, err)
	}
	topP := cfg.TopP
	if topP == 0 {
		topP = 0.9
	}

	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		clone := *cfg.HTTPClient
		hc = &clone
	}
	inner := hc.Transport
	if inner == nil {
		inner = http.DefaultTransport
	}
	hc.Transport = &throttleTransport{next: inner}

	return &OllamaExecutor{
		base:   base,
		model:  cfg.Model,
		topP:   topP,
		client: ollama.NewClient(base, hc),
	}, nil
}

// Generate implements router.Executor.
func (o *OllamaExecutor) Generate(ctx context.Context, req *router.Request) (*router.Response, error) {
	stream := false
	options := map[string]any{
		"temperature": req.Temperature,
		"top_p":       o.topP,
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	start := time.Now()
	var out *ollama.GenerateResponse
	err := o.client.Generate(ctx, &ollama.GenerateRequest{
		Model:   o.model,
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Stream:  &stream,
		Options: options,
	}, func(resp ollama.GenerateResponse) error {
		out = &resp
		return nil
	})
	if err != nil {
		return nil, classifyOllamaError(err)
	}
	if out == nil {
		return nil, fmt.Errorf("ollama generate: empty response")
	}

	return &router.Response{
		Content:      out.Response,
		Model:        o.model,
		InputTokens:  int64(out.PromptEvalCount),
		OutputTokens: int64(out.EvalCount),
		Latency:      time.Since(start),
	}, nil
}

// Health checks that the server is reachable and has the model pulled.
func (o *OllamaExecutor) Health(ctx context.Context) error {
	list, err := o.client.List(ctx)
	if err != nil {
		return fmt.Errorf("ollama health: %w", err)
	}
	for _, m := range list.Models {
		if m.Name == o.model || strings.TrimSuffix(m.Name, ":latest") == o.model {
			return nil
		}
	}
	return fmt.Errorf("ollama health: model %s not pulled", o.model)
}

// Model returns the configured model tag.
func (o *OllamaExecutor) Model() string {
	return o.model
}

// classifyOllamaError maps a busy or rate limited server to router.ThrottleError.
func classifyOllamaError(err error) error {
	var throttle *router.ThrottleError
	if errors.As(err, &throttle) {
		return throttle
	}
	var status ollama.StatusError
	if errors.As(err, &status) && isThrottleStatus(status.StatusCode) {
		return &router.ThrottleError{Err: fmt.Errorf("ollama generate: %w", err)}
	}
	return fmt.Errorf("ollama generate: %w", err)
}

func isThrottleStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// throttleTransport turns 429 and 503 responses into router.ThrottleError
// before the client reads the body, keeping the Retry-After hint.
type throttleTransport struct {
	next http.RoundTripper
}

func (t *throttleTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || !isThrottleStatus(resp.StatusCode) {
		return resp, err
	}
	resp.Body.Close()
	return nil, &router.ThrottleError{
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Err:        fmt.Errorf("ollama status %d", resp.StatusCode),
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
