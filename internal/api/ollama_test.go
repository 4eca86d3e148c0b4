package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ollama "github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/pmbot/internal/router"
)

func TestNewOllamaExecutor_RequiresModel(t *testing.T) {
	_, err := NewOllamaExecutor(OllamaConfig{})
	assert.Error(t, err)

	o, err := NewOllamaExecutor(OllamaConfig{Model: "qwen2.5-coder:7b", Host: "http://gpu-box:11434/"})
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", o.base.String())
	assert.Equal(t, 0.9, o.topP)
}

func TestOllamaGenerate(t *testing.T) {
	var got ollama.GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollama.GenerateResponse{
			Model:    got.Model,
			Response: "func main() {}",
			Done:     true,
			Metrics:  ollama.Metrics{PromptEvalCount: 12, EvalCount: 34},
		})
	}))
	defer srv.Close()

	o, err := NewOllamaExecutor(OllamaConfig{Host: srv.URL, Model: "deepseek-r1:14b"})
	require.NoError(t, err)

	resp, err := o.Generate(context.Background(), &router.Request{
		Prompt:       "write main",
		SystemPrompt: "you are a Go developer",
		Temperature:  0.2,
		MaxTokens:    2500,
	})
	require.NoError(t, err)

	assert.Equal(t, "func main() {}", resp.Content)
	assert.Equal(t, "deepseek-r1:14b", resp.Model)
	assert.Equal(t, int64(12), resp.InputTokens)
	assert.Equal(t, int64(34), resp.OutputTokens)

	assert.Equal(t, "deepseek-r1:14b", got.Model)
	require.NotNil(t, got.Stream)
	assert.False(t, *got.Stream)
	assert.Equal(t, "you are a Go developer", got.System)
	assert.Equal(t, 0.2, got.Options["temperature"])
	assert.Equal(t, 0.9, got.Options["top_p"])
	assert.Equal(t, float64(2500), got.Options["num_predict"])
}

func TestOllamaGenerate_Throttled(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		want       time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, "45", 45 * time.Second},
		{"server busy", http.StatusServiceUnavailable, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"server busy, please try again"}`))
			}))
			defer srv.Close()

			o, err := NewOllamaExecutor(OllamaConfig{Host: srv.URL, Model: "m"})
			require.NoError(t, err)

			_, err = o.Generate(context.Background(), &router.Request{Prompt: "x"})
			var throttle *router.ThrottleError
			require.ErrorAs(t, err, &throttle)
			assert.Equal(t, tt.want, throttle.RetryAfter)
		})
	}
}

func TestClassifyOllamaError(t *testing.T) {
	var throttle *router.ThrottleError
	busy := ollama.StatusError{StatusCode: http.StatusServiceUnavailable, ErrorMessage: "busy"}
	assert.ErrorAs(t, classifyOllamaError(busy), &throttle)

	missing := ollama.StatusError{StatusCode: http.StatusNotFound, ErrorMessage: "model not found"}
	err := classifyOllamaError(missing)
	assert.False(t, errors.As(err, &throttle))
	assert.ErrorContains(t, err, "ollama generate")
}

func TestOllamaGenerate_ServerErrorAndMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	o, err := NewOllamaExecutor(OllamaConfig{Host: srv.URL, Model: "m"})
	require.NoError(t, err)
	_, err = o.Generate(context.Background(), &router.Request{Prompt: "x"})
	assert.ErrorContains(t, err, "ollama generate")

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'm' not found"}`))
	}))
	defer failing.Close()

	o, err = NewOllamaExecutor(OllamaConfig{Host: failing.URL, Model: "m"})
	require.NoError(t, err)
	_, err = o.Generate(context.Background(), &router.Request{Prompt: "x"})
	assert.ErrorContains(t, err, "not found")
	var throttle *router.ThrottleError
	assert.False(t, errors.As(err, &throttle))

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer empty.Close()

	o, err = NewOllamaExecutor(OllamaConfig{Host: empty.URL, Model: "m"})
	require.NoError(t, err)
	_, err = o.Generate(context.Background(), &router.Request{Prompt: "x"})
	assert.ErrorContains(t, err, "empty response")
}

func TestOllamaHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"qwen2.5-coder:7b"},{"name":"llama3:latest"}]}`))
	}))
	defer srv.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer down.Close()

	unreachable, err := NewOllamaExecutor(OllamaConfig{Host: down.URL, Model: "m"})
	require.NoError(t, err)
	assert.ErrorContains(t, unreachable.Health(context.Background()), "ollama health")

	ok, err := NewOllamaExecutor(OllamaConfig{Host: srv.URL, Model: "qwen2.5-coder:7b"})
	require.NoError(t, err)
	assert.NoError(t, ok.Health(context.Background()))

	alias, err := NewOllamaExecutor(OllamaConfig{Host: srv.URL, Model: "llama3"})
	require.NoError(t, err)
	assert.NoError(t, alias.Health(context.Background()))

	missing, err := NewOllamaExecutor(OllamaConfig{Host: srv.URL, Model: "deepseek-r1:14b"})
	require.NoError(t, err)
	assert.ErrorContains(t, missing.Health(context.Background()), "not pulled")
}

func TestOllamaGenerate_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	o, err := NewOllamaExecutor(OllamaConfig{Host: srv.URL, Model: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = o.Generate(ctx, &router.Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
