package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/pmbot/internal/router"
)

func TestNewAnthropicExecutor_RequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropicExecutor(context.Background(), AnthropicConfig{})
	assert.Error(t, err)
}

func TestNewAnthropicExecutor_DefaultModel(t *testing.T) {
	a, err := NewAnthropicExecutor(context.Background(), AnthropicConfig{APIKey: "sk-ant-test-key-123456"})
	require.NoError(t, err)
	assert.Equal(t, anthropic.ModelClaudeSonnet4_20250514, a.Model())
}

func TestTranslateModelForBedrock(t *testing.T) {
	assert.Equal(t, anthropic.Model("us.anthropic.claude-sonnet-4-20250514-v1:0"),
		translateModelForBedrock(anthropic.ModelClaudeSonnet4_20250514))
	assert.Equal(t, anthropic.Model("custom"), translateModelForBedrock("custom"))
}

func TestAnthropicGenerate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "CREATE TABLE users"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 20}
		}`))
	}))
	defer srv.Close()

	a, err := NewAnthropicExecutor(context.Background(), AnthropicConfig{
		APIKey:  "sk-ant-test-key-123456",
		BaseURL: srv.URL + "/",
	})
	require.NoError(t, err)

	resp, err := a.Generate(context.Background(), &router.Request{
		Prompt:       "design the schema",
		SystemPrompt: "data engineer",
		Temperature:  0.3,
		MaxTokens:    2200,
	})
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE users", resp.Content)
	assert.Equal(t, int64(10), resp.InputTokens)
	assert.Equal(t, int64(20), resp.OutputTokens)

	assert.Equal(t, float64(2200), body["max_tokens"])
	assert.Equal(t, 0.3, body["temperature"])
}

func TestAnthropicGenerate_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	a, err := NewAnthropicExecutor(context.Background(), AnthropicConfig{
		APIKey:  "sk-ant-test-key-123456",
		BaseURL: srv.URL + "/",
	})
	require.NoError(t, err)

	_, err = a.Generate(context.Background(), &router.Request{Prompt: "x"})
	var throttle *router.ThrottleError
	require.ErrorAs(t, err, &throttle)
	assert.Equal(t, 30*time.Second, throttle.RetryAfter)
}
