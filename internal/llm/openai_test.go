package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

func newOpenAITestProvider(t *testing.T, maxRetries int, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := OpenAIConfig{APIKey: "test-api-key", Model: "gpt-4o-mini", BaseURL: server.URL}
	return NewOpenAIProvider(cfg, 0.1, 10*time.Second, maxRetries, time.Millisecond)
}

func writeChatResponse(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := chatResponse{
		ID:      "chatcmpl-1",
		Model:   "gpt-4o-mini-2024-07-18",
		Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: content}, FinishReason: "stop"}},
		Usage:   chatUsage{PromptTokens: 320, CompletionTokens: 40},
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestOpenAIProvider_Evaluate(t *testing.T) {
	t.Run("sends prompt and parses answer", func(t *testing.T) {
		var received chatRequest
		var auth string
		provider := newOpenAITestProvider(t, 0, func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			assert.Equal(t, "/chat/completions", r.URL.Path)
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, &received))
			writeChatResponse(t, w, `{"value": 0.82, "confidence": 0.9, "reasoning": "Reports in vivo base editing."}`)
		})

		temp := 0.0
		eval, err := provider.Evaluate(context.Background(), Request{
			SystemPrompt: "sys",
			UserPrompt:   "user",
			Model:        "gpt-4o",
			Temperature:  &temp,
		})
		require.NoError(t, err)

		assert.Equal(t, "Bearer test-api-key", auth)
		assert.Equal(t, "gpt-4o", received.Model)
		assert.Equal(t, 0.0, received.Temperature)
		require.NotNil(t, received.ResponseFormat)
		assert.Equal(t, "json_object", received.ResponseFormat.Type)
		require.Len(t, received.Messages, 2)
		assert.Equal(t, "system", received.Messages[0].Role)
		assert.Equal(t, "user", received.Messages[1].Content)

		assert.Equal(t, "0.82", eval.Value)
		assert.InDelta(t, 0.82, eval.Score(), 1e-9)
		assert.Equal(t, 0.9, eval.Confidence)
		assert.Equal(t, "Reports in vivo base editing.", eval.Reasoning)
		assert.Equal(t, "gpt-4o-mini-2024-07-18", eval.Model)
		assert.Equal(t, 320, eval.InputTokens)
		assert.Equal(t, 40, eval.OutputTokens)
	})

	t.Run("uses provider defaults", func(t *testing.T) {
		var received chatRequest
		provider := newOpenAITestProvider(t, 0, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			writeChatResponse(t, w, `{"value": "gene-therapy", "confidence": 0.7, "reasoning": "r"}`)
		})

		eval, err := provider.Evaluate(context.Background(), Request{UserPrompt: "u"})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini", received.Model)
		assert.Equal(t, 0.1, received.Temperature)
		assert.Equal(t, "gene-therapy", eval.Value)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		var calls atomic.Int32
		provider := newOpenAITestProvider(t, 2, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error": {"message": "Rate limit reached", "type": "requests"}}`))
				return
			}
			writeChatResponse(t, w, `{"value": 0.1, "confidence": 0.8, "reasoning": "off topic"}`)
		})

		eval, err := provider.Evaluate(context.Background(), Request{UserPrompt: "u"})
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
		assert.InDelta(t, 0.1, eval.Score(), 1e-9)
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		provider := newOpenAITestProvider(t, 3, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": {"message": "Incorrect API key", "type": "invalid_request_error", "code": "invalid_api_key"}}`))
		})

		_, err := provider.Evaluate(context.Background(), Request{UserPrompt: "u"})
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())

		var ext *domain.ExternalServiceError
		require.True(t, errors.As(err, &ext))
		assert.Equal(t, http.StatusUnauthorized, ext.StatusCode)
		assert.Equal(t, "Incorrect API key", ext.Message)

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "invalid_api_key", apiErr.Code)
	})

	t.Run("exhausted retries", func(t *testing.T) {
		var calls atomic.Int32
		provider := newOpenAITestProvider(t, 2, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := provider.Evaluate(context.Background(), Request{UserPrompt: "u"})
		assert.ErrorIs(t, err, domain.ErrExternalService)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("invalid JSON content", func(t *testing.T) {
		provider := newOpenAITestProvider(t, 0, func(w http.ResponseWriter, r *http.Request) {
			writeChatResponse(t, w, "I think it is relevant.")
		})

		_, err := provider.Evaluate(context.Background(), Request{UserPrompt: "u"})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrExternalService)
		assert.Contains(t, err.Error(), "failed to parse LLM JSON response")
	})

	t.Run("empty choices", func(t *testing.T) {
		provider := newOpenAITestProvider(t, 0, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"id": "x", "choices": []}`))
		})

		_, err := provider.Evaluate(context.Background(), Request{UserPrompt: "u"})
		assert.ErrorContains(t, err, "empty choices")
	})

	t.Run("context cancelled during retry wait", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(server.Close)
		provider := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: server.URL}, 0, time.Second, 3, time.Hour)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := provider.Evaluate(ctx, Request{UserPrompt: "u"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNewOpenAIProvider(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k"}, 0.2, 0, -1, 0)

	assert.Equal(t, defaultOpenAIBaseURL, p.baseURL)
	assert.Equal(t, defaultOpenAIModel, p.Model())
	assert.Equal(t, "openai", p.Provider())
	assert.Equal(t, 60*time.Second, p.httpClient.Timeout)
	assert.Equal(t, 0, p.maxRetries)
	assert.Equal(t, defaultOpenAIRetryDelay, p.retryDelay)
}
