// ABOUTME: Tests for the chat-completions client
// ABOUTME: Covers prompt assembly, token accounting, and outage mapping

package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionResponse(text string, tokens int) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{
				"message":       map[string]any{"content": text},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{"total_tokens": tokens},
	}
}

func TestOpenAIClient_Complete(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		require.NoError(t, json.NewEncoder(w).Encode(completionResponse("Paris.", 17)))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", "gpt-4o-mini", time.Second, nil)
	got, err := c.Complete(context.Background(), CompletionRequest{
		System: "You are a helpful AI assistant.",
		Turns: []Turn{
			{Role: "user", Content: "Hi"},
			{Role: "assistant", Content: "Hello!"},
		},
		User: "What is the capital of France?",
	})
	require.NoError(t, err)

	assert.Equal(t, "Paris.", got.Text)
	assert.Equal(t, 17, got.TokensUsed)

	// Prompt order: system, context turns, new user message
	require.Len(t, gotReq.Messages, 4)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	assert.Equal(t, "assistant", gotReq.Messages[2].Role)
	assert.Equal(t, "What is the capital of France?", gotReq.Messages[3].Content)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
}

func TestOpenAIClient_ServerErrorIsModelUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", "m", time.Second, nil)
	_, err := c.Complete(context.Background(), CompletionRequest{User: "hi"})
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestOpenAIClient_RateLimitIsModelUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", "m", time.Second, nil)
	_, err := c.Complete(context.Background(), CompletionRequest{User: "hi"})
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestOpenAIClient_ConnectionFailureIsModelUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewOpenAIClient(url, "", "m", time.Second, nil)
	_, err := c.Complete(context.Background(), CompletionRequest{User: "hi"})
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestOpenAIClient_APIErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "bad prompt", "type": "invalid_request_error"},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", "m", time.Second, nil)
	_, err := c.Complete(context.Background(), CompletionRequest{User: "hi"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrModelUnavailable)
	assert.Contains(t, err.Error(), "bad prompt")
}
