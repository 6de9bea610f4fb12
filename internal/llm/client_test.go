package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompleteOpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			Tools []map[string]any `json:"tools"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-4o-mini", body.Model)
		require.Equal(t, "system", body.Messages[0].Role)
		require.Equal(t, "You are Charlie.", body.Messages[0].Content)
		require.Equal(t, "user", body.Messages[1].Role)
		require.Len(t, body.Tools, 1)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer srv.Close()

	res, err := NewClient(5*time.Second).Complete(context.Background(), Request{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		BaseURL:  srv.URL,
		APIKey:   "sk-test",
		System:   "You are Charlie.",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools:    []ToolDef{{Name: "calculator", Description: "math"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", res.Text)
	require.Empty(t, res.ToolCalls)
}

func TestCompleteOpenAIParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[
			{"id":"call-1","type":"function","function":{"name":"calculator","arguments":"{\"expr\":\"1+1\"}"}},
			{"id":"call-2","type":"function","function":{"name":"weather","arguments":"not json"}}
		]}}]}`))
	}))
	defer srv.Close()

	res, err := NewClient(5*time.Second).Complete(context.Background(), Request{
		Provider: "openai",
		BaseURL:  srv.URL,
		APIKey:   "sk-test",
		Messages: []Message{{Role: "user", Content: "what is 1+1"}},
	})
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 2)
	require.Equal(t, "calculator", res.ToolCalls[0].Name)
	require.Equal(t, map[string]any{"expr": "1+1"}, res.ToolCalls[0].Arguments)
	// Unparseable arguments are preserved raw rather than dropped.
	require.Equal(t, map[string]any{"_raw": "not json"}, res.ToolCalls[1].Arguments)
}

func TestCompleteAnthropic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		require.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var body struct {
			System   string `json:"system"`
			Messages []struct {
				Role    string `json:"role"`
				Content []struct {
					Type      string `json:"type"`
					Text      string `json:"text"`
					ToolUseID string `json:"tool_use_id"`
					Content   string `json:"content"`
				} `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "You are Charlie.", body.System)

		// Tool results are folded into user-role tool_result blocks.
		require.Equal(t, "user", body.Messages[1].Role)
		require.Equal(t, "tool_result", body.Messages[1].Content[0].Type)
		require.Equal(t, "call-1", body.Messages[1].Content[0].ToolUseID)
		require.Equal(t, "42", body.Messages[1].Content[0].Content)

		_, _ = w.Write([]byte(`{"content":[
			{"type":"text","text":"the answer "},
			{"type":"text","text":"is 42"},
			{"type":"tool_use","id":"call-2","name":"weather","input":{"city":"Oslo"}}
		]}`))
	}))
	defer srv.Close()

	res, err := NewClient(5*time.Second).Complete(context.Background(), Request{
		Provider: "anthropic",
		Model:    "claude-3-haiku-20240307",
		BaseURL:  srv.URL,
		APIKey:   "sk-ant",
		System:   "You are Charlie.",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "tool", ToolCallID: "call-1", Content: "42"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "the answer is 42", res.Text)
	require.Len(t, res.ToolCalls, 1)
	require.Equal(t, "weather", res.ToolCalls[0].Name)
	require.Equal(t, map[string]any{"city": "Oslo"}, res.ToolCalls[0].Arguments)
}

func TestCompleteReturnsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(5*time.Second).Complete(context.Background(), Request{
		Provider: "openai",
		BaseURL:  srv.URL,
		APIKey:   "wrong",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})

	var provErr *Error
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, http.StatusUnauthorized, provErr.StatusCode)
	require.Contains(t, provErr.Body, "bad key")
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient(5*time.Second).Complete(context.Background(), Request{
		Provider: "openai",
		BaseURL:  srv.URL,
		APIKey:   "k",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
}
