// Package llm is a thin chat-completion client for the supported model
// providers. One request/response shape covers OpenAI-compatible APIs and
// Anthropic; Google is driven through its OpenAI-compatible endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const googleOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

type Message struct {
	Role       string     // system, user, assistant, tool
	Content    string
	ToolCallID string     // set on role=tool messages
	ToolCalls  []ToolCall // set on assistant messages that request tools
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Request struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	System   string
	Messages []Message
	Tools    []ToolDef
}

type Response struct {
	Text      string
	ToolCalls []ToolCall
}

type Error struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: http %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Client issues chat-completion calls. The zero value is not usable; use
// NewClient.
type Client struct {
	httpc *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{httpc: &http.Client{Timeout: timeout}}
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	switch strings.ToLower(strings.TrimSpace(req.Provider)) {
	case "anthropic":
		return c.completeAnthropic(ctx, req)
	case "google":
		if strings.TrimSpace(req.BaseURL) == "" {
			req.BaseURL = googleOpenAIBaseURL
		}
		return c.completeOpenAI(ctx, req)
	default:
		if strings.TrimSpace(req.BaseURL) == "" {
			req.BaseURL = "https://api.openai.com/v1"
		}
		return c.completeOpenAI(ctx, req)
	}
}

func (c *Client) completeOpenAI(ctx context.Context, req Request) (Response, error) {
	type oaToolCall struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	type oaMessage struct {
		Role       string       `json:"role"`
		Content    string       `json:"content"`
		ToolCallID string       `json:"tool_call_id,omitempty"`
		ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	}

	msgs := make([]oaMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, oaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		om := oaMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return Response{}, err
			}
			otc := oaToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(args)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		msgs = append(msgs, om)
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": msgs,
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  params,
				},
			})
		}
		body["tools"] = tools
	}

	raw, err := c.post(ctx, req.Provider, strings.TrimRight(req.BaseURL, "/")+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + req.APIKey,
	}, body)
	if err != nil {
		return Response{}, err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content   string       `json:"content"`
				ToolCalls []oaToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, err
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("llm %s: empty choices", req.Provider)
	}
	out := Response{Text: parsed.Choices[0].Message.Content}
	for _, tc := range parsed.Choices[0].Message.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

func (c *Client) completeAnthropic(ctx context.Context, req Request) (Response, error) {
	type anContent struct {
		Type      string         `json:"type"`
		Text      string         `json:"text,omitempty"`
		ID        string         `json:"id,omitempty"`
		Name      string         `json:"name,omitempty"`
		Input     map[string]any `json:"input,omitempty"`
		ToolUseID string         `json:"tool_use_id,omitempty"`
		Content   string         `json:"content,omitempty"`
	}
	type anMessage struct {
		Role    string      `json:"role"`
		Content []anContent `json:"content"`
	}

	msgs := make([]anMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "tool":
			msgs = append(msgs, anMessage{Role: "user", Content: []anContent{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}})
		case "assistant":
			blocks := []anContent{}
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
			}
			msgs = append(msgs, anMessage{Role: "assistant", Content: blocks})
		default:
			msgs = append(msgs, anMessage{Role: "user", Content: []anContent{{Type: "text", Text: m.Content}}})
		}
	}

	body := map[string]any{
		"model":      req.Model,
		"max_tokens": 4096,
		"messages":   msgs,
	}
	if strings.TrimSpace(req.System) != "" {
		body["system"] = req.System
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": params,
			})
		}
		body["tools"] = tools
	}

	base := strings.TrimRight(req.BaseURL, "/")
	if base == "" {
		base = "https://api.anthropic.com"
	}
	raw, err := c.post(ctx, req.Provider, base+"/v1/messages", map[string]string{
		"x-api-key":         req.APIKey,
		"anthropic-version": "2023-06-01",
	}, body)
	if err != nil {
		return Response{}, err
	}

	var parsed struct {
		Content []anContent `json:"content"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, err
	}
	var out Response
	var texts []string
	for _, blk := range parsed.Content {
		switch blk.Type {
		case "text":
			texts = append(texts, blk.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: blk.ID, Name: blk.Name, Arguments: blk.Input})
		}
	}
	out.Text = strings.Join(texts, "")
	return out, nil
}

func (c *Client) post(ctx context.Context, provider, url string, headers map[string]string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &Error{Provider: provider, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}
