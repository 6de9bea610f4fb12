// Package flowengine is a typed facade over the remote flow engine: CRUD on
// flows, synchronous runs, and health checks.
package flowengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Error carries the upstream status so the HTTP layer can map it to the
// engine-error envelope.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("flow engine: status %d: %s", e.StatusCode, e.Body)
}

type Options struct {
	BaseURL  string
	APIKey   string
	Username string
	Password string
	Timeout  time.Duration
}

type Client struct {
	baseURL  string
	apiKey   string
	username string
	password string
	httpc    *http.Client

	mu    sync.Mutex
	token string // cached bearer token from session bootstrap
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		username: opts.Username,
		password: opts.Password,
		httpc:    &http.Client{Timeout: timeout},
	}
}

// login attempts the session-bootstrap endpoint. Missing credentials are not
// an error; the API key header covers that case.
func (c *Client) login(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = out.AccessToken
	c.mu.Unlock()
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" && c.username != "" {
		if err := c.login(ctx); err == nil {
			c.mu.Lock()
			token = c.token
			c.mu.Unlock()
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

// doJSON issues a request with up to 3 attempts and exponential backoff on
// transient failures. 4xx responses are never retried.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.authorize(ctx, req)

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && c.username != "" {
			// Token may have expired; drop it and retry with a fresh login.
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			lastErr = &Error{StatusCode: resp.StatusCode, Body: truncate(string(raw), 500)}
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = &Error{StatusCode: resp.StatusCode, Body: truncate(string(raw), 500)}
			continue
		}
		if resp.StatusCode >= 400 {
			return &Error{StatusCode: resp.StatusCode, Body: truncate(string(raw), 500)}
		}

		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("flow engine: decode response: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// CreateFlow registers a new flow and returns the engine's id for it.
func (c *Client) CreateFlow(ctx context.Context, name, description string, data map[string]any) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/flows", map[string]any{
		"name":        name,
		"description": description,
		"data":        data,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("flow engine: create returned no id")
	}
	return out.ID, nil
}

// GetFlow fetches a flow document; the graph lives under "data".
func (c *Client) GetFlow(ctx context.Context, flowID string) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/flows/"+flowID, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateFlow patches a flow; callers pass only the fields to change.
func (c *Client) UpdateFlow(ctx context.Context, flowID string, patch map[string]any) error {
	return c.doJSON(ctx, http.MethodPatch, "/flows/"+flowID, patch, nil)
}

// DeleteFlow removes a flow from the engine.
func (c *Client) DeleteFlow(ctx context.Context, flowID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/flows/"+flowID, nil, nil)
}

type runResponse struct {
	SessionID string `json:"session_id"`
	Outputs   []struct {
		Outputs []struct {
			Results struct {
				Message struct {
					Text string `json:"text"`
				} `json:"message"`
			} `json:"results"`
		} `json:"outputs"`
	} `json:"outputs"`
}

// Run executes a flow synchronously and extracts the reply text from the
// engine's nested output shape. Returns (text, session id).
func (c *Client) Run(ctx context.Context, flowID, input, sessionID string) (string, string, error) {
	body := map[string]any{
		"input_value": input,
		"input_type":  "chat",
		"output_type": "chat",
	}
	if sessionID != "" {
		body["session_id"] = sessionID
	}

	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, "/run/"+flowID+"?stream=false", body, &raw); err != nil {
		return "", "", err
	}

	var out runResponse
	if err := json.Unmarshal(raw, &out); err == nil {
		if len(out.Outputs) > 0 && len(out.Outputs[0].Outputs) > 0 {
			if text := out.Outputs[0].Outputs[0].Results.Message.Text; text != "" {
				sid := out.SessionID
				if sid == "" {
					sid = sessionID
				}
				return text, sid, nil
			}
		}
	}
	// Shape drifted; better to hand back something than nothing.
	return string(raw), sessionID, nil
}

// Health returns nil when the engine responds 200 on its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode, Body: "unhealthy"}
	}
	return nil
}
