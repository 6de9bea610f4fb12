// Package toolhub talks to the external tool provider: OAuth connection
// lifecycle and per-entity tool listing/execution.
package toolhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider-side connection states.
const (
	StatusActive  = "ACTIVE"
	StatusFailed  = "FAILED"
	StatusExpired = "EXPIRED"
	StatusPending = "INITIATED"
)

type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool provider: status %d: %s", e.StatusCode, e.Body)
}

// ConnectionRequest is the provider's answer to an OAuth initiation.
type ConnectionRequest struct {
	ID          string `json:"connectedAccountId"`
	RedirectURL string `json:"redirectUrl"`
}

// Connection is the provider-side view of a connected account.
type Connection struct {
	ID               string         `json:"id"`
	Status           string         `json:"status"`
	AppName          string         `json:"appName"`
	ConnectionParams map[string]any `json:"connectionParams"`
}

// Tool describes a callable action exposed by a connected app.
type Tool struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Description string         `json:"description"`
	AppName     string         `json:"appName"`
	Parameters  map[string]any `json:"parameters"`
}

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	cache   *toolCache
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		cache:   newToolCache(5 * time.Minute),
	}
}

// Configured reports whether a provider API key is present. Without one the
// chat executor must fail with a configuration error before any tool work.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		msg := string(raw)
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return &Error{StatusCode: resp.StatusCode, Body: msg}
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// InitiateConnection starts the OAuth dance for an app on behalf of an
// entity and returns the provider's connection id plus the redirect URL.
func (c *Client) InitiateConnection(ctx context.Context, appName, entityID, redirectURL string) (ConnectionRequest, error) {
	body := map[string]any{
		"appName":  appName,
		"entityId": entityID,
	}
	if redirectURL != "" {
		body["redirectUri"] = redirectURL
	}
	var out ConnectionRequest
	if err := c.do(ctx, http.MethodPost, "/api/v1/connectedAccounts", body, &out); err != nil {
		return ConnectionRequest{}, err
	}
	return out, nil
}

// GetConnection looks up the provider-side state of a connection.
func (c *Client) GetConnection(ctx context.Context, providerConnID string) (Connection, error) {
	var out Connection
	if err := c.do(ctx, http.MethodGet, "/api/v1/connectedAccounts/"+url.PathEscape(providerConnID), nil, &out); err != nil {
		return Connection{}, err
	}
	return out, nil
}

// RevokeConnection deletes the provider-side connection. Best-effort at the
// call sites; a dangling provider record only wastes a slot.
func (c *Client) RevokeConnection(ctx context.Context, providerConnID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/connectedAccounts/"+url.PathEscape(providerConnID), nil, nil)
}

// ListTools returns the tool descriptors for the given apps. Results are
// served from a short-lived cache keyed by the app set.
func (c *Client) ListTools(ctx context.Context, appNames []string) ([]Tool, error) {
	key := strings.Join(appNames, ",")
	if tools, ok := c.cache.get(key); ok {
		return tools, nil
	}

	q := url.Values{}
	if len(appNames) > 0 {
		q.Set("appNames", strings.Join(appNames, ","))
	}
	var out struct {
		Items []Tool `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/actions?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	c.cache.put(key, out.Items)
	return out.Items, nil
}

// ExecuteTool runs a tool call scoped to the given entity id. Every call
// carries the entity as user_id and skips the provider's version check.
func (c *Client) ExecuteTool(ctx context.Context, toolName, entityID string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	body := map[string]any{
		"entityId":         entityID,
		"userId":           entityID,
		"input":            args,
		"skipVersionCheck": true,
	}
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, "/api/v1/actions/"+url.PathEscape(toolName)+"/execute", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
