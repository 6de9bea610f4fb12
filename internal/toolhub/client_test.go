package toolhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigured(t *testing.T) {
	require.False(t, New("http://x", "").Configured())
	require.True(t, New("http://x", "k").Configured())
}

func TestInitiateConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/connectedAccounts", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("x-api-key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gmail", body["appName"])
		require.Equal(t, "entity-1", body["entityId"])
		require.Equal(t, "https://app/callback", body["redirectUri"])

		_, _ = w.Write([]byte(`{"connectedAccountId":"conn-1","redirectUrl":"https://provider/oauth"}`))
	}))
	defer srv.Close()

	conn, err := New(srv.URL, "key").InitiateConnection(context.Background(), "gmail", "entity-1", "https://app/callback")
	require.NoError(t, err)
	require.Equal(t, "conn-1", conn.ID)
	require.Equal(t, "https://provider/oauth", conn.RedirectURL)
}

func TestGetConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "key").GetConnection(context.Background(), "conn-x")
	var provErr *Error
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, http.StatusNotFound, provErr.StatusCode)
}

func TestListToolsUsesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "gmail,slack", r.URL.Query().Get("appNames"))
		_, _ = w.Write([]byte(`{"items":[{"name":"GMAIL_SEND_EMAIL","appName":"gmail"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key")

	tools, err := c.ListTools(context.Background(), []string{"gmail", "slack"})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "GMAIL_SEND_EMAIL", tools[0].Name)

	// Second call with the same app set is served from cache.
	_, err = c.ListTools(context.Background(), []string{"gmail", "slack"})
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestExecuteTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/actions/GMAIL_SEND_EMAIL/execute", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "entity-1", body["entityId"])
		require.Equal(t, "entity-1", body["userId"])
		require.Equal(t, true, body["skipVersionCheck"])
		require.Equal(t, map[string]any{"to": "a@b.c"}, body["input"])

		_, _ = w.Write([]byte(`{"successful":true}`))
	}))
	defer srv.Close()

	out, err := New(srv.URL, "key").ExecuteTool(context.Background(), "GMAIL_SEND_EMAIL", "entity-1", map[string]any{"to": "a@b.c"})
	require.NoError(t, err)
	require.Equal(t, true, out["successful"])
}

func TestAppCatalog(t *testing.T) {
	require.NotEmpty(t, AppCatalog)

	app, ok := AppByName("gmail")
	require.True(t, ok)
	require.Equal(t, "gmail", app.Name)

	_, ok = AppByName("myspace")
	require.False(t, ok)
}
