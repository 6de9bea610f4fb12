package flowengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testClient(url string) *Client {
	return New(Options{BaseURL: url, APIKey: "test-key", Timeout: 5 * time.Second})
}

func TestCreateFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/flows", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "My Flow", body["name"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"flow-123"}`))
	}))
	defer srv.Close()

	id, err := testClient(srv.URL).CreateFlow(context.Background(), "My Flow", "desc", map[string]any{"data": map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, "flow-123", id)
}

func TestCreateFlowMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).CreateFlow(context.Background(), "x", "", nil)
	require.Error(t, err)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"bad graph"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).CreateFlow(context.Background(), "x", "", nil)

	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	require.Equal(t, http.StatusUnprocessableEntity, engineErr.StatusCode)
	require.Contains(t, engineErr.Body, "bad graph")
	require.Equal(t, int32(1), calls.Load())
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"flow-after-retries"}`))
	}))
	defer srv.Close()

	id, err := testClient(srv.URL).CreateFlow(context.Background(), "x", "", nil)
	require.NoError(t, err)
	require.Equal(t, "flow-after-retries", id)
	require.Equal(t, int32(3), calls.Load())
}

func TestUnauthorizedTriggersRelogin(t *testing.T) {
	var flowCalls, loginCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			loginCalls.Add(1)
			_, _ = w.Write([]byte(`{"access_token":"tok-` + time.Now().Format("150405.000") + `"}`))
		case "/flows":
			if flowCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			require.NotEmpty(t, r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"id":"flow-ok"}`))
		}
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Username: "admin", Password: "pw", Timeout: 5 * time.Second})
	id, err := c.CreateFlow(context.Background(), "x", "", nil)
	require.NoError(t, err)
	require.Equal(t, "flow-ok", id)
	require.GreaterOrEqual(t, loginCalls.Load(), int32(2))
}

func TestRunExtractsReplyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/run/flow-1", r.URL.Path)
		require.Equal(t, "false", r.URL.Query().Get("stream"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "hello", body["input_value"])
		require.Equal(t, "sess-1", body["session_id"])

		_, _ = w.Write([]byte(`{
			"session_id": "sess-1",
			"outputs": [{"outputs": [{"results": {"message": {"text": "hi there"}}}]}]
		}`))
	}))
	defer srv.Close()

	text, sid, err := testClient(srv.URL).Run(context.Background(), "flow-1", "hello", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "hi there", text)
	require.Equal(t, "sess-1", sid)
}

func TestRunUnknownShapeReturnsRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"something":"else"}`))
	}))
	defer srv.Close()

	text, sid, err := testClient(srv.URL).Run(context.Background(), "f", "in", "s")
	require.NoError(t, err)
	require.JSONEq(t, `{"something":"else"}`, text)
	require.Equal(t, "s", sid)
}

func TestDeleteFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/flows/flow-9", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv.URL).DeleteFlow(context.Background(), "flow-9"))
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv.URL).Health(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	err := testClient(down.URL).Health(context.Background())
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
}

func TestTransportErrorIsReturnedRaw(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	_, err := c.CreateFlow(context.Background(), "x", "", nil)
	require.Error(t, err)
	var engineErr *Error
	require.False(t, errors.As(err, &engineErr))
}
