package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Unregistered paths fall through to 404/405, so a 401 from the auth
// middleware proves the route is wired.
func TestAuthenticatedRoutesAreRegistered(t *testing.T) {
	h := NewRouter(Deps{})

	cases := []struct {
		method string
		path   string
	}{
		{"POST", "/v1/agent-components/create-from-qa"},
		{"POST", "/v1/workflows/" + uuid.NewString() + "/chat/stream"},
		{"GET", "/v1/mcp-servers/pending-changes"},
		{"POST", "/v1/connections/tools"},
		{"GET", "/v1/connections/" + uuid.NewString()},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}
