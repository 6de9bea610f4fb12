package httpapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMCPConfigEntry(t *testing.T) {
	stdio := mcpServer{Transport: "stdio", Command: "npx", Args: []string{"-y", "mcp-server-github"}}
	entry := mcpConfigEntry(stdio, map[string]string{"GITHUB_TOKEN": "t"})
	require.Equal(t, "npx", entry["command"])
	require.Equal(t, []string{"-y", "mcp-server-github"}, entry["args"])
	require.Equal(t, map[string]string{"GITHUB_TOKEN": "t"}, entry["env"])
	require.NotContains(t, entry, "url")
	require.NotContains(t, entry, "ssl_verify")

	remote := mcpServer{
		Transport: "http",
		URL:       "https://mcp.example.com",
		Headers:   map[string]string{"Authorization": "Bearer t"},
		SSLVerify: false,
		UseCache:  true,
	}
	entry = mcpConfigEntry(remote, nil)
	require.Equal(t, "https://mcp.example.com", entry["url"])
	require.Equal(t, map[string]string{"Authorization": "Bearer t"}, entry["headers"])
	require.Equal(t, false, entry["ssl_verify"])
	require.Equal(t, true, entry["use_cache"])
	require.NotContains(t, entry, "command")
	require.NotContains(t, entry, "env")
}

func TestMCPServerRequestValidate(t *testing.T) {
	req := mcpServerRequest{Name: "gh", Transport: "stdio", Command: "npx", Headers: map[string]string{"X": "y"}}
	require.NotEmpty(t, req.validate())

	req = mcpServerRequest{Name: "remote", Transport: "sse", URL: "https://mcp.example.com"}
	require.Empty(t, req.validate())
	require.True(t, req.sslVerify())
	require.True(t, req.enabled())

	off := false
	req.SSLVerify = &off
	req.IsEnabled = &off
	require.False(t, req.sslVerify())
	require.False(t, req.enabled())
}
