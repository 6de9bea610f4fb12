package httpapi

import (
	"testing"

	"teachcharlie/internal/toolhub"

	"github.com/stretchr/testify/require"
)

func TestConnectionAccountIdentifier(t *testing.T) {
	conn := toolhub.Connection{ConnectionParams: map[string]any{"email": "user@example.com"}}
	require.Equal(t, "user@example.com", connectionAccountIdentifier(conn))

	conn = toolhub.Connection{ConnectionParams: map[string]any{"username": "octocat"}}
	require.Equal(t, "octocat", connectionAccountIdentifier(conn))

	require.Empty(t, connectionAccountIdentifier(toolhub.Connection{}))
}
