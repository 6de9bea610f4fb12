package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAPIKey(t *testing.T) {
	a, err := NewAPIKey()
	require.NoError(t, err)
	b, err := NewAPIKey()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 43) // 32 bytes, base64url without padding
}

func TestHashAPIKey(t *testing.T) {
	h1 := HashAPIKey("pepper", "key")
	h2 := HashAPIKey("pepper", "key")
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)

	require.NotEqual(t, h1, HashAPIKey("other", "key"))
	require.NotEqual(t, h1, HashAPIKey("pepper", "other"))

	// Pepper and key must not be collapsible into each other.
	require.NotEqual(t, HashAPIKey("ab", "c"), HashAPIKey("a", "bc"))
}
