package plans

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	p, ok := Get("free")
	require.True(t, ok)
	require.Equal(t, 1, p.Limits.Agents)

	p, ok = Get("  Business ")
	require.True(t, ok)
	require.Equal(t, -1, p.Limits.Workflows)

	_, ok = Get("enterprise")
	require.False(t, ok)
}

func TestSatisfies(t *testing.T) {
	require.True(t, Satisfies("free", "free"))
	require.True(t, Satisfies("individual", "free"))
	require.True(t, Satisfies("business", "individual"))
	require.False(t, Satisfies("free", "individual"))
	require.False(t, Satisfies("individual", "business"))

	// Unknown plan ids are treated as free.
	require.True(t, Satisfies("mystery", "free"))
	require.False(t, Satisfies("mystery", "individual"))
	require.True(t, Satisfies("business", "mystery"))
}

func TestAllows(t *testing.T) {
	require.True(t, Allows(2, 0))
	require.True(t, Allows(2, 1))
	require.False(t, Allows(2, 2))
	require.False(t, Allows(0, 0))
	require.True(t, Allows(-1, 1_000_000))
}
