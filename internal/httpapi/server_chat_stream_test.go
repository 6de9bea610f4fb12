package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"teachcharlie/internal/flowgraph"

	"github.com/stretchr/testify/require"
)

func TestWorkflowSystemPrompt(t *testing.T) {
	template, err := flowgraph.LoadTemplate("agent_base")
	require.NoError(t, err)
	flow, _ := flowgraph.InjectSystemPrompt(template, "answer like a pirate", "")
	require.Equal(t, "answer like a pirate", workflowSystemPrompt(flow))

	// Graphs without an agent node still get a usable prompt.
	require.Equal(t, "You are a helpful assistant.", workflowSystemPrompt(flowgraph.Flow{}))
}

func TestStatusCapturingWriterKeepsFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	var w http.ResponseWriter = &statusCapturingResponseWriter{ResponseWriter: rec}

	f, ok := w.(http.Flusher)
	require.True(t, ok)
	f.Flush()
	require.True(t, rec.Flushed)
}
