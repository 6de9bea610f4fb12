package httpapi

import (
	"context"
	"encoding/json"
	"testing"

	"teachcharlie/internal/flowgraph"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Key format chosen to miss the value-pattern masks, so these tests cover
// field-name masking of the injected credential specifically.
const injectedTestKey = "totally-custom-provider-key-0001"

func injectedTestFlow(t *testing.T) flowgraph.Flow {
	t.Helper()
	template, err := flowgraph.LoadTemplate("agent_base")
	require.NoError(t, err)
	flow, _ := flowgraph.InjectSystemPrompt(template, "be helpful", "")
	return flowgraph.InjectLLMConfig(flow, "openai", injectedTestKey)
}

func TestWorkflowDTOMasksInjectedAPIKey(t *testing.T) {
	wf := workflow{ID: uuid.New(), ProjectID: uuid.New(), Name: "wf", FlowData: injectedTestFlow(t)}

	body, err := json.Marshal(wf.dto(true))
	require.NoError(t, err)
	require.NotContains(t, string(body), injectedTestKey)
	require.Contains(t, string(body), "***")

	// The cached graph keeps the key; the engine push path needs it.
	raw, err := json.Marshal(wf.FlowData)
	require.NoError(t, err)
	require.Contains(t, string(raw), injectedTestKey)
}

func TestAgentComponentDTOMasksInjectedAPIKey(t *testing.T) {
	c := agentComponent{ID: uuid.New(), ProjectID: uuid.New(), Name: "agent", FlowData: injectedTestFlow(t)}

	body, err := json.Marshal(c.dto(true))
	require.NoError(t, err)
	require.NotContains(t, string(body), injectedTestKey)

	raw, err := json.Marshal(c.FlowData)
	require.NoError(t, err)
	require.Contains(t, string(raw), injectedTestKey)
}

func TestEnsureConversationRejectsMalformedID(t *testing.T) {
	s := server{}

	_, _, err := s.ensureConversation(context.Background(), uuid.New(), uuid.New(), "not-a-uuid", "hi")
	require.ErrorIs(t, err, errInvalidConversationID)

	_, err = s.ensureComponentConversation(context.Background(), uuid.New(), uuid.New(), "also bad", "hi")
	require.ErrorIs(t, err, errInvalidConversationID)
}
