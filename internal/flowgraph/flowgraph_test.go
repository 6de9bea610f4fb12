package flowgraph

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSystemPrompt(t *testing.T) {
	p := GenerateSystemPrompt("a friendly pirate", "Always say arr", "Speak in rhymes", "")
	require.True(t, strings.HasPrefix(p, "You are a friendly pirate."))
	require.Contains(t, p, "## Your Rules and Knowledge\nAlways say arr")
	require.Contains(t, p, "## Your Tricks\nSpeak in rhymes")
	require.NotContains(t, p, "## Your Tools")

	p = GenerateSystemPrompt("a helper", "be nice", "", "- Calculator: math")
	require.NotContains(t, p, "## Your Tricks")
	require.Contains(t, p, "## Your Tools")
	require.Contains(t, p, "- Calculator: math")
}

func TestGenerateAgentName(t *testing.T) {
	require.Equal(t, "Email Charlie", GenerateAgentName("An Email Assistant"))
	require.Equal(t, "Friendly Pirate Charlie", GenerateAgentName("Friendly Pirate"))
	require.Equal(t, "My Charlie", GenerateAgentName("   "))

	// Long answers fall back to the first three words.
	name := GenerateAgentName("someone who knows everything about wine pairing")
	require.Equal(t, "someone who knows Charlie", name)
}

func TestLoadTemplate(t *testing.T) {
	flow, err := LoadTemplate("agent_base")
	require.NoError(t, err)
	require.NotEmpty(t, graphNodes(flow))

	// Empty name selects the default template.
	def, err := LoadTemplate("")
	require.NoError(t, err)
	require.NotEmpty(t, graphNodes(def))

	_, err = LoadTemplate("no_such_template")
	require.ErrorAs(t, err, &ErrTemplateNotFound{})

	_, err = LoadTemplate("../templates/agent_base")
	require.Error(t, err)
}

func TestListTemplates(t *testing.T) {
	names := ListTemplates()
	require.Contains(t, names, "agent_base")
	require.Contains(t, names, "support_bot")
}

func TestInjectSystemPromptIsDeterministic(t *testing.T) {
	template, err := LoadTemplate("agent_base")
	require.NoError(t, err)

	a, agentA := InjectSystemPrompt(template, "prompt one", "Tester")
	b, agentB := InjectSystemPrompt(template, "prompt one", "Tester")
	require.Equal(t, agentA, agentB)

	aj, err := json.Marshal(a)
	require.NoError(t, err)
	bj, err := json.Marshal(b)
	require.NoError(t, err)
	require.JSONEq(t, string(aj), string(bj))
}

func TestInjectSystemPromptRewiresEdges(t *testing.T) {
	template, err := LoadTemplate("agent_base")
	require.NoError(t, err)

	flow, agentID := InjectSystemPrompt(template, "hello", "")
	require.NotEmpty(t, agentID)

	prompt, ok := AgentSystemPrompt(flow)
	require.True(t, ok)
	require.Equal(t, "hello", prompt)

	// No edge may reference a node id that no longer exists.
	ids := map[string]bool{}
	for _, n := range graphNodes(flow) {
		id, _ := nodeMap(n)["id"].(string)
		ids[id] = true
	}
	for _, e := range graphEdges(flow) {
		edge := nodeMap(e)
		source, _ := edge["source"].(string)
		target, _ := edge["target"].(string)
		require.True(t, ids[source], "dangling edge source %s", source)
		require.True(t, ids[target], "dangling edge target %s", target)
	}
}

func TestInjectLLMConfig(t *testing.T) {
	template, err := LoadTemplate("agent_base")
	require.NoError(t, err)
	flow, _ := InjectSystemPrompt(template, "x", "")

	flow = InjectLLMConfig(flow, "anthropic", "sk-test")

	var fields map[string]any
	for _, n := range graphNodes(flow) {
		node := nodeMap(n)
		if nodeType(node) == "Agent" {
			fields = nodeTemplateFields(node)
		}
	}
	require.NotNil(t, fields)
	require.Equal(t, "Anthropic", dig(fields, "agent_llm")["value"])
	require.Equal(t, "claude-3-haiku-20240307", dig(fields, "model_name")["value"])
	require.Equal(t, "sk-test", dig(fields, "api_key")["value"])
	require.Equal(t, "https://api.anthropic.com", dig(fields, "base_url")["value"])
}

func TestInjectToolsIsIdempotent(t *testing.T) {
	template, err := LoadTemplate("agent_base")
	require.NoError(t, err)
	flow, agentID := InjectSystemPrompt(template, "x", "")

	before := len(graphNodes(flow))
	flow, desc := InjectTools(flow, []string{"calculator"}, agentID, "")
	require.Equal(t, before+1, len(graphNodes(flow)))
	require.Contains(t, desc, "Calculator")

	flow, desc = InjectTools(flow, []string{"calculator"}, agentID, "")
	require.Equal(t, before+1, len(graphNodes(flow)))
	require.Empty(t, desc)
}

func TestInjectToolsSkipsUnknown(t *testing.T) {
	template, err := LoadTemplate("agent_base")
	require.NoError(t, err)
	flow, agentID := InjectSystemPrompt(template, "x", "")

	before := len(graphNodes(flow))
	flow, desc := InjectTools(flow, []string{"not_a_tool"}, agentID, "")
	require.Equal(t, before, len(graphNodes(flow)))
	require.Empty(t, desc)
}

func TestClassifyAndRemoveToolNodes(t *testing.T) {
	template, err := LoadTemplate("agent_base")
	require.NoError(t, err)
	flow, agentID := InjectSystemPrompt(template, "x", "")
	flow, _ = InjectTools(flow, []string{"calculator", "weather"}, agentID, "")

	byTool := ClassifyToolNodes(flow)
	require.Len(t, byTool["calculator"], 1)
	require.Len(t, byTool["weather"], 1)

	edgesBefore := len(graphEdges(flow))
	RemoveNodes(flow, byTool["calculator"])

	byTool = ClassifyToolNodes(flow)
	require.Empty(t, byTool["calculator"])
	require.Len(t, byTool["weather"], 1)
	require.Equal(t, edgesBefore-1, len(graphEdges(flow)))
}

func TestCloneFlowIsDeep(t *testing.T) {
	template, err := LoadTemplate("agent_base")
	require.NoError(t, err)

	clone := CloneFlow(template)
	SetAgentSystemPrompt(clone, "mutated")

	orig, _ := AgentSystemPrompt(template)
	require.NotEqual(t, "mutated", orig)
}

func TestCreateFlowFromQA(t *testing.T) {
	flow, prompt, name, err := CreateFlowFromQA(QAInput{
		Who:           "a travel planner",
		Rules:         "Only suggest destinations in Europe",
		SelectedTools: []string{"web_search"},
		LLMProvider:   "openai",
		APIKey:        "sk-abc",
	})
	require.NoError(t, err)
	require.Contains(t, prompt, "a travel planner")
	require.Contains(t, prompt, "Only suggest destinations in Europe")
	require.Contains(t, prompt, "## Your Tools")
	require.NotEmpty(t, name)

	stored, ok := AgentSystemPrompt(flow)
	require.True(t, ok)
	require.Equal(t, prompt, stored)

	byTool := ClassifyToolNodes(flow)
	require.Len(t, byTool["web_search"], 1)
}

func TestProviderFallsBackToOpenAI(t *testing.T) {
	cfg := Provider("unknown")
	require.Equal(t, "OpenAI", cfg.AgentLLM)

	google := Provider("google")
	require.Empty(t, google.BaseURL)
}

func TestKnownTool(t *testing.T) {
	require.True(t, KnownTool("composio_all_apps"))
	require.False(t, KnownTool("shell_exec"))
}
