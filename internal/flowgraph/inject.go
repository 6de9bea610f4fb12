package flowgraph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// nodeID derives a stable node id from the component type and a seed, so the
// same inputs always produce the same graph.
func nodeID(componentType, seed string) string {
	sum := sha256.Sum256([]byte(componentType + ":" + seed))
	return componentType + "-" + hex.EncodeToString(sum[:])[:5]
}

// handleString renders a handle as the canvas's stringified form, which uses
// 'œ' (U+0153) in place of double quotes to avoid JSON escaping issues.
func handleString(handle map[string]any) string {
	b, err := json.Marshal(handle)
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(string(b), `"`, "œ")
}

// CloneFlow deep-copies a flow via a JSON round trip.
func CloneFlow(flow Flow) Flow {
	b, err := json.Marshal(flow)
	if err != nil {
		return Flow{}
	}
	var out Flow
	if err := json.Unmarshal(b, &out); err != nil {
		return Flow{}
	}
	return out
}

func graphNodes(flow Flow) []any {
	nodes, _ := dig(flow, "data")["nodes"].([]any)
	return nodes
}

func graphEdges(flow Flow) []any {
	edges, _ := dig(flow, "data")["edges"].([]any)
	return edges
}

func setGraphNodes(flow Flow, nodes []any) {
	if data, ok := flow["data"].(map[string]any); ok {
		data["nodes"] = nodes
	}
}

func setGraphEdges(flow Flow, edges []any) {
	if data, ok := flow["data"].(map[string]any); ok {
		data["edges"] = edges
	}
}

func nodeMap(n any) map[string]any {
	m, _ := n.(map[string]any)
	return m
}

func nodeType(n map[string]any) string {
	t, _ := dig(n, "data")["type"].(string)
	return t
}

func nodeTemplateFields(n map[string]any) map[string]any {
	return dig(n, "data", "node", "template")
}

// createToolEdge wires a tool node's output to the agent node's tools input.
func createToolEdge(toolNodeID, toolType string, edgeOutput map[string]any, agentNodeID string) map[string]any {
	outputName, _ := edgeOutput["name"].(string)
	if outputName == "" {
		outputName = "component_as_tool"
	}
	outputTypes, _ := edgeOutput["output_types"].([]any)
	if outputTypes == nil {
		outputTypes = []any{"Tool"}
	}

	sourceHandle := map[string]any{
		"dataType":     toolType,
		"id":           toolNodeID,
		"name":         outputName,
		"output_types": outputTypes,
	}
	targetHandle := map[string]any{
		"fieldName":  "tools",
		"id":         agentNodeID,
		"inputTypes": []any{"Tool"},
		"type":       "other",
	}

	sourceStr := handleString(sourceHandle)
	targetStr := handleString(targetHandle)

	return map[string]any{
		"animated":  false,
		"className": "",
		"data": map[string]any{
			"sourceHandle": sourceHandle,
			"targetHandle": targetHandle,
		},
		"id":           "reactflow__edge-" + toolNodeID + sourceStr + "-" + agentNodeID + targetStr,
		"selected":     false,
		"source":       toolNodeID,
		"sourceHandle": sourceStr,
		"target":       agentNodeID,
		"targetHandle": targetStr,
	}
}

// InjectTools adds one node per selected tool and wires each to the agent
// node. Idempotent: tools whose node type is already present are skipped.
// Returns the flow and a bullet-list description for the system prompt.
func InjectTools(flow Flow, selectedTools []string, agentNodeID, knowledgeContent string) (Flow, string) {
	if len(selectedTools) == 0 {
		return flow, ""
	}

	present := map[string]bool{}
	for _, n := range graphNodes(flow) {
		if toolID, ok := ToolIDForNodeType(nodeType(nodeMap(n))); ok {
			present[toolID] = true
		}
	}

	var descParts []string
	yOffset := 350.0 // below the agent; tools stack downward

	nodes := graphNodes(flow)
	edges := graphEdges(flow)

	for _, toolID := range selectedTools {
		if present[toolID] {
			continue
		}
		tpl, ok := loadToolTemplate(toolID)
		if !ok {
			continue
		}

		componentType, _ := tpl["component_type"].(string)
		id := nodeID(componentType, toolID)

		nodeAny, _ := tpl["node"].(map[string]any)
		node := CloneFlow(nodeAny)
		node["id"] = id
		if data, ok := node["data"].(map[string]any); ok {
			data["id"] = id
		}
		node["position"] = map[string]any{"x": 100.0, "y": yOffset}
		yOffset += 150

		if toolID == "knowledge_search" && knowledgeContent != "" {
			fields := dig(node, "data", "node", "template")
			if f, ok := fields["knowledge_content"].(map[string]any); ok {
				f["value"] = knowledgeContent
			}
		}

		nodes = append(nodes, node)

		edgeOutput, _ := tpl["edge_output"].(map[string]any)
		if edgeOutput == nil {
			edgeOutput = map[string]any{"name": "component_as_tool", "output_types": []any{"Tool"}}
		}
		edges = append(edges, createToolEdge(id, componentType, edgeOutput, agentNodeID))

		displayName, _ := tpl["display_name"].(string)
		if displayName == "" {
			displayName = toolID
		}
		description, _ := tpl["description"].(string)
		descParts = append(descParts, "- "+displayName+": "+description)
		present[toolID] = true
	}

	setGraphNodes(flow, nodes)
	setGraphEdges(flow, edges)
	return flow, strings.Join(descParts, "\n")
}

// InjectLLMConfig writes the provider, model and API key slots on the agent
// node so the engine resolves the user's key at run time.
func InjectLLMConfig(flow Flow, provider, apiKey string) Flow {
	cfg := Provider(strings.ToLower(provider))

	for _, n := range graphNodes(flow) {
		node := nodeMap(n)
		if nodeType(node) != "Agent" {
			continue
		}
		fields := nodeTemplateFields(node)

		if f, ok := fields["agent_llm"].(map[string]any); ok {
			f["value"] = cfg.AgentLLM
		}
		if f, ok := fields["model_name"].(map[string]any); ok {
			f["value"] = cfg.ModelName
			opts := make([]any, 0, len(cfg.ModelOptions))
			for _, o := range cfg.ModelOptions {
				opts = append(opts, o)
			}
			f["options"] = opts
		}
		if f, ok := fields["api_key"].(map[string]any); ok && apiKey != "" {
			f["value"] = apiKey
			f["display_name"] = cfg.AgentLLM + " API Key"
		}
		if f, ok := fields["base_url"].(map[string]any); ok && cfg.BaseURL != "" {
			f["value"] = cfg.BaseURL
		}
		break
	}
	return flow
}

// InjectSystemPrompt deep-copies the template, writes the prompt into the
// agent node, optionally renames it, and re-ids the chat scaffold nodes so
// multiple flows created from one template do not collide. Returns the new
// flow and the agent node's id.
func InjectSystemPrompt(template Flow, systemPrompt, agentDisplayName string) (Flow, string) {
	flow := CloneFlow(template)

	idMapping := map[string]string{}
	agentNodeID := ""

	for _, n := range graphNodes(flow) {
		node := nodeMap(n)
		data, _ := node["data"].(map[string]any)
		if data == nil {
			continue
		}
		t := nodeType(node)
		oldID, _ := node["id"].(string)

		switch t {
		case "Agent":
			fields := nodeTemplateFields(node)
			if f, ok := fields["system_prompt"].(map[string]any); ok {
				f["value"] = systemPrompt
			}
			if agentDisplayName != "" {
				if nd, ok := data["node"].(map[string]any); ok {
					nd["display_name"] = agentDisplayName
				}
			}
			newID := nodeID("Agent", oldID)
			idMapping[oldID] = newID
			node["id"] = newID
			data["id"] = newID
			agentNodeID = newID

		case "ChatInput", "ChatOutput":
			newID := nodeID(t, oldID)
			idMapping[oldID] = newID
			node["id"] = newID
			data["id"] = newID
		}
	}

	for _, e := range graphEdges(flow) {
		edge := nodeMap(e)
		oldSource, _ := edge["source"].(string)
		oldTarget, _ := edge["target"].(string)

		if newSource, ok := idMapping[oldSource]; ok {
			edge["source"] = newSource
			if h, ok := dig(edge, "data")["sourceHandle"].(map[string]any); ok {
				h["id"] = newSource
			}
			if s, ok := edge["sourceHandle"].(string); ok {
				edge["sourceHandle"] = strings.ReplaceAll(s, oldSource, newSource)
			}
		}
		if newTarget, ok := idMapping[oldTarget]; ok {
			edge["target"] = newTarget
			if h, ok := dig(edge, "data")["targetHandle"].(map[string]any); ok {
				h["id"] = newTarget
			}
			if s, ok := edge["targetHandle"].(string); ok {
				edge["targetHandle"] = strings.ReplaceAll(s, oldTarget, newTarget)
			}
		}
	}

	return flow, agentNodeID
}

// QAInput carries everything needed to build a flow from the Q&A wizard.
type QAInput struct {
	Who              string
	Rules            string
	Tricks           string
	SelectedTools    []string
	TemplateName     string
	LLMProvider      string
	APIKey           string
	AgentDisplayName string
	KnowledgeContent string
}

// CreateFlowFromQA builds a complete flow from Q&A answers. Returns the flow,
// the generated system prompt, and the auto-generated agent name.
func CreateFlowFromQA(in QAInput) (Flow, string, string, error) {
	template, err := LoadTemplate(in.TemplateName)
	if err != nil {
		return nil, "", "", err
	}

	flow, agentNodeID := InjectSystemPrompt(template, "", in.AgentDisplayName)

	if in.APIKey != "" {
		flow = InjectLLMConfig(flow, in.LLMProvider, in.APIKey)
	}

	flow, toolsDescription := InjectTools(flow, in.SelectedTools, agentNodeID, in.KnowledgeContent)

	systemPrompt := GenerateSystemPrompt(in.Who, in.Rules, in.Tricks, toolsDescription)
	SetAgentSystemPrompt(flow, systemPrompt)

	return flow, systemPrompt, GenerateAgentName(in.Who), nil
}
