package flowgraph

// AgentNodeID returns the id of the first agent-bearing node.
func AgentNodeID(flow Flow) (string, bool) {
	for _, n := range graphNodes(flow) {
		node := nodeMap(n)
		if nodeType(node) == "Agent" {
			id, _ := node["id"].(string)
			return id, id != ""
		}
	}
	return "", false
}

// AgentSystemPrompt extracts the system prompt stored on the agent node.
func AgentSystemPrompt(flow Flow) (string, bool) {
	for _, n := range graphNodes(flow) {
		node := nodeMap(n)
		if nodeType(node) != "Agent" {
			continue
		}
		if f, ok := nodeTemplateFields(node)["system_prompt"].(map[string]any); ok {
			v, _ := f["value"].(string)
			return v, v != ""
		}
	}
	return "", false
}

// SetAgentSystemPrompt overwrites the system prompt on every agent node.
func SetAgentSystemPrompt(flow Flow, prompt string) {
	for _, n := range graphNodes(flow) {
		node := nodeMap(n)
		if nodeType(node) != "Agent" {
			continue
		}
		if f, ok := nodeTemplateFields(node)["system_prompt"].(map[string]any); ok {
			f["value"] = prompt
		}
	}
}

// SetAgentDisplayName renames the agent node on the canvas.
func SetAgentDisplayName(flow Flow, name string) {
	if name == "" {
		return
	}
	for _, n := range graphNodes(flow) {
		node := nodeMap(n)
		if nodeType(node) != "Agent" {
			continue
		}
		if nd, ok := dig(node, "data")["node"].(map[string]any); ok {
			nd["display_name"] = name
		}
	}
}

// ClassifyToolNodes maps each known tool id to the node ids implementing it.
func ClassifyToolNodes(flow Flow) map[string][]string {
	out := map[string][]string{}
	for _, n := range graphNodes(flow) {
		node := nodeMap(n)
		toolID, ok := ToolIDForNodeType(nodeType(node))
		if !ok {
			continue
		}
		id, _ := node["id"].(string)
		if id == "" {
			continue
		}
		out[toolID] = append(out[toolID], id)
	}
	return out
}

// RemoveNodes deletes the named nodes plus every edge touching them.
func RemoveNodes(flow Flow, ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}

	var nodes []any
	for _, n := range graphNodes(flow) {
		id, _ := nodeMap(n)["id"].(string)
		if drop[id] {
			continue
		}
		nodes = append(nodes, n)
	}
	setGraphNodes(flow, nodes)

	var edges []any
	for _, e := range graphEdges(flow) {
		edge := nodeMap(e)
		source, _ := edge["source"].(string)
		target, _ := edge["target"].(string)
		if drop[source] || drop[target] {
			continue
		}
		edges = append(edges, e)
	}
	setGraphEdges(flow, edges)
}
