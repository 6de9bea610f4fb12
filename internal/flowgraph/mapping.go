// Package flowgraph converts guided Q&A answers into executable flow graphs
// and edits existing graphs in place. It is the only package that understands
// the structure of flow_data; everywhere else the graph is an opaque blob.
//
// All transformations are deterministic: identical inputs produce identical
// graphs, including generated node and edge ids.
package flowgraph

// Flow is a decoded flow_data document.
type Flow = map[string]any

// toolTemplateFiles maps a tool id to its template file under templates/tools.
var toolTemplateFiles = map[string]string{
	// Primary tools
	"web_search":        "tavily",
	"calculator":        "calculator",
	"weather":           "open_meteo",
	"knowledge_search":  "knowledge_retriever",
	"composio_all_apps": "composio",
	// Legacy tools kept for backwards compatibility
	"duckduckgo":  "web_search",
	"langsearch":  "langsearch",
	"url_reader":  "url_reader",
	"google_maps": "google_maps",
}

// nodeTypeToTool is the inverse table: component type -> tool id. Used to
// classify tool nodes already present in a fetched graph.
var nodeTypeToTool = map[string]string{
	"TavilySearchComponent":       "web_search",
	"CalculatorComponent":         "calculator",
	"OpenMeteoComponent":          "weather",
	"KnowledgeRetrieverComponent": "knowledge_search",
	"ComposioComponent":           "composio_all_apps",
	"DuckDuckGoSearchComponent":   "duckduckgo",
	"LangSearchComponent":         "langsearch",
	"URLComponent":                "url_reader",
	"GoogleMapsComponent":         "google_maps",
}

// ToolIDForNodeType classifies a node type as one of the known tools.
func ToolIDForNodeType(nodeType string) (string, bool) {
	id, ok := nodeTypeToTool[nodeType]
	return id, ok
}

// KnownTool reports whether the given tool id has a template.
func KnownTool(toolID string) bool {
	_, ok := toolTemplateFiles[toolID]
	return ok
}

// ProviderConfig describes how a model provider is wired into the Agent node.
type ProviderConfig struct {
	AgentLLM     string
	ModelName    string
	ModelOptions []string
	BaseURL      string
}

var providerConfigs = map[string]ProviderConfig{
	"openai": {
		AgentLLM:     "OpenAI",
		ModelName:    "gpt-4o-mini",
		ModelOptions: []string{"gpt-4o-mini", "gpt-4o", "gpt-4-turbo", "gpt-3.5-turbo"},
		BaseURL:      "https://api.openai.com/v1",
	},
	"anthropic": {
		AgentLLM:     "Anthropic",
		ModelName:    "claude-3-haiku-20240307",
		ModelOptions: []string{"claude-3-haiku-20240307", "claude-3-5-sonnet-20241022", "claude-3-opus-20240229"},
		BaseURL:      "https://api.anthropic.com",
	},
	"google": {
		AgentLLM:     "Google Generative AI",
		ModelName:    "gemini-1.5-flash",
		ModelOptions: []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-2.0-flash-exp"},
		BaseURL:      "",
	},
}

// Provider returns the wiring for a provider name, defaulting to OpenAI for
// unrecognized providers.
func Provider(name string) ProviderConfig {
	if cfg, ok := providerConfigs[name]; ok {
		return cfg
	}
	return providerConfigs["openai"]
}
