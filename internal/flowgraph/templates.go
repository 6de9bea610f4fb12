package flowgraph

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

//go:embed templates
var templateFS embed.FS

// ErrTemplateNotFound is returned for unknown template names.
type ErrTemplateNotFound struct{ Name string }

func (e ErrTemplateNotFound) Error() string {
	return fmt.Sprintf("template %q not found", e.Name)
}

// LoadTemplate loads a packaged flow template by name (without extension).
func LoadTemplate(name string) (Flow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "agent_base"
	}
	// Template names are a closed set; reject anything path-like.
	if strings.ContainsAny(name, "/\\.") {
		return nil, ErrTemplateNotFound{Name: name}
	}
	raw, err := templateFS.ReadFile("templates/" + name + ".json")
	if err != nil {
		return nil, ErrTemplateNotFound{Name: name}
	}
	var flow Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return nil, fmt.Errorf("template %q: invalid json: %w", name, err)
	}
	return flow, nil
}

// ListTemplates returns the packaged template names, sorted.
func ListTemplates() []string {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(out)
	return out
}

// loadToolTemplate loads the component template for a tool id. Unknown ids
// and unreadable templates return ok=false; callers skip those tools.
func loadToolTemplate(toolID string) (map[string]any, bool) {
	file, ok := toolTemplateFiles[toolID]
	if !ok {
		return nil, false
	}
	raw, err := templateFS.ReadFile("templates/tools/" + file + ".json")
	if err != nil {
		return nil, false
	}
	var tpl map[string]any
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return nil, false
	}

	// Apply default values if the template declares them.
	if defaults, ok := tpl["default_values"].(map[string]any); ok {
		fields := dig(tpl, "node", "data", "node", "template")
		for name, v := range defaults {
			if f, ok := fields[name].(map[string]any); ok {
				f["value"] = v
			}
		}
	}
	return tpl, true
}

// dig walks nested map keys, returning an empty map when any hop is missing.
func dig(m map[string]any, keys ...string) map[string]any {
	cur := m
	for _, k := range keys {
		next, ok := cur[k].(map[string]any)
		if !ok {
			return map[string]any{}
		}
		cur = next
	}
	return cur
}
