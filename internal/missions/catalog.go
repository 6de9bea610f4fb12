// Package missions holds the guided-learning catalog and the pure rules for
// progress tracking and event-driven step validation. Progress rows live in
// the database; the catalog itself ships with the binary as YAML.
package missions

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog
var catalogFS embed.FS

// Validation is the machine-checkable rule attached to a step.
type Validation struct {
	NodeType       string `yaml:"node_type" json:"node_type,omitempty"`
	EdgeRequired   bool   `yaml:"edge_required" json:"edge_required,omitempty"`
	ConfigRequired bool   `yaml:"config_required" json:"config_required,omitempty"`
	FieldName      string `yaml:"field_name" json:"field_name,omitempty"`
	MinLength      int    `yaml:"min_length" json:"min_length,omitempty"`
}

type Step struct {
	ID          int         `yaml:"id" json:"id"`
	Title       string      `yaml:"title" json:"title"`
	Description string      `yaml:"description" json:"description"`
	Type        string      `yaml:"type" json:"type"`
	Validation  *Validation `yaml:"validation" json:"validation,omitempty"`
	Highlight   string      `yaml:"highlight" json:"highlight,omitempty"`
}

type Mission struct {
	ID               string   `yaml:"id" json:"id"`
	Title            string   `yaml:"title" json:"title"`
	Description      string   `yaml:"description" json:"description"`
	Category         string   `yaml:"category" json:"category"`
	Difficulty       string   `yaml:"difficulty" json:"difficulty"`
	EstimatedMinutes int      `yaml:"estimated_minutes" json:"estimated_minutes"`
	SortOrder        int      `yaml:"sort_order" json:"sort_order"`
	Steps            []Step   `yaml:"steps" json:"steps"`
	Prerequisites    []string `yaml:"prerequisites" json:"prerequisites"`
	Outcomes         []string `yaml:"outcomes" json:"outcomes"`
	RequiredPlan     string   `yaml:"required_plan" json:"required_plan"`
	TemplateID       string   `yaml:"template_id" json:"template_id,omitempty"`
	ComponentPack    string   `yaml:"component_pack" json:"component_pack,omitempty"`
	CanvasMode       string   `yaml:"canvas_mode" json:"canvas_mode,omitempty"`
	IsActive         bool     `yaml:"is_active" json:"is_active"`
}

var (
	loadOnce sync.Once
	loaded   []Mission
	loadErr  error
)

func load() {
	entries, err := catalogFS.ReadDir("catalog")
	if err != nil {
		loadErr = err
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		raw, err := catalogFS.ReadFile("catalog/" + e.Name())
		if err != nil {
			loadErr = err
			return
		}
		var m Mission
		if err := yaml.Unmarshal(raw, &m); err != nil {
			loadErr = fmt.Errorf("mission catalog %s: %w", e.Name(), err)
			return
		}
		if m.ID == "" {
			loadErr = fmt.Errorf("mission catalog %s: missing id", e.Name())
			return
		}
		if m.RequiredPlan == "" {
			m.RequiredPlan = "free"
		}
		loaded = append(loaded, m)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].SortOrder < loaded[j].SortOrder })
}

// All returns the catalog ordered by sort_order.
func All() ([]Mission, error) {
	loadOnce.Do(load)
	return loaded, loadErr
}

// Get looks up a mission by id.
func Get(id string) (Mission, bool) {
	loadOnce.Do(load)
	for _, m := range loaded {
		if m.ID == id {
			return m, true
		}
	}
	return Mission{}, false
}

// StepIDs returns the ids of every step, defaulting to 1-based positions for
// steps that do not declare one.
func (m Mission) StepIDs() []int {
	out := make([]int, 0, len(m.Steps))
	for i, s := range m.Steps {
		id := s.ID
		if id == 0 {
			id = i + 1
		}
		out = append(out, id)
	}
	return out
}
