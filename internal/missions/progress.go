package missions

import (
	"sort"
	"strings"
	"time"
)

// Progress statuses.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// NextStep advances past every already-completed step, starting from the
// step after current. The result is an index, clamped to the last step.
func NextStep(m Mission, current int, completedSteps []int) int {
	total := len(m.Steps)
	if total == 0 {
		return 0
	}
	ids := m.StepIDs()
	next := current + 1
	for next < total && containsInt(completedSteps, ids[next]) {
		next++
	}
	if next > total-1 {
		next = total - 1
	}
	return next
}

// AllCompleted reports whether every step id has been completed.
func AllCompleted(m Mission, completedSteps []int) bool {
	for _, id := range m.StepIDs() {
		if !containsInt(completedSteps, id) {
			return false
		}
	}
	return true
}

// StepIndex finds the position of a step id, or -1.
func StepIndex(m Mission, stepID int) int {
	for i, id := range m.StepIDs() {
		if id == stepID {
			return i
		}
	}
	return -1
}

// ValidateStepEvent checks whether a canvas event satisfies the current
// step's validation block. Steps without a block require manual completion.
func ValidateStepEvent(step Step, eventType string, eventData map[string]any) bool {
	v := step.Validation
	if v == nil {
		return false
	}

	switch eventType {
	case "node_added":
		if v.NodeType == "" {
			return false
		}
		actual, _ := eventData["node_type"].(string)
		return actual != "" && strings.Contains(strings.ToLower(actual), strings.ToLower(v.NodeType))

	case "edge_created":
		return v.EdgeRequired

	case "node_configured":
		if v.ConfigRequired {
			return true
		}
		if v.NodeType == "" || v.FieldName == "" {
			return false
		}
		actualType, _ := eventData["node_type"].(string)
		if actualType == "" || !strings.Contains(strings.ToLower(actualType), strings.ToLower(v.NodeType)) {
			return false
		}
		field, _ := eventData["field_name"].(string)
		if field != v.FieldName {
			return false
		}
		if v.MinLength > 0 {
			value, _ := eventData["value"].(string)
			return len(value) >= v.MinLength
		}
		return true
	}

	return false
}

// skillKeywords maps a skill label to outcome keywords that imply it.
var skillKeywords = map[string][]string{
	"Prompt design":     {"prompt", "persona", "instructions"},
	"Tool integration":  {"tool", "calculator", "search", "weather"},
	"Connected apps":    {"gmail", "slack", "oauth", "connect"},
	"Flow building":     {"canvas", "flow", "node", "edge"},
	"Knowledge bases":   {"knowledge", "document", "rag"},
	"Agent publishing":  {"publish", "embed", "share"},
	"Workflow shipping": {"workflow", "automation", "deploy"},
}

// SkillsFromOutcomes derives acquired skills by keyword-matching mission
// outcomes. Output is sorted for stable responses.
func SkillsFromOutcomes(outcomes []string) []string {
	found := map[string]bool{}
	for _, outcome := range outcomes {
		lower := strings.ToLower(outcome)
		for skill, kws := range skillKeywords {
			for _, kw := range kws {
				if strings.Contains(lower, kw) {
					found[skill] = true
					break
				}
			}
		}
	}
	out := make([]string, 0, len(found))
	for s := range found {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// StreakDays counts consecutive calendar days with activity, ending today or
// yesterday (a streak survives until a full day is missed).
func StreakDays(activity []time.Time, now time.Time) int {
	if len(activity) == 0 {
		return 0
	}
	days := map[string]bool{}
	for _, t := range activity {
		days[t.UTC().Format("2006-01-02")] = true
	}

	day := now.UTC()
	if !days[day.Format("2006-01-02")] {
		day = day.AddDate(0, 0, -1)
		if !days[day.Format("2006-01-02")] {
			return 0
		}
	}
	streak := 0
	for days[day.Format("2006-01-02")] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

// CapabilityLevel buckets the completion ratio.
func CapabilityLevel(completed, total int) string {
	if total <= 0 {
		return "beginner"
	}
	ratio := float64(completed) / float64(total)
	switch {
	case ratio >= 0.7:
		return "advanced"
	case ratio >= 0.3:
		return "intermediate"
	default:
		return "beginner"
	}
}
