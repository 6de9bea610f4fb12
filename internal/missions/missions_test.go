package missions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCatalogLoads(t *testing.T) {
	all, err := All()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	// Ordered by sort_order, ids unique, free plan default applied.
	seen := map[string]bool{}
	for i, m := range all {
		require.NotEmpty(t, m.ID)
		require.False(t, seen[m.ID], "duplicate mission id %s", m.ID)
		seen[m.ID] = true
		require.NotEmpty(t, m.RequiredPlan)
		require.NotEmpty(t, m.Steps, "mission %s has no steps", m.ID)
		if i > 0 {
			require.LessOrEqual(t, all[i-1].SortOrder, m.SortOrder)
		}
	}

	first, ok := Get(all[0].ID)
	require.True(t, ok)
	require.Equal(t, all[0].Title, first.Title)

	_, ok = Get("L999-nope")
	require.False(t, ok)
}

func testMission() Mission {
	return Mission{
		ID: "test",
		Steps: []Step{
			{ID: 1, Title: "one"},
			{ID: 2, Title: "two"},
			{ID: 3, Title: "three"},
		},
	}
}

func TestNextStep(t *testing.T) {
	m := testMission()

	require.Equal(t, 1, NextStep(m, 0, []int{1}))
	// Skips already-completed steps.
	require.Equal(t, 2, NextStep(m, 0, []int{1, 2}))
	// Clamped at the last step.
	require.Equal(t, 2, NextStep(m, 2, []int{1, 2, 3}))
	require.Equal(t, 0, NextStep(Mission{}, 0, nil))
}

func TestAllCompleted(t *testing.T) {
	m := testMission()
	require.False(t, AllCompleted(m, []int{1, 2}))
	require.True(t, AllCompleted(m, []int{3, 1, 2}))
}

func TestStepIndex(t *testing.T) {
	m := testMission()
	require.Equal(t, 0, StepIndex(m, 1))
	require.Equal(t, 2, StepIndex(m, 3))
	require.Equal(t, -1, StepIndex(m, 9))
}

func TestStepIDsDefaultToPosition(t *testing.T) {
	m := Mission{Steps: []Step{{Title: "a"}, {Title: "b"}}}
	require.Equal(t, []int{1, 2}, m.StepIDs())
}

func TestValidateStepEvent(t *testing.T) {
	nodeStep := Step{Validation: &Validation{NodeType: "Agent"}}
	require.True(t, ValidateStepEvent(nodeStep, "node_added", map[string]any{"node_type": "agent-abc12"}))
	require.False(t, ValidateStepEvent(nodeStep, "node_added", map[string]any{"node_type": "ChatInput"}))
	require.False(t, ValidateStepEvent(nodeStep, "node_added", map[string]any{}))

	edgeStep := Step{Validation: &Validation{EdgeRequired: true}}
	require.True(t, ValidateStepEvent(edgeStep, "edge_created", nil))
	require.False(t, ValidateStepEvent(nodeStep, "edge_created", nil))

	cfgStep := Step{Validation: &Validation{NodeType: "Agent", FieldName: "system_prompt", MinLength: 5}}
	require.True(t, ValidateStepEvent(cfgStep, "node_configured", map[string]any{
		"node_type": "Agent-xyz", "field_name": "system_prompt", "value": "long enough",
	}))
	require.False(t, ValidateStepEvent(cfgStep, "node_configured", map[string]any{
		"node_type": "Agent-xyz", "field_name": "system_prompt", "value": "abc",
	}))
	require.False(t, ValidateStepEvent(cfgStep, "node_configured", map[string]any{
		"node_type": "Agent-xyz", "field_name": "other", "value": "long enough",
	}))

	anyCfg := Step{Validation: &Validation{ConfigRequired: true}}
	require.True(t, ValidateStepEvent(anyCfg, "node_configured", nil))

	// Manual steps never auto-validate.
	require.False(t, ValidateStepEvent(Step{}, "node_added", map[string]any{"node_type": "Agent"}))
	require.False(t, ValidateStepEvent(nodeStep, "unknown_event", nil))
}

func TestSkillsFromOutcomes(t *testing.T) {
	skills := SkillsFromOutcomes([]string{
		"Write a system prompt for your agent",
		"Connect Gmail to automate email",
	})
	require.Contains(t, skills, "Prompt design")
	require.Contains(t, skills, "Connected apps")

	// Sorted, deduplicated.
	again := SkillsFromOutcomes([]string{"prompt", "prompt", "persona"})
	require.Equal(t, []string{"Prompt design"}, again)

	require.Empty(t, SkillsFromOutcomes(nil))
}

func TestStreakDays(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	day := func(d int) time.Time { return now.AddDate(0, 0, -d) }

	require.Equal(t, 0, StreakDays(nil, now))
	require.Equal(t, 3, StreakDays([]time.Time{day(0), day(1), day(2)}, now))
	// Streak survives when today has no activity yet.
	require.Equal(t, 2, StreakDays([]time.Time{day(1), day(2)}, now))
	// A full missed day breaks it.
	require.Equal(t, 0, StreakDays([]time.Time{day(2), day(3)}, now))
	// Gaps cut the streak short.
	require.Equal(t, 1, StreakDays([]time.Time{day(0), day(2)}, now))
}

func TestCapabilityLevel(t *testing.T) {
	require.Equal(t, "beginner", CapabilityLevel(0, 0))
	require.Equal(t, "beginner", CapabilityLevel(1, 6))
	require.Equal(t, "intermediate", CapabilityLevel(2, 6))
	require.Equal(t, "advanced", CapabilityLevel(5, 6))
}
