package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"teachcharlie/internal/missions"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestApplyStepCompletionAdvancesAndCompletes(t *testing.T) {
	all, err := missions.All()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	m := all[0]

	p := missionProgress{MissionID: m.ID, Status: missions.StatusInProgress, CompletedSteps: []int{}}
	for _, id := range m.StepIDs() {
		p, err = applyStepCompletion(m, p, id)
		require.NoError(t, err)
	}
	require.Equal(t, missions.StatusCompleted, p.Status)
	require.NotNil(t, p.CompletedAt)
}

func TestApplyStepCompletionRejectsCompletedMission(t *testing.T) {
	all, err := missions.All()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	m := all[0]

	now := time.Now().UTC()
	p := missionProgress{
		MissionID:      m.ID,
		Status:         missions.StatusCompleted,
		CompletedSteps: m.StepIDs(),
		CompletedAt:    &now,
	}
	_, err = applyStepCompletion(m, p, m.StepIDs()[0])
	require.ErrorIs(t, err, errMissionCompleted)
}

func TestStartMissionBelowPlanReturnsUpgradeRequired(t *testing.T) {
	all, err := missions.All()
	require.NoError(t, err)
	var m missions.Mission
	for _, c := range all {
		if c.RequiredPlan != "free" {
			m = c
			break
		}
	}
	require.NotEmpty(t, m.ID)

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("missionID", m.ID)
	ctx := context.WithValue(context.Background(), chi.RouteCtxKey, rctx)
	ctx = context.WithValue(ctx, ctxUserID, uuid.New())

	req := httptest.NewRequest("POST", "/v1/missions/"+m.ID+"/start", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	server{}.handleStartMission(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var body struct {
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "upgrade_required", body.Error)
	require.Equal(t, m.RequiredPlan, body.Details["required_plan"])
}
