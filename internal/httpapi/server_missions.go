package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"teachcharlie/internal/flowgraph"
	"teachcharlie/internal/missions"
	"teachcharlie/internal/plans"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type missionProgress struct {
	MissionID      string
	Status         string
	CurrentStep    int
	CompletedSteps []int
	FlowWorkflowID *uuid.UUID
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

type missionProgressDTO struct {
	MissionID      string `json:"mission_id"`
	Status         string `json:"status"`
	CurrentStep    int    `json:"current_step"`
	CompletedSteps []int  `json:"completed_steps"`
	FlowWorkflowID string `json:"flow_workflow_id,omitempty"`
	StartedAt      string `json:"started_at,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

func (p missionProgress) dto() missionProgressDTO {
	d := missionProgressDTO{
		MissionID:      p.MissionID,
		Status:         p.Status,
		CurrentStep:    p.CurrentStep,
		CompletedSteps: p.CompletedSteps,
	}
	if d.CompletedSteps == nil {
		d.CompletedSteps = []int{}
	}
	if p.FlowWorkflowID != nil {
		d.FlowWorkflowID = p.FlowWorkflowID.String()
	}
	if p.StartedAt != nil {
		d.StartedAt = p.StartedAt.UTC().Format(time.RFC3339)
	}
	if p.CompletedAt != nil {
		d.CompletedAt = p.CompletedAt.UTC().Format(time.RFC3339)
	}
	return d
}

func scanMissionProgress(row pgx.Row) (missionProgress, error) {
	var p missionProgress
	var stepsB []byte
	if err := row.Scan(&p.MissionID, &p.Status, &p.CurrentStep, &stepsB,
		&p.FlowWorkflowID, &p.StartedAt, &p.CompletedAt, &p.UpdatedAt); err != nil {
		return missionProgress{}, err
	}
	if err := unmarshalJSONNullable(stepsB, &p.CompletedSteps); err != nil {
		return missionProgress{}, err
	}
	return p, nil
}

const missionProgressColumns = `
	mission_id, status, current_step, completed_steps, flow_workflow_id, started_at, completed_at, updated_at
`

func (s server) loadMissionProgress(ctx context.Context, userID uuid.UUID, missionID string) (missionProgress, error) {
	return scanMissionProgress(s.db.QueryRow(ctx, `
		select `+missionProgressColumns+`
		from user_mission_progress
		where owner_id = $1 and mission_id = $2
	`, userID, missionID))
}

func (s server) saveMissionProgress(ctx context.Context, userID uuid.UUID, p missionProgress) error {
	if p.CompletedSteps == nil {
		p.CompletedSteps = []int{}
	}
	_, err := s.db.Exec(ctx, `
		insert into user_mission_progress
			(owner_id, mission_id, status, current_step, completed_steps, flow_workflow_id, started_at, completed_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, now())
		on conflict (owner_id, mission_id) do update
		set status = excluded.status,
		    current_step = excluded.current_step,
		    completed_steps = excluded.completed_steps,
		    flow_workflow_id = excluded.flow_workflow_id,
		    started_at = excluded.started_at,
		    completed_at = excluded.completed_at,
		    updated_at = now()
	`, userID, p.MissionID, p.Status, p.CurrentStep, p.CompletedSteps,
		p.FlowWorkflowID, p.StartedAt, p.CompletedAt)
	return err
}

func missionParam(w http.ResponseWriter, r *http.Request) (missions.Mission, bool) {
	id := strings.TrimSpace(urlParam(r, "missionID"))
	m, ok := missions.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, errNotFound, "mission not found")
		return missions.Mission{}, false
	}
	return m, true
}

func (s server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	plan := userPlanFromCtx(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	catalog, err := missions.All()
	if err != nil {
		writeInternalError(w, r, "mission catalog load failed", err)
		return
	}

	statusByMission := map[string]string{}
	rows, err := s.db.Query(ctx, `
		select mission_id, status from user_mission_progress where owner_id = $1
	`, userID)
	if err != nil {
		writeInternalError(w, r, "mission progress query failed", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var missionID, status string
		if err := rows.Scan(&missionID, &status); err != nil {
			writeInternalError(w, r, "scan mission progress failed", err)
			return
		}
		statusByMission[missionID] = status
	}

	type missionDTO struct {
		missions.Mission
		Status string `json:"status"`
		Locked bool   `json:"locked"`
	}
	out := make([]missionDTO, 0, len(catalog))
	for _, m := range catalog {
		if !m.IsActive {
			continue
		}
		status := statusByMission[m.ID]
		if status == "" {
			status = missions.StatusNotStarted
		}
		out = append(out, missionDTO{
			Mission: m,
			Status:  status,
			Locked:  !plans.Satisfies(plan, m.RequiredPlan),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"missions": out})
}

func (s server) handleListMissionProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select `+missionProgressColumns+`
		from user_mission_progress
		where owner_id = $1
		order by updated_at desc
	`, userID)
	if err != nil {
		writeInternalError(w, r, "mission progress query failed", err)
		return
	}
	defer rows.Close()

	out := make([]missionProgressDTO, 0)
	for rows.Next() {
		p, err := scanMissionProgress(rows)
		if err != nil {
			writeInternalError(w, r, "scan mission progress failed", err)
			return
		}
		out = append(out, p.dto())
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": out})
}

func (s server) handleMissionStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	catalog, err := missions.All()
	if err != nil {
		writeInternalError(w, r, "mission catalog load failed", err)
		return
	}
	active := 0
	for _, m := range catalog {
		if m.IsActive {
			active++
		}
	}

	var completed, inProgress, stepsCompleted int
	rows, err := s.db.Query(ctx, `
		select status, completed_steps from user_mission_progress where owner_id = $1
	`, userID)
	if err != nil {
		writeInternalError(w, r, "mission stats query failed", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var stepsB []byte
		if err := rows.Scan(&status, &stepsB); err != nil {
			writeInternalError(w, r, "scan mission stats failed", err)
			return
		}
		var steps []int
		if err := unmarshalJSONNullable(stepsB, &steps); err != nil {
			logError(ctx, "decode completed_steps failed", err)
		}
		stepsCompleted += len(steps)
		switch status {
		case missions.StatusCompleted:
			completed++
		case missions.StatusInProgress:
			inProgress++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_missions":     active,
		"completed_missions": completed,
		"missions_completed": completed,
		"in_progress":        inProgress,
		"steps_completed":    stepsCompleted,
	})
}

func (s server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	m, ok := missionParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out := map[string]any{"mission": m}
	p, err := s.loadMissionProgress(ctx, userID, m.ID)
	if err == nil {
		out["progress"] = p.dto()
	} else if !errors.Is(err, pgx.ErrNoRows) {
		writeInternalError(w, r, "mission progress lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s server) handleStartMission(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	m, ok := missionParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if !plans.Satisfies(userPlanFromCtx(r.Context()), m.RequiredPlan) {
		writeErrorDetails(w, r, http.StatusForbidden, errUpgradeRequired, "mission requires a higher plan",
			map[string]any{"required_plan": m.RequiredPlan})
		return
	}

	if missing := s.missingPrerequisites(ctx, userID, m); len(missing) > 0 {
		writeErrorDetails(w, r, http.StatusConflict, errPrerequisiteMissing, "prerequisite missions are not completed",
			map[string]any{"missing": missing})
		return
	}

	p, err := s.loadMissionProgress(ctx, userID, m.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		now := time.Now().UTC()
		p = missionProgress{
			MissionID:      m.ID,
			Status:         missions.StatusInProgress,
			CurrentStep:    0,
			CompletedSteps: []int{},
			StartedAt:      &now,
		}
	} else if err != nil {
		writeInternalError(w, r, "mission progress lookup failed", err)
		return
	} else if p.Status == missions.StatusCompleted {
		writeError(w, r, http.StatusConflict, errConflict, "mission already completed")
		return
	} else if p.Status == missions.StatusNotStarted {
		now := time.Now().UTC()
		p.Status = missions.StatusInProgress
		p.StartedAt = &now
	}

	if err := s.saveMissionProgress(ctx, userID, p); err != nil {
		writeInternalError(w, r, "mission progress save failed", err)
		return
	}

	s.audit(ctx, "user", userID, "mission_started", map[string]any{"mission_id": m.ID})
	writeJSON(w, http.StatusOK, p.dto())
}

func (s server) missingPrerequisites(ctx context.Context, userID uuid.UUID, m missions.Mission) []string {
	var missing []string
	for _, pre := range m.Prerequisites {
		var status string
		err := s.db.QueryRow(ctx, `
			select status from user_mission_progress
			where owner_id = $1 and mission_id = $2
		`, userID, pre).Scan(&status)
		if err != nil || status != missions.StatusCompleted {
			missing = append(missing, pre)
		}
	}
	return missing
}

func stepParam(w http.ResponseWriter, r *http.Request, m missions.Mission) (int, bool) {
	stepID, err := strconv.Atoi(strings.TrimSpace(urlParam(r, "stepID")))
	if err != nil || missions.StepIndex(m, stepID) < 0 {
		writeError(w, r, http.StatusNotFound, errNotFound, "step not found")
		return 0, false
	}
	return stepID, true
}

// errMissionCompleted rejects step mutations on an already-finished mission.
var errMissionCompleted = errors.New("mission already completed")

// applyStepCompletion marks a step done and advances the cursor; completing
// the last outstanding step completes the mission.
func applyStepCompletion(m missions.Mission, p missionProgress, stepID int) (missionProgress, error) {
	if p.Status == missions.StatusCompleted {
		return p, errMissionCompleted
	}
	found := false
	for _, id := range p.CompletedSteps {
		if id == stepID {
			found = true
			break
		}
	}
	if !found {
		p.CompletedSteps = append(p.CompletedSteps, stepID)
	}
	p.CurrentStep = missions.NextStep(m, missions.StepIndex(m, stepID), p.CompletedSteps)
	if missions.AllCompleted(m, p.CompletedSteps) {
		p.Status = missions.StatusCompleted
		if p.CompletedAt == nil {
			now := time.Now().UTC()
			p.CompletedAt = &now
		}
	} else {
		p.Status = missions.StatusInProgress
		p.CompletedAt = nil
	}
	return p, nil
}

func (s server) handleCompleteMissionStep(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	m, ok := missionParam(w, r)
	if !ok {
		return
	}
	stepID, ok := stepParam(w, r, m)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	p, err := s.loadMissionProgress(ctx, userID, m.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusConflict, errConflict, "mission not started")
		return
	}
	if err != nil {
		writeInternalError(w, r, "mission progress lookup failed", err)
		return
	}

	p, err = applyStepCompletion(m, p, stepID)
	if errors.Is(err, errMissionCompleted) {
		writeError(w, r, http.StatusConflict, errConflict, "mission already completed")
		return
	}
	if err := s.saveMissionProgress(ctx, userID, p); err != nil {
		writeInternalError(w, r, "mission progress save failed", err)
		return
	}

	if p.Status == missions.StatusCompleted {
		s.audit(ctx, "user", userID, "mission_completed", map[string]any{"mission_id": m.ID})
	}
	writeJSON(w, http.StatusOK, p.dto())
}

func (s server) handleUncompleteMissionStep(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	m, ok := missionParam(w, r)
	if !ok {
		return
	}
	stepID, ok := stepParam(w, r, m)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	p, err := s.loadMissionProgress(ctx, userID, m.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusConflict, errConflict, "mission not started")
		return
	}
	if err != nil {
		writeInternalError(w, r, "mission progress lookup failed", err)
		return
	}

	kept := p.CompletedSteps[:0]
	for _, id := range p.CompletedSteps {
		if id != stepID {
			kept = append(kept, id)
		}
	}
	p.CompletedSteps = kept
	p.Status = missions.StatusInProgress
	p.CompletedAt = nil
	if idx := missions.StepIndex(m, stepID); idx >= 0 && idx < p.CurrentStep {
		p.CurrentStep = idx
	}

	if err := s.saveMissionProgress(ctx, userID, p); err != nil {
		writeInternalError(w, r, "mission progress save failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p.dto())
}

func (s server) handleResetMission(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	m, ok := missionParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.db.Exec(ctx, `
		delete from user_mission_progress where owner_id=$1 and mission_id=$2
	`, userID, m.ID); err != nil {
		writeInternalError(w, r, "mission reset failed", err)
		return
	}

	s.audit(ctx, "user", userID, "mission_reset", map[string]any{"mission_id": m.ID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type missionEventRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// handleMissionEvent validates a canvas event against the current step and
// auto-completes the step when the event satisfies its rule.
func (s server) handleMissionEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	m, ok := missionParam(w, r)
	if !ok {
		return
	}

	var req missionEventRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		writeError(w, r, http.StatusBadRequest, errValidation, "event type is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	p, err := s.loadMissionProgress(ctx, userID, m.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusConflict, errConflict, "mission not started")
		return
	}
	if err != nil {
		writeInternalError(w, r, "mission progress lookup failed", err)
		return
	}
	if p.Status == missions.StatusCompleted || p.CurrentStep >= len(m.Steps) {
		writeJSON(w, http.StatusOK, map[string]any{"validated": false, "progress": p.dto()})
		return
	}

	step := m.Steps[p.CurrentStep]
	if !missions.ValidateStepEvent(step, req.Type, req.Data) {
		writeJSON(w, http.StatusOK, map[string]any{"validated": false, "progress": p.dto()})
		return
	}

	stepID := m.StepIDs()[p.CurrentStep]
	p, err = applyStepCompletion(m, p, stepID)
	if err != nil {
		writeInternalError(w, r, "mission step completion failed", err)
		return
	}
	if err := s.saveMissionProgress(ctx, userID, p); err != nil {
		writeInternalError(w, r, "mission progress save failed", err)
		return
	}

	// Mirror the step completion onto the canvas event stream so open
	// editors can react.
	if p.FlowWorkflowID != nil {
		s.br.publish(*p.FlowWorkflowID, canvasEvent{
			WorkflowID: p.FlowWorkflowID.String(),
			Type:       "mission_step_completed",
			Data:       map[string]any{"mission_id": m.ID, "step_id": stepID},
			CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		})
	}

	if p.Status == missions.StatusCompleted {
		s.audit(ctx, "user", userID, "mission_completed", map[string]any{"mission_id": m.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"validated":      true,
		"completed_step": stepID,
		"progress":       p.dto(),
	})
}

// handleGetOrCreateMissionFlow returns the mission's practice workflow,
// creating it from the mission template on first use.
func (s server) handleGetOrCreateMissionFlow(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	m, ok := missionParam(w, r)
	if !ok {
		return
	}
	if m.TemplateID == "" {
		writeError(w, r, http.StatusConflict, errConflict, "mission has no practice flow")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	p, err := s.loadMissionProgress(ctx, userID, m.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusConflict, errConflict, "mission not started")
		return
	}
	if err != nil {
		writeInternalError(w, r, "mission progress lookup failed", err)
		return
	}

	if p.FlowWorkflowID != nil {
		wf, err := s.loadWorkflow(ctx, userID, *p.FlowWorkflowID)
		if err == nil {
			writeJSON(w, http.StatusOK, wf.dto(true))
			return
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			writeInternalError(w, r, "mission workflow lookup failed", err)
			return
		}
		// Row was deleted; fall through and recreate.
	}

	template, err := flowgraph.LoadTemplate(m.TemplateID)
	if err != nil {
		writeInternalError(w, r, "mission template load failed", err)
		return
	}
	flow := flowgraph.CloneFlow(template)

	provider := s.defaultLLMProvider(ctx, userID)
	if apiKey, err := s.llmAPIKey(ctx, userID, provider); err == nil && apiKey != "" {
		flow = flowgraph.InjectLLMConfig(flow, provider, apiKey)
	}

	projectID, err := s.defaultProjectID(ctx, userID)
	if err != nil {
		writeInternalError(w, r, "default project lookup failed", err)
		return
	}

	wf, err := s.createWorkflowRow(ctx, userID, projectID, m.Title, "Practice flow for "+m.Title, flow, nil)
	if errors.Is(err, errPersistWorkflow) {
		writeInternalError(w, r, "create mission workflow failed", err)
		return
	}
	if err != nil {
		writeFlowEngineError(w, r, "remote flow create failed", err)
		return
	}

	p.FlowWorkflowID = &wf.ID
	if err := s.saveMissionProgress(ctx, userID, p); err != nil {
		writeInternalError(w, r, "mission progress save failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, wf.dto(true))
}

func (s server) handleLearningProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	catalog, err := missions.All()
	if err != nil {
		writeInternalError(w, r, "mission catalog load failed", err)
		return
	}
	total := 0
	byID := map[string]missions.Mission{}
	for _, m := range catalog {
		byID[m.ID] = m
		if m.IsActive {
			total++
		}
	}

	rows, err := s.db.Query(ctx, `
		select mission_id, status, updated_at from user_mission_progress where owner_id = $1
	`, userID)
	if err != nil {
		writeInternalError(w, r, "mission progress query failed", err)
		return
	}
	defer rows.Close()

	var completed int
	var outcomes []string
	var activity []time.Time
	for rows.Next() {
		var missionID, status string
		var updatedAt time.Time
		if err := rows.Scan(&missionID, &status, &updatedAt); err != nil {
			writeInternalError(w, r, "scan mission progress failed", err)
			return
		}
		activity = append(activity, updatedAt)
		if status == missions.StatusCompleted {
			completed++
			if m, ok := byID[missionID]; ok {
				outcomes = append(outcomes, m.Outcomes...)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"completed_missions": completed,
		"total_missions":     total,
		"skills":             missions.SkillsFromOutcomes(outcomes),
		"streak_days":        missions.StreakDays(activity, time.Now()),
		"capability_level":   missions.CapabilityLevel(completed, total),
	})
}
