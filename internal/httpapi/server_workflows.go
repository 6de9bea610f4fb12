package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"teachcharlie/internal/flowengine"
	"teachcharlie/internal/flowgraph"
	"teachcharlie/internal/plans"
	"teachcharlie/internal/secrets"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type workflow struct {
	ID                uuid.UUID
	OwnerID           uuid.UUID
	ProjectID         uuid.UUID
	Name              string
	Description       string
	FlowEngineID      string
	FlowData          flowgraph.Flow
	AgentComponentIDs []string
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type workflowDTO struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	FlowEngineID      string         `json:"flow_engine_id,omitempty"`
	FlowData          map[string]any `json:"flow_data,omitempty"`
	AgentComponentIDs []string       `json:"agent_component_ids"`
	IsActive          bool           `json:"is_active"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
}

func (wf workflow) dto(includeFlow bool) workflowDTO {
	d := workflowDTO{
		ID:                wf.ID.String(),
		ProjectID:         wf.ProjectID.String(),
		Name:              wf.Name,
		Description:       wf.Description,
		FlowEngineID:      wf.FlowEngineID,
		AgentComponentIDs: wf.AgentComponentIDs,
		IsActive:          wf.IsActive,
		CreatedAt:         wf.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         wf.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if includeFlow {
		// Flow data may carry injected provider keys; never serialize them.
		d.FlowData, _ = secrets.Sanitize(map[string]any(flowgraph.CloneFlow(wf.FlowData))).(map[string]any)
	}
	if d.AgentComponentIDs == nil {
		d.AgentComponentIDs = []string{}
	}
	return d
}

const workflowColumns = `
	id, owner_id, project_id, name, description, coalesce(flow_engine_id, ''),
	flow_data, agent_component_ids, is_active, created_at, updated_at
`

func scanWorkflow(row pgx.Row) (workflow, error) {
	var wf workflow
	var flowB, idsB []byte
	if err := row.Scan(
		&wf.ID, &wf.OwnerID, &wf.ProjectID, &wf.Name, &wf.Description, &wf.FlowEngineID,
		&flowB, &idsB, &wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt,
	); err != nil {
		return workflow{}, err
	}
	if err := unmarshalJSONNullable(flowB, &wf.FlowData); err != nil {
		return workflow{}, err
	}
	if err := unmarshalJSONNullable(idsB, &wf.AgentComponentIDs); err != nil {
		return workflow{}, err
	}
	return wf, nil
}

func (s server) loadWorkflow(ctx context.Context, ownerID, workflowID uuid.UUID) (workflow, error) {
	return scanWorkflow(s.db.QueryRow(ctx, `
		select `+workflowColumns+`
		from workflows
		where id = $1 and owner_id = $2
	`, workflowID, ownerID))
}

func (s server) checkWorkflowQuota(ctx context.Context, w http.ResponseWriter, r *http.Request, userID uuid.UUID) bool {
	plan, _ := plans.Get(userPlanFromCtx(r.Context()))
	var count int
	if err := s.db.QueryRow(ctx, `select count(*) from workflows where owner_id=$1`, userID).Scan(&count); err != nil {
		writeInternalError(w, r, "workflow count failed", err)
		return false
	}
	if !plans.Allows(plan.Limits.Workflows, count) {
		writeErrorDetails(w, r, http.StatusPaymentRequired, errQuotaExceeded, "workflow limit reached for your plan",
			map[string]any{"limit": plan.Limits.Workflows, "current": count})
		return false
	}
	return true
}

// errInvalidConversationID reports a conversation_id that is not a UUID.
var errInvalidConversationID = errors.New("invalid conversation_id")

// errPersistWorkflow marks a failure after the remote flow already exists,
// so callers can report it as internal rather than an engine fault.
var errPersistWorkflow = errors.New("persist workflow failed")

// createWorkflowRow creates the remote flow first, then persists. A local
// insert failure triggers a compensating remote delete so the engine does
// not accumulate orphans.
func (s server) createWorkflowRow(ctx context.Context, userID, projectID uuid.UUID, name, description string, flow flowgraph.Flow, componentIDs []string) (workflow, error) {
	engineID, err := s.flow.CreateFlow(ctx, name, description, flow)
	if err != nil {
		return workflow{}, err
	}

	if componentIDs == nil {
		componentIDs = []string{}
	}
	wf, err := scanWorkflow(s.db.QueryRow(ctx, `
		insert into workflows
			(owner_id, project_id, name, description, flow_engine_id, flow_data, agent_component_ids, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, true)
		returning `+workflowColumns+`
	`, userID, projectID, name, description, engineID, flow, componentIDs))
	if err != nil {
		if delErr := s.flow.DeleteFlow(ctx, engineID); delErr != nil {
			logError(ctx, "compensating remote delete failed", delErr)
		}
		return workflow{}, fmt.Errorf("%w: %v", errPersistWorkflow, err)
	}
	return wf, nil
}

func writeFlowEngineError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var ferr *flowengine.Error
	if errors.As(err, &ferr) {
		logError(r.Context(), msg, err)
		writeError(w, r, http.StatusBadGateway, errFlowEngine, "flow engine rejected the request")
		return
	}
	logError(r.Context(), msg, err)
	writeError(w, r, http.StatusBadGateway, errFlowEngine, "flow engine unavailable")
}

type createWorkflowRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	FlowData    map[string]any `json:"flow_data"`
	ProjectID   string         `json:"project_id"`
}

func (s server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req createWorkflowRequest
	if !readJSONLimited(w, r, &req, 2<<20) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		writeError(w, r, http.StatusBadRequest, errValidation, "name required (max 128 chars)")
		return
	}
	if req.FlowData == nil {
		writeError(w, r, http.StatusBadRequest, errValidation, "flow_data is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if !s.checkWorkflowQuota(ctx, w, r, userID) {
		return
	}
	projectID, ok := s.resolveProject(ctx, w, r, userID, req.ProjectID)
	if !ok {
		return
	}

	wf, err := s.createWorkflowRow(ctx, userID, projectID, req.Name, req.Description, req.FlowData, nil)
	if errors.Is(err, errPersistWorkflow) {
		writeInternalError(w, r, "create workflow failed", err)
		return
	}
	if err != nil {
		writeFlowEngineError(w, r, "remote flow create failed", err)
		return
	}

	s.audit(ctx, "user", userID, "workflow_created", map[string]any{"workflow_id": wf.ID.String()})
	writeJSON(w, http.StatusCreated, wf.dto(true))
}

type createWorkflowFromAgentRequest struct {
	AgentComponentID string `json:"agent_component_id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	ProjectID        string `json:"project_id"`
}

func (s server) handleCreateWorkflowFromAgent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req createWorkflowFromAgentRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}
	componentID, err := uuid.Parse(strings.TrimSpace(req.AgentComponentID))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid agent_component_id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	c, err := s.loadAgentComponent(ctx, userID, componentID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "agent not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get agent failed", err)
		return
	}

	provider := s.defaultLLMProvider(ctx, userID)
	apiKey, err := s.llmAPIKey(ctx, userID, provider)
	if err != nil {
		writeInternalError(w, r, "llm key lookup failed", err)
		return
	}
	if apiKey == "" {
		writeError(w, r, http.StatusBadRequest, errConfigMissing, "no API key configured for provider "+provider)
		return
	}

	if !s.checkWorkflowQuota(ctx, w, r, userID) {
		return
	}
	projectID, ok := s.resolveProject(ctx, w, r, userID, req.ProjectID)
	if !ok {
		return
	}

	flow := flowgraph.CloneFlow(c.FlowData)
	flow = flowgraph.InjectLLMConfig(flow, provider, apiKey)

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = c.Name + " Workflow"
	}

	wf, err := s.createWorkflowRow(ctx, userID, projectID, name, req.Description, flow, []string{componentID.String()})
	if errors.Is(err, errPersistWorkflow) {
		writeInternalError(w, r, "create workflow failed", err)
		return
	}
	if err != nil {
		writeFlowEngineError(w, r, "remote flow create failed", err)
		return
	}

	s.audit(ctx, "user", userID, "workflow_created_from_agent", map[string]any{
		"workflow_id": wf.ID.String(), "component_id": componentID.String(),
	})
	writeJSON(w, http.StatusCreated, wf.dto(true))
}

type createWorkflowFromTemplateRequest struct {
	TemplateName string `json:"template_name"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	ProjectID    string `json:"project_id"`
}

func (s server) handleCreateWorkflowFromTemplate(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req createWorkflowFromTemplateRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	template, err := flowgraph.LoadTemplate(req.TemplateName)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errValidation, err.Error())
		return
	}

	provider := s.defaultLLMProvider(ctx, userID)
	apiKey, err := s.llmAPIKey(ctx, userID, provider)
	if err != nil {
		writeInternalError(w, r, "llm key lookup failed", err)
		return
	}
	if apiKey == "" {
		writeError(w, r, http.StatusBadRequest, errConfigMissing, "no API key configured for provider "+provider)
		return
	}

	if !s.checkWorkflowQuota(ctx, w, r, userID) {
		return
	}
	projectID, ok := s.resolveProject(ctx, w, r, userID, req.ProjectID)
	if !ok {
		return
	}

	flow := flowgraph.InjectLLMConfig(flowgraph.CloneFlow(template), provider, apiKey)

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = templateNameOrDefault(req.TemplateName) + " workflow"
	}

	wf, err := s.createWorkflowRow(ctx, userID, projectID, name, req.Description, flow, nil)
	if errors.Is(err, errPersistWorkflow) {
		writeInternalError(w, r, "create workflow failed", err)
		return
	}
	if err != nil {
		writeFlowEngineError(w, r, "remote flow create failed", err)
		return
	}

	s.audit(ctx, "user", userID, "workflow_created_from_template", map[string]any{"workflow_id": wf.ID.String()})
	writeJSON(w, http.StatusCreated, wf.dto(true))
}

func (s server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	limit := clampInt(intQuery(r, "limit", 50), 1, 200)
	rows, err := s.db.Query(ctx, `
		select `+workflowColumns+`
		from workflows
		where owner_id = $1
		order by updated_at desc
		limit $2
	`, userID, limit)
	if err != nil {
		writeInternalError(w, r, "list workflows failed", err)
		return
	}
	defer rows.Close()

	out := make([]workflowDTO, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			writeInternalError(w, r, "scan workflow failed", err)
			return
		}
		out = append(out, wf.dto(false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (s server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	workflowID, ok := uuidParam(r, "workflowID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid workflow id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	wf, err := s.loadWorkflow(ctx, userID, workflowID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get workflow failed", err)
		return
	}
	writeJSON(w, http.StatusOK, wf.dto(true))
}

type updateWorkflowRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	FlowData    *map[string]any `json:"flow_data"`
	IsActive    *bool           `json:"is_active"`
	ProjectID   *string         `json:"project_id"`
}

func (s server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	workflowID, ok := uuidParam(r, "workflowID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid workflow id")
		return
	}

	var req updateWorkflowRequest
	if !readJSONLimited(w, r, &req, 2<<20) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	wf, err := s.loadWorkflow(ctx, userID, workflowID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get workflow failed", err)
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > 128 {
			writeError(w, r, http.StatusBadRequest, errValidation, "name required (max 128 chars)")
			return
		}
		wf.Name = name
	}
	if req.Description != nil {
		wf.Description = *req.Description
	}
	if req.IsActive != nil {
		wf.IsActive = *req.IsActive
	}
	if req.ProjectID != nil {
		projectID, ok := s.resolveProject(ctx, w, r, userID, *req.ProjectID)
		if !ok {
			return
		}
		wf.ProjectID = projectID
	}

	// The engine is the execution source of truth: push graph changes
	// there before persisting the cache.
	if req.FlowData != nil {
		if wf.FlowEngineID != "" {
			if err := s.flow.UpdateFlow(ctx, wf.FlowEngineID, *req.FlowData); err != nil {
				writeFlowEngineError(w, r, "remote flow update failed", err)
				return
			}
		}
		wf.FlowData = *req.FlowData
	}

	tag, err := s.db.Exec(ctx, `
		update workflows
		set name=$3, description=$4, flow_data=$5, is_active=$6, project_id=$7, updated_at=now()
		where id=$1 and owner_id=$2
	`, workflowID, userID, wf.Name, wf.Description, wf.FlowData, wf.IsActive, wf.ProjectID)
	if err != nil {
		writeInternalError(w, r, "update workflow failed", err)
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, r, http.StatusNotFound, errNotFound, "workflow not found")
		return
	}

	s.audit(ctx, "user", userID, "workflow_updated", map[string]any{"workflow_id": workflowID.String()})
	s.handleGetWorkflow(w, r)
}

func (s server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	workflowID, ok := uuidParam(r, "workflowID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid workflow id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	wf, err := s.loadWorkflow(ctx, userID, workflowID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get workflow failed", err)
		return
	}

	// Remote first; a remote failure must not strand the local row.
	if wf.FlowEngineID != "" {
		if err := s.flow.DeleteFlow(ctx, wf.FlowEngineID); err != nil {
			logError(ctx, "remote flow delete failed", err)
		}
	}

	if _, err := s.db.Exec(ctx, `delete from workflows where id=$1 and owner_id=$2`, workflowID, userID); err != nil {
		writeInternalError(w, r, "delete workflow failed", err)
		return
	}

	s.audit(ctx, "user", userID, "workflow_deleted", map[string]any{"workflow_id": workflowID.String()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s server) handleDuplicateWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	workflowID, ok := uuidParam(r, "workflowID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid workflow id")
		return
	}

	var req duplicateRequest
	if !readJSONLimited(w, r, &req, 16*1024) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	wf, err := s.loadWorkflow(ctx, userID, workflowID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get workflow failed", err)
		return
	}

	if !s.checkWorkflowQuota(ctx, w, r, userID) {
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = wf.Name + " (Copy)"
	}

	dup, err := s.createWorkflowRow(ctx, userID, wf.ProjectID, name, wf.Description,
		flowgraph.CloneFlow(wf.FlowData), wf.AgentComponentIDs)
	if errors.Is(err, errPersistWorkflow) {
		writeInternalError(w, r, "create workflow failed", err)
		return
	}
	if err != nil {
		writeFlowEngineError(w, r, "remote flow create failed", err)
		return
	}

	s.audit(ctx, "user", userID, "workflow_duplicated", map[string]any{
		"source_id": workflowID.String(), "workflow_id": dup.ID.String(),
	})
	writeJSON(w, http.StatusCreated, dup.dto(true))
}

type workflowChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// handleWorkflowChat is the non-streaming chat path: the engine runs the
// flow and we return a single string.
func (s server) handleWorkflowChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	workflowID, ok := uuidParam(r, "workflowID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid workflow id")
		return
	}

	var req workflowChatRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, errValidation, "message is required")
		return
	}

	ctx := r.Context()

	wf, err := s.loadWorkflow(ctx, userID, workflowID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get workflow failed", err)
		return
	}
	if wf.FlowEngineID == "" {
		writeError(w, r, http.StatusConflict, errConflict, "workflow has no engine flow")
		return
	}

	conversationID, sessionID, err := s.ensureConversation(ctx, userID, workflowID, req.ConversationID, req.Message)
	if errors.Is(err, errInvalidConversationID) {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid conversation_id")
		return
	}
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "conversation setup failed", err)
		return
	}

	userMsgID, err := s.persistMessage(ctx, conversationID, "user", req.Message, nil)
	if err != nil {
		logError(ctx, "persist user message failed", err)
	}

	text, _, err := s.flow.Run(ctx, wf.FlowEngineID, req.Message, sessionID)
	if err != nil {
		writeFlowEngineError(w, r, "flow run failed", err)
		return
	}

	assistantMsgID, err := s.persistMessage(ctx, conversationID, "assistant", text, nil)
	if err != nil {
		logError(ctx, "persist assistant message failed", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"response":        text,
		"conversation_id": conversationID.String(),
		"message_id":      assistantMsgID.String(),
		"user_message_id": userMsgID.String(),
	})
}

func (s server) ensureConversation(ctx context.Context, userID, workflowID uuid.UUID, raw, firstMessage string) (uuid.UUID, string, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		conversationID, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, "", errInvalidConversationID
		}
		var sessionID string
		err = s.db.QueryRow(ctx, `
			select session_id from conversations
			where id = $1 and owner_id = $2 and workflow_id = $3
		`, conversationID, userID, workflowID).Scan(&sessionID)
		if err != nil {
			return uuid.Nil, "", err
		}
		if _, err := s.db.Exec(ctx, `update conversations set updated_at=now() where id=$1`, conversationID); err != nil {
			logError(ctx, "conversation touch failed", err)
		}
		return conversationID, sessionID, nil
	}

	sessionID := uuid.NewString()
	title := firstMessage
	if runes := []rune(title); len(runes) > 60 {
		title = string(runes[:60]) + "…"
	}
	var conversationID uuid.UUID
	err := s.db.QueryRow(ctx, `
		insert into conversations (owner_id, workflow_id, session_id, title)
		values ($1, $2, $3, $4)
		returning id
	`, userID, workflowID, sessionID, title).Scan(&conversationID)
	return conversationID, sessionID, err
}

func (s server) persistMessage(ctx context.Context, conversationID uuid.UUID, role, content string, metadata map[string]any) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		insert into messages (conversation_id, role, content, metadata)
		values ($1, $2, $3, $4)
		returning id
	`, conversationID, role, content, metadata).Scan(&id)
	return id, err
}

func (s server) handleExportWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	workflowID, ok := uuidParam(r, "workflowID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid workflow id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	wf, err := s.loadWorkflow(ctx, userID, workflowID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get workflow failed", err)
		return
	}

	sanitized, _ := secrets.Sanitize(map[string]any(wf.FlowData)).(map[string]any)
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     1,
		"type":        "workflow",
		"name":        wf.Name,
		"description": wf.Description,
		"flow_data":   sanitized,
	})
}

func (s server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	workflowID, ok := uuidParam(r, "workflowID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid workflow id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select id, session_id, title, created_at, updated_at
		from conversations
		where owner_id = $1 and workflow_id = $2
		order by updated_at desc
		limit 100
	`, userID, workflowID)
	if err != nil {
		writeInternalError(w, r, "list conversations failed", err)
		return
	}
	defer rows.Close()

	type conversationDTO struct {
		ID        string `json:"id"`
		SessionID string `json:"session_id"`
		Title     string `json:"title"`
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}
	out := make([]conversationDTO, 0)
	for rows.Next() {
		var (
			id                   uuid.UUID
			sessionID, title     string
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&id, &sessionID, &title, &createdAt, &updatedAt); err != nil {
			writeInternalError(w, r, "scan conversation failed", err)
			return
		}
		out = append(out, conversationDTO{
			ID:        id.String(),
			SessionID: sessionID,
			Title:     title,
			CreatedAt: createdAt.UTC().Format(time.RFC3339),
			UpdatedAt: updatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	conversationID, ok := uuidParam(r, "conversationID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid conversation id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var exists bool
	err := s.db.QueryRow(ctx, `
		select true from conversations where id=$1 and owner_id=$2
	`, conversationID, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "conversation lookup failed", err)
		return
	}

	rows, err := s.db.Query(ctx, `
		select id, role, content, metadata, created_at
		from messages
		where conversation_id = $1
		order by created_at asc
		limit 500
	`, conversationID)
	if err != nil {
		writeInternalError(w, r, "list messages failed", err)
		return
	}
	defer rows.Close()

	type messageDTO struct {
		ID        string         `json:"id"`
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		CreatedAt string         `json:"created_at"`
	}
	out := make([]messageDTO, 0)
	for rows.Next() {
		var (
			id        uuid.UUID
			role      string
			content   string
			metaB     []byte
			createdAt time.Time
		)
		if err := rows.Scan(&id, &role, &content, &metaB, &createdAt); err != nil {
			writeInternalError(w, r, "scan message failed", err)
			return
		}
		var meta map[string]any
		if err := unmarshalJSONNullable(metaB, &meta); err != nil {
			logError(ctx, "message metadata decode failed", err)
		}
		out = append(out, messageDTO{
			ID:        id.String(),
			Role:      role,
			Content:   content,
			Metadata:  meta,
			CreatedAt: createdAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}
