package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"teachcharlie/internal/flowgraph"
	"teachcharlie/internal/knowledge"
	"teachcharlie/internal/llm"
	"teachcharlie/internal/plans"
	"teachcharlie/internal/secrets"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type agentComponent struct {
	ID            uuid.UUID
	OwnerID       uuid.UUID
	ProjectID     uuid.UUID
	Name          string
	Who           string
	Rules         string
	Tricks        string
	SelectedTools []string
	TemplateName  string
	SystemPrompt  string
	FlowData      flowgraph.Flow
	IsPublished   bool
	ShareToken    string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type agentComponentDTO struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Name          string         `json:"name"`
	Who           string         `json:"who"`
	Rules         string         `json:"rules"`
	Tricks        string         `json:"tricks"`
	SelectedTools []string       `json:"selected_tools"`
	TemplateName  string         `json:"template_name"`
	SystemPrompt  string         `json:"system_prompt"`
	FlowData      map[string]any `json:"flow_data,omitempty"`
	IsPublished   bool           `json:"is_published"`
	ShareToken    string         `json:"share_token,omitempty"`
	IsActive      bool           `json:"is_active"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

func (c agentComponent) dto(includeFlow bool) agentComponentDTO {
	d := agentComponentDTO{
		ID:            c.ID.String(),
		ProjectID:     c.ProjectID.String(),
		Name:          c.Name,
		Who:           c.Who,
		Rules:         c.Rules,
		Tricks:        c.Tricks,
		SelectedTools: c.SelectedTools,
		TemplateName:  c.TemplateName,
		SystemPrompt:  c.SystemPrompt,
		IsPublished:   c.IsPublished,
		ShareToken:    c.ShareToken,
		IsActive:      c.IsActive,
		CreatedAt:     c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if includeFlow {
		// Flow data may carry injected provider keys; never serialize them.
		d.FlowData, _ = secrets.Sanitize(map[string]any(flowgraph.CloneFlow(c.FlowData))).(map[string]any)
	}
	if d.SelectedTools == nil {
		d.SelectedTools = []string{}
	}
	return d
}

const agentComponentColumns = `
	id, owner_id, project_id, name, who, rules, tricks, selected_tools,
	template_name, system_prompt, flow_data, is_published,
	coalesce(share_token, ''), is_active, created_at, updated_at
`

func scanAgentComponent(row pgx.Row) (agentComponent, error) {
	var c agentComponent
	var toolsB, flowB []byte
	if err := row.Scan(
		&c.ID, &c.OwnerID, &c.ProjectID, &c.Name, &c.Who, &c.Rules, &c.Tricks, &toolsB,
		&c.TemplateName, &c.SystemPrompt, &flowB, &c.IsPublished,
		&c.ShareToken, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return agentComponent{}, err
	}
	if err := unmarshalJSONNullable(toolsB, &c.SelectedTools); err != nil {
		return agentComponent{}, err
	}
	if err := unmarshalJSONNullable(flowB, &c.FlowData); err != nil {
		return agentComponent{}, err
	}
	return c, nil
}

func (s server) loadAgentComponent(ctx context.Context, ownerID, componentID uuid.UUID) (agentComponent, error) {
	return scanAgentComponent(s.db.QueryRow(ctx, `
		select `+agentComponentColumns+`
		from agent_components
		where id = $1 and owner_id = $2
	`, componentID, ownerID))
}

func normalizeSelectedTools(in []string) ([]string, bool) {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !flowgraph.KnownTool(t) {
			return nil, false
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, true
}

// knowledgeContent loads the user's ready knowledge sources for retriever
// injection. Best-effort: an empty string simply yields a retriever without
// preloaded content.
func (s server) knowledgeContent(ctx context.Context, userID uuid.UUID) string {
	if s.loader == nil {
		return ""
	}
	rows, err := s.db.Query(ctx, `
		select id, name, object_key, mime_type, coalesce(content_preview, '')
		from knowledge_sources
		where owner_id = $1 and status = 'ready'
		order by created_at asc
	`, userID)
	if err != nil {
		logError(ctx, "knowledge sources query failed", err)
		return ""
	}
	defer rows.Close()

	var sources []knowledge.Source
	for rows.Next() {
		var src knowledge.Source
		var id uuid.UUID
		if err := rows.Scan(&id, &src.Name, &src.ObjectKey, &src.MimeType, &src.Preview); err != nil {
			logError(ctx, "knowledge source scan failed", err)
			return ""
		}
		src.ID = id.String()
		sources = append(sources, src)
	}

	content, err := s.loader.Load(ctx, userID.String(), sources)
	if err != nil {
		logError(ctx, "knowledge load failed", err)
		return ""
	}
	return content
}

type createFromQARequest struct {
	Who           string   `json:"who"`
	Rules         string   `json:"rules"`
	Tricks        string   `json:"tricks"`
	SelectedTools []string `json:"selected_tools"`
	TemplateName  string   `json:"template_name"`
	Name          string   `json:"name"`
	ProjectID     string   `json:"project_id"`
}

func (s server) handleCreateAgentFromQA(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req createFromQARequest
	if !readJSONLimited(w, r, &req, 256*1024) {
		return
	}
	req.Who = strings.TrimSpace(req.Who)
	req.Rules = strings.TrimSpace(req.Rules)
	req.Tricks = strings.TrimSpace(req.Tricks)
	if req.Who == "" || req.Rules == "" {
		writeError(w, r, http.StatusBadRequest, errValidation, "who and rules are required")
		return
	}
	tools, ok := normalizeSelectedTools(req.SelectedTools)
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "unknown tool id in selected_tools")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	plan, _ := plans.Get(userPlanFromCtx(r.Context()))
	var count int
	if err := s.db.QueryRow(ctx, `select count(*) from agent_components where owner_id=$1`, userID).Scan(&count); err != nil {
		writeInternalError(w, r, "agent count failed", err)
		return
	}
	if !plans.Allows(plan.Limits.Agents, count) {
		writeErrorDetails(w, r, http.StatusPaymentRequired, errQuotaExceeded, "agent limit reached for your plan",
			map[string]any{"limit": plan.Limits.Agents, "current": count})
		return
	}

	projectID, ok := s.resolveProject(ctx, w, r, userID, req.ProjectID)
	if !ok {
		return
	}

	var knowledgeContent string
	for _, t := range tools {
		if t == "knowledge_search" {
			knowledgeContent = s.knowledgeContent(ctx, userID)
			break
		}
	}

	flow, systemPrompt, autoName, err := flowgraph.CreateFlowFromQA(flowgraph.QAInput{
		Who:              req.Who,
		Rules:            req.Rules,
		Tricks:           req.Tricks,
		SelectedTools:    tools,
		TemplateName:     req.TemplateName,
		KnowledgeContent: knowledgeContent,
	})
	if err != nil {
		var notFound flowgraph.ErrTemplateNotFound
		if errors.As(err, &notFound) {
			writeError(w, r, http.StatusBadRequest, errValidation, "unknown template: "+notFound.Name)
			return
		}
		writeInternalError(w, r, "flow build failed", err)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = autoName
	}

	c, err := scanAgentComponent(s.db.QueryRow(ctx, `
		insert into agent_components
			(owner_id, project_id, name, who, rules, tricks, selected_tools,
			 template_name, system_prompt, flow_data, is_published, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, true)
		returning `+agentComponentColumns+`
	`, userID, projectID, name, req.Who, req.Rules, req.Tricks, tools,
		templateNameOrDefault(req.TemplateName), systemPrompt, flow))
	if err != nil {
		writeInternalError(w, r, "create agent failed", err)
		return
	}

	s.audit(ctx, "user", userID, "agent_created", map[string]any{"component_id": c.ID.String()})
	writeJSON(w, http.StatusCreated, c.dto(true))
}

func templateNameOrDefault(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "agent_base"
	}
	return name
}

// resolveProject validates the requested project or falls back to the
// default one. A false return means the response was already written.
func (s server) resolveProject(ctx context.Context, w http.ResponseWriter, r *http.Request, userID uuid.UUID, raw string) (uuid.UUID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		id, err := s.defaultProjectID(ctx, userID)
		if err != nil {
			writeInternalError(w, r, "default project failed", err)
			return uuid.Nil, false
		}
		return id, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid project_id")
		return uuid.Nil, false
	}
	var exists bool
	err = s.db.QueryRow(ctx, `select true from projects where id=$1 and owner_id=$2`, id, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "project not found")
		return uuid.Nil, false
	}
	if err != nil {
		writeInternalError(w, r, "project lookup failed", err)
		return uuid.Nil, false
	}
	return id, true
}

func (s server) handleListAgentComponents(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	limit := clampInt(intQuery(r, "limit", 50), 1, 200)
	args := []any{userID, limit}
	where := ""
	if pid := strings.TrimSpace(r.URL.Query().Get("project_id")); pid != "" {
		projectID, err := uuid.Parse(pid)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errValidation, "invalid project_id")
			return
		}
		where = "and project_id = $3"
		args = append(args, projectID)
	}

	rows, err := s.db.Query(ctx, `
		select `+agentComponentColumns+`
		from agent_components
		where owner_id = $1 `+where+`
		order by updated_at desc
		limit $2
	`, args...)
	if err != nil {
		writeInternalError(w, r, "list agents failed", err)
		return
	}
	defer rows.Close()

	out := make([]agentComponentDTO, 0)
	for rows.Next() {
		c, err := scanAgentComponent(rows)
		if err != nil {
			writeInternalError(w, r, "scan agent failed", err)
			return
		}
		out = append(out, c.dto(false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_components": out})
}

func (s server) handleGetAgentComponent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	componentID, ok := uuidParam(r, "componentID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid component id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
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
	writeJSON(w, http.StatusOK, c.dto(true))
}

type updateAgentComponentRequest struct {
	Name          *string   `json:"name"`
	Who           *string   `json:"who"`
	Rules         *string   `json:"rules"`
	Tricks        *string   `json:"tricks"`
	SelectedTools *[]string `json:"selected_tools"`
	IsActive      *bool     `json:"is_active"`
	ProjectID     *string   `json:"project_id"`
}

func (s server) handleUpdateAgentComponent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	componentID, ok := uuidParam(r, "componentID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid component id")
		return
	}

	var req updateAgentComponentRequest
	if !readJSONLimited(w, r, &req, 256*1024) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
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

	syncable := false
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > 128 {
			writeError(w, r, http.StatusBadRequest, errValidation, "name required (max 128 chars)")
			return
		}
		if name != c.Name {
			c.Name = name
			syncable = true
		}
	}
	if req.Who != nil && strings.TrimSpace(*req.Who) != c.Who {
		c.Who = strings.TrimSpace(*req.Who)
		if c.Who == "" {
			writeError(w, r, http.StatusBadRequest, errValidation, "who cannot be empty")
			return
		}
		syncable = true
	}
	if req.Rules != nil && strings.TrimSpace(*req.Rules) != c.Rules {
		c.Rules = strings.TrimSpace(*req.Rules)
		if c.Rules == "" {
			writeError(w, r, http.StatusBadRequest, errValidation, "rules cannot be empty")
			return
		}
		syncable = true
	}
	if req.Tricks != nil && strings.TrimSpace(*req.Tricks) != c.Tricks {
		c.Tricks = strings.TrimSpace(*req.Tricks)
		syncable = true
	}
	if req.SelectedTools != nil {
		tools, ok := normalizeSelectedTools(*req.SelectedTools)
		if !ok {
			writeError(w, r, http.StatusBadRequest, errValidation, "unknown tool id in selected_tools")
			return
		}
		if !equalStrings(tools, c.SelectedTools) {
			c.SelectedTools = tools
			syncable = true
		}
	}
	if req.IsActive != nil {
		c.IsActive = *req.IsActive
	}
	if req.ProjectID != nil {
		projectID, ok := s.resolveProject(ctx, w, r, userID, *req.ProjectID)
		if !ok {
			return
		}
		c.ProjectID = projectID
	}

	if syncable {
		var knowledgeContent string
		for _, t := range c.SelectedTools {
			if t == "knowledge_search" {
				knowledgeContent = s.knowledgeContent(ctx, userID)
				break
			}
		}
		flow, systemPrompt, _, err := flowgraph.CreateFlowFromQA(flowgraph.QAInput{
			Who:              c.Who,
			Rules:            c.Rules,
			Tricks:           c.Tricks,
			SelectedTools:    c.SelectedTools,
			TemplateName:     c.TemplateName,
			AgentDisplayName: c.Name,
			KnowledgeContent: knowledgeContent,
		})
		if err != nil {
			writeInternalError(w, r, "flow rebuild failed", err)
			return
		}
		c.SystemPrompt = systemPrompt
		c.FlowData = flow
	}

	tag, err := s.db.Exec(ctx, `
		update agent_components
		set name=$3, who=$4, rules=$5, tricks=$6, selected_tools=$7,
		    system_prompt=$8, flow_data=$9, is_active=$10, project_id=$11,
		    updated_at=now()
		where id=$1 and owner_id=$2
	`, componentID, userID, c.Name, c.Who, c.Rules, c.Tricks, c.SelectedTools,
		c.SystemPrompt, c.FlowData, c.IsActive, c.ProjectID)
	if err != nil {
		writeInternalError(w, r, "update agent failed", err)
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, r, http.StatusNotFound, errNotFound, "agent not found")
		return
	}

	if syncable {
		s.syncLinkedWorkflows(ctx, userID, c)
	}

	s.audit(ctx, "user", userID, "agent_updated", map[string]any{
		"component_id": componentID.String(),
		"synced":       syncable,
	})
	s.handleGetAgentComponent(w, r)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// syncLinkedWorkflows reconciles every active workflow that embeds this
// component with its new personality. Best-effort per workflow: one broken
// workflow must not block the rest.
func (s server) syncLinkedWorkflows(ctx context.Context, userID uuid.UUID, c agentComponent) {
	rows, err := s.db.Query(ctx, `
		select id, flow_engine_id, flow_data
		from workflows
		where owner_id = $1 and is_active and agent_component_ids ? $2
	`, userID, c.ID.String())
	if err != nil {
		logError(ctx, "sync: linked workflow query failed", err)
		return
	}
	defer rows.Close()

	type linked struct {
		id       uuid.UUID
		engineID string
		cached   flowgraph.Flow
	}
	var targets []linked
	for rows.Next() {
		var t linked
		var flowB []byte
		if err := rows.Scan(&t.id, &t.engineID, &flowB); err != nil {
			logError(ctx, "sync: linked workflow scan failed", err)
			return
		}
		if err := unmarshalJSONNullable(flowB, &t.cached); err != nil {
			logError(ctx, "sync: cached flow decode failed", err)
			continue
		}
		targets = append(targets, t)
	}

	for _, t := range targets {
		if err := s.syncOneWorkflow(ctx, t.id, t.engineID, t.cached, c); err != nil {
			logError(ctx, "sync: workflow "+t.id.String()+" failed", err)
		}
	}
}

func (s server) syncOneWorkflow(ctx context.Context, workflowID uuid.UUID, engineID string, cached flowgraph.Flow, c agentComponent) error {
	flow := cached
	if engineID != "" {
		remote, err := s.flow.GetFlow(ctx, engineID)
		if err != nil {
			logError(ctx, "sync: remote fetch failed, using cached flow", err)
		} else if remote != nil {
			flow = remote
		}
	}
	if flow == nil {
		return errors.New("no flow data available")
	}

	agentNodeID, ok := flowgraph.AgentNodeID(flow)
	if !ok {
		return errors.New("no agent node in flow")
	}
	flowgraph.SetAgentSystemPrompt(flow, c.SystemPrompt)
	flowgraph.SetAgentDisplayName(flow, c.Name)

	current := flowgraph.ClassifyToolNodes(flow)
	desired := map[string]struct{}{}
	for _, t := range c.SelectedTools {
		desired[t] = struct{}{}
	}

	var staleNodes []string
	for toolID, nodeIDs := range current {
		if _, keep := desired[toolID]; !keep {
			staleNodes = append(staleNodes, nodeIDs...)
		}
	}
	if len(staleNodes) > 0 {
		flowgraph.RemoveNodes(flow, staleNodes)
	}

	var missing []string
	for _, t := range c.SelectedTools {
		if _, present := current[t]; !present {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		knowledgeContent := ""
		for _, t := range missing {
			if t == "knowledge_search" {
				knowledgeContent = s.knowledgeContent(ctx, c.OwnerID)
				break
			}
		}
		flow, _ = flowgraph.InjectTools(flow, missing, agentNodeID, knowledgeContent)
	}

	if engineID != "" {
		if err := s.flow.UpdateFlow(ctx, engineID, flow); err != nil {
			logError(ctx, "sync: remote push failed", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		update workflows set flow_data=$2, updated_at=now() where id=$1
	`, workflowID, flow)
	return err
}

func (s server) handleDeleteAgentComponent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	componentID, ok := uuidParam(r, "componentID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid component id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tag, err := s.db.Exec(ctx, `
		delete from agent_components where id=$1 and owner_id=$2
	`, componentID, userID)
	if err != nil {
		writeInternalError(w, r, "delete agent failed", err)
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, r, http.StatusNotFound, errNotFound, "agent not found")
		return
	}

	s.audit(ctx, "user", userID, "agent_deleted", map[string]any{"component_id": componentID.String()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type duplicateRequest struct {
	Name string `json:"name"`
}

func (s server) handleDuplicateAgentComponent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	componentID, ok := uuidParam(r, "componentID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid component id")
		return
	}

	var req duplicateRequest
	if !readJSONLimited(w, r, &req, 16*1024) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
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

	plan, _ := plans.Get(userPlanFromCtx(r.Context()))
	var count int
	if err := s.db.QueryRow(ctx, `select count(*) from agent_components where owner_id=$1`, userID).Scan(&count); err != nil {
		writeInternalError(w, r, "agent count failed", err)
		return
	}
	if !plans.Allows(plan.Limits.Agents, count) {
		writeErrorDetails(w, r, http.StatusPaymentRequired, errQuotaExceeded, "agent limit reached for your plan",
			map[string]any{"limit": plan.Limits.Agents, "current": count})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = c.Name + " (Copy)"
	}

	dup, err := scanAgentComponent(s.db.QueryRow(ctx, `
		insert into agent_components
			(owner_id, project_id, name, who, rules, tricks, selected_tools,
			 template_name, system_prompt, flow_data, is_published, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, true)
		returning `+agentComponentColumns+`
	`, userID, c.ProjectID, name, c.Who, c.Rules, c.Tricks, c.SelectedTools,
		c.TemplateName, c.SystemPrompt, c.FlowData))
	if err != nil {
		writeInternalError(w, r, "duplicate agent failed", err)
		return
	}

	s.audit(ctx, "user", userID, "agent_duplicated", map[string]any{
		"source_id": componentID.String(), "component_id": dup.ID.String(),
	})
	writeJSON(w, http.StatusCreated, dup.dto(true))
}

func (s server) handlePublishAgentComponent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	componentID, ok := uuidParam(r, "componentID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid component id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	shareToken, err := secrets.NewRandomToken()
	if err != nil {
		writeInternalError(w, r, "token generation failed", err)
		return
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		writeInternalError(w, r, "db begin failed", err)
		return
	}
	defer tx.Rollback(ctx)

	// At most one published agent per user.
	if _, err := tx.Exec(ctx, `
		update agent_components set is_published=false, updated_at=now()
		where owner_id=$1 and is_published and id <> $2
	`, userID, componentID); err != nil {
		writeInternalError(w, r, "unpublish others failed", err)
		return
	}

	tag, err := tx.Exec(ctx, `
		update agent_components
		set is_published=true,
		    share_token=coalesce(share_token, $3),
		    updated_at=now()
		where id=$1 and owner_id=$2
	`, componentID, userID, shareToken)
	if err != nil {
		writeInternalError(w, r, "publish failed", err)
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, r, http.StatusNotFound, errNotFound, "agent not found")
		return
	}
	if err := tx.Commit(ctx); err != nil {
		writeInternalError(w, r, "db commit failed", err)
		return
	}

	s.audit(ctx, "user", userID, "agent_published", map[string]any{"component_id": componentID.String()})
	s.handleGetAgentComponent(w, r)
}

func (s server) handleUnpublishAgentComponent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	componentID, ok := uuidParam(r, "componentID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid component id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tag, err := s.db.Exec(ctx, `
		update agent_components set is_published=false, updated_at=now()
		where id=$1 and owner_id=$2
	`, componentID, userID)
	if err != nil {
		writeInternalError(w, r, "unpublish failed", err)
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, r, http.StatusNotFound, errNotFound, "agent not found")
		return
	}
	s.audit(ctx, "user", userID, "agent_unpublished", map[string]any{"component_id": componentID.String()})
	s.handleGetAgentComponent(w, r)
}

const agentExportVersion = 1

type agentExport struct {
	Version       int            `json:"version"`
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	Who           string         `json:"who"`
	Rules         string         `json:"rules"`
	Tricks        string         `json:"tricks"`
	SelectedTools []string       `json:"selected_tools"`
	TemplateName  string         `json:"template_name"`
	SystemPrompt  string         `json:"system_prompt"`
	FlowData      map[string]any `json:"flow_data,omitempty"`
}

func (s server) handleExportAgentComponent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	componentID, ok := uuidParam(r, "componentID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid component id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
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

	sanitized, _ := secrets.Sanitize(map[string]any(c.FlowData)).(map[string]any)
	writeJSON(w, http.StatusOK, agentExport{
		Version:       agentExportVersion,
		Type:          "agent_component",
		Name:          c.Name,
		Who:           c.Who,
		Rules:         c.Rules,
		Tricks:        c.Tricks,
		SelectedTools: c.SelectedTools,
		TemplateName:  c.TemplateName,
		SystemPrompt:  c.SystemPrompt,
		FlowData:      sanitized,
	})
}

type importAgentRequest struct {
	agentExport
	ProjectID string `json:"project_id"`
}

func (s server) handleImportAgentComponent(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req importAgentRequest
	if !readJSONLimited(w, r, &req, 1<<20) {
		return
	}
	if req.Version != agentExportVersion || req.Type != "agent_component" {
		writeError(w, r, http.StatusBadRequest, errValidation, "unsupported export format")
		return
	}
	req.Who = strings.TrimSpace(req.Who)
	req.Rules = strings.TrimSpace(req.Rules)
	if req.Who == "" || req.Rules == "" {
		writeError(w, r, http.StatusBadRequest, errValidation, "who and rules are required")
		return
	}
	tools, ok := normalizeSelectedTools(req.SelectedTools)
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "unknown tool id in selected_tools")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	projectID, ok := s.resolveProject(ctx, w, r, userID, req.ProjectID)
	if !ok {
		return
	}

	// Rebuild the flow rather than trusting an imported graph.
	flow, systemPrompt, autoName, err := flowgraph.CreateFlowFromQA(flowgraph.QAInput{
		Who:           req.Who,
		Rules:         req.Rules,
		Tricks:        req.Tricks,
		SelectedTools: tools,
		TemplateName:  req.TemplateName,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errValidation, "flow rebuild failed: "+err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = autoName
	}

	c, err := scanAgentComponent(s.db.QueryRow(ctx, `
		insert into agent_components
			(owner_id, project_id, name, who, rules, tricks, selected_tools,
			 template_name, system_prompt, flow_data, is_published, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, true)
		returning `+agentComponentColumns+`
	`, userID, projectID, name, req.Who, req.Rules, req.Tricks, tools,
		templateNameOrDefault(req.TemplateName), systemPrompt, flow))
	if err != nil {
		writeInternalError(w, r, "import agent failed", err)
		return
	}

	s.audit(ctx, "user", userID, "agent_imported", map[string]any{"component_id": c.ID.String()})
	writeJSON(w, http.StatusCreated, c.dto(true))
}

type componentChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// handleAgentComponentChat is the simple non-streaming bypass path: one
// model call with the component's system prompt, no tools.
func (s server) handleAgentComponentChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	componentID, ok := uuidParam(r, "componentID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid component id")
		return
	}

	var req componentChatRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, errValidation, "message is required")
		return
	}

	ctx := r.Context()
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
	pc := flowgraph.Provider(provider)

	reply, err := llm.NewClient(60*time.Second).Complete(ctx, llm.Request{
		Provider: provider,
		Model:    pc.ModelName,
		BaseURL:  pc.BaseURL,
		APIKey:   apiKey,
		System:   c.SystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: req.Message}},
	})
	if err != nil {
		var lerr *llm.Error
		if errors.As(err, &lerr) {
			writeError(w, r, http.StatusBadGateway, errExternalService, "model call failed")
			return
		}
		writeInternalError(w, r, "model call failed", err)
		return
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"reply":           reply.Text,
		"conversation_id": conversationID,
	})
}
