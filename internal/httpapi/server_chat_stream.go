package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"teachcharlie/internal/chatrun"
	"teachcharlie/internal/flowgraph"
	"teachcharlie/internal/llm"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func writeSSE(w *bufio.Writer, eventName string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := w.WriteString("event: " + eventName + "\n"); err != nil {
		return err
	}
	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return err
	}
	return nil
}

type chatStreamRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	History        []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"history"`
}

func (req chatStreamRequest) historyMessages() []llm.Message {
	out := make([]llm.Message, 0, len(req.History))
	for _, h := range req.History {
		role := strings.TrimSpace(h.Role)
		if role != "user" && role != "assistant" {
			continue
		}
		out = append(out, llm.Message{Role: role, Content: h.Content})
	}
	return out
}

// resolveToolEntityID picks the provider-side entity a tool call runs as: the
// entity of an active connection, else the user id itself.
func (s server) resolveToolEntityID(ctx context.Context, userID uuid.UUID) string {
	var entityID string
	err := s.db.QueryRow(ctx, `
		select entity_id from user_connections
		where owner_id = $1 and status = 'active'
		order by connected_at desc nulls last
		limit 1
	`, userID).Scan(&entityID)
	if err == nil && strings.TrimSpace(entityID) != "" {
		return entityID
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		logError(ctx, "entity id lookup failed", err)
	}
	if userID != uuid.Nil {
		return userID.String()
	}
	return "default"
}

// appToolMaterializer resolves the user's connected apps into runnable tools.
func (s server) appToolMaterializer(userID uuid.UUID) chatrun.ToolMaterializer {
	return func(ctx context.Context) ([]chatrun.RunnableTool, error) {
		if !s.tools.Configured() {
			return nil, errors.New("tool provider is not configured")
		}

		rows, err := s.db.Query(ctx, `
			select distinct app_name from user_connections
			where owner_id = $1 and status = 'active'
		`, userID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var apps []string
		for rows.Next() {
			var app string
			if err := rows.Scan(&app); err != nil {
				return nil, err
			}
			apps = append(apps, app)
		}
		if len(apps) == 0 {
			return nil, nil
		}

		defs, err := s.tools.ListTools(ctx, apps)
		if err != nil {
			return nil, err
		}
		entityID := s.resolveToolEntityID(ctx, userID)

		out := make([]chatrun.RunnableTool, 0, len(defs))
		for _, def := range defs {
			name := def.Name
			out = append(out, chatrun.RunnableTool{
				Def: llm.ToolDef{
					Name:        name,
					Description: def.Description,
					Parameters:  def.Parameters,
				},
				Run: func(ctx context.Context, args map[string]any) (string, error) {
					res, err := s.tools.ExecuteTool(ctx, name, entityID, args)
					if err != nil {
						return "", err
					}
					b, err := json.Marshal(res)
					if err != nil {
						return "", err
					}
					return string(b), nil
				},
			})
		}
		return out, nil
	}
}

func hasTool(tools []string, id string) bool {
	for _, t := range tools {
		if t == id {
			return true
		}
	}
	return false
}

// streamComponentChat runs one executor turn for the component and relays
// events over SSE. Owner credentials drive the model; persist controls
// whether the turn lands in the conversation history.
func (s server) streamComponentChat(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID, c agentComponent, req chatStreamRequest, persist bool) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errInternal, "streaming unsupported")
		return
	}

	provider := s.defaultLLMProvider(ctx, ownerID)
	apiKey, err := s.llmAPIKey(ctx, ownerID, provider)
	if err != nil {
		writeInternalError(w, r, "llm key lookup failed", err)
		return
	}
	cfg := flowgraph.Provider(provider)

	var conversationID uuid.UUID
	messageID := uuid.New()
	if persist {
		conversationID, err = s.ensureComponentConversation(ctx, ownerID, c.ID, req.ConversationID, req.Message)
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
		if _, err := s.persistMessage(ctx, conversationID, "user", req.Message, nil); err != nil {
			logError(ctx, "persist user message failed", err)
		}
	} else {
		conversationID = uuid.New()
	}

	in := chatrun.Input{
		SessionID:      uuid.NewString(),
		ConversationID: conversationID.String(),
		MessageID:      messageID.String(),
		Provider:       provider,
		Model:          cfg.ModelName,
		BaseURL:        cfg.BaseURL,
		APIKey:         apiKey,
		SystemPrompt:   c.SystemPrompt,
		History:        req.historyMessages(),
		UserMessage:    req.Message,
	}
	if hasTool(c.SelectedTools, "composio_all_apps") {
		in.Tools = s.appToolMaterializer(ownerID)
		in.RequireTools = true
	}

	persistTo := uuid.Nil
	if persist {
		persistTo = conversationID
	}
	s.runChatStream(w, r, flusher, in, persistTo)
}

// runChatStream drives the executor and relays its events over SSE. A non-nil
// persistTo conversation receives the final assistant text.
func (s server) runChatStream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, in chatrun.Input, persistTo uuid.UUID) {
	ctx := r.Context()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	bw := bufio.NewWriterSize(w, 16*1024)
	defer func() {
		if err := bw.Flush(); err != nil {
			logError(ctx, "sse flush failed", err)
		}
	}()

	emit := func(ev chatrun.Event) bool {
		if err := writeSSE(bw, ev.EventType, ev); err != nil {
			logError(ctx, "sse write failed", err)
			return false
		}
		if err := bw.Flush(); err != nil {
			logError(ctx, "sse flush failed", err)
			return false
		}
		flusher.Flush()
		return true
	}

	opts := chatrun.Options{
		ChunkSize:          s.chatChunkSize,
		ChunkDelay:         s.chatChunkDelay,
		ToolOutputMaxChars: s.toolOutputMaxChars,
		MaterializeTimeout: s.toolMaterializeTimeout,
	}
	res := chatrun.Run(ctx, llm.NewClient(0), in, opts, emit)

	if persistTo != uuid.Nil && res.Err == nil && strings.TrimSpace(res.Text) != "" {
		var meta map[string]any
		if len(res.ToolCalls) > 0 {
			meta = map[string]any{"tool_calls": res.ToolCalls}
		}
		// The stream is already closed from the client's point of view;
		// persistence failures only lose history.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := s.persistMessage(pctx, persistTo, "assistant", res.Text, meta); err != nil {
			logError(ctx, "persist assistant message failed", err)
		}
	}
}

// workflowSystemPrompt pulls the agent prompt out of the cached graph. Flows
// without an agent node fall back to a plain assistant prompt.
func workflowSystemPrompt(flow flowgraph.Flow) string {
	if prompt, ok := flowgraph.AgentSystemPrompt(flow); ok {
		return prompt
	}
	return "You are a helpful assistant."
}

// handleWorkflowChatStream runs the workflow's agent through the chat
// executor, streaming events over SSE instead of going through the engine.
func (s server) handleWorkflowChatStream(w http.ResponseWriter, r *http.Request) {
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

	var req chatStreamRequest
	if !readJSONLimited(w, r, &req, 256*1024) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errInternal, "streaming unsupported")
		return
	}

	provider := s.defaultLLMProvider(ctx, userID)
	apiKey, err := s.llmAPIKey(ctx, userID, provider)
	if err != nil {
		writeInternalError(w, r, "llm key lookup failed", err)
		return
	}
	cfg := flowgraph.Provider(provider)

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
	if _, err := s.persistMessage(ctx, conversationID, "user", req.Message, nil); err != nil {
		logError(ctx, "persist user message failed", err)
	}

	in := chatrun.Input{
		SessionID:      sessionID,
		ConversationID: conversationID.String(),
		MessageID:      uuid.NewString(),
		Provider:       provider,
		Model:          cfg.ModelName,
		BaseURL:        cfg.BaseURL,
		APIKey:         apiKey,
		SystemPrompt:   workflowSystemPrompt(wf.FlowData),
		History:        req.historyMessages(),
		UserMessage:    req.Message,
	}
	if _, ok := flowgraph.ClassifyToolNodes(wf.FlowData)["composio_all_apps"]; ok {
		in.Tools = s.appToolMaterializer(userID)
		in.RequireTools = true
	}

	s.runChatStream(w, r, flusher, in, conversationID)
}

func (s server) ensureComponentConversation(ctx context.Context, userID, componentID uuid.UUID, raw, firstMessage string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		conversationID, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, errInvalidConversationID
		}
		var exists bool
		err = s.db.QueryRow(ctx, `
			select true from conversations
			where id = $1 and owner_id = $2 and agent_component_id = $3
		`, conversationID, userID, componentID).Scan(&exists)
		if err != nil {
			return uuid.Nil, err
		}
		if _, err := s.db.Exec(ctx, `update conversations set updated_at=now() where id=$1`, conversationID); err != nil {
			logError(ctx, "conversation touch failed", err)
		}
		return conversationID, nil
	}

	title := firstMessage
	if runes := []rune(title); len(runes) > 60 {
		title = string(runes[:60]) + "…"
	}
	var conversationID uuid.UUID
	err := s.db.QueryRow(ctx, `
		insert into conversations (owner_id, agent_component_id, session_id, title)
		values ($1, $2, $3, $4)
		returning id
	`, userID, componentID, uuid.NewString(), title).Scan(&conversationID)
	return conversationID, err
}

func (s server) handleAgentComponentChatStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	componentID, ok := uuidParam(r, "componentID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid agent id")
		return
	}

	var req chatStreamRequest
	if !readJSONLimited(w, r, &req, 256*1024) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, errValidation, "message is required")
		return
	}

	c, err := s.loadAgentComponent(r.Context(), userID, componentID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "agent not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get agent failed", err)
		return
	}

	s.streamComponentChat(w, r, userID, c, req, true)
}

// loadPublishedAgent resolves a share token to a live published agent and its
// owner. Tokens for unpublished or deactivated agents behave like unknown.
func (s server) loadPublishedAgent(ctx context.Context, shareToken string) (agentComponent, error) {
	var id, ownerID uuid.UUID
	if err := s.db.QueryRow(ctx, `
		select id, owner_id from agent_components
		where share_token = $1 and is_published and is_active
	`, shareToken).Scan(&id, &ownerID); err != nil {
		return agentComponent{}, err
	}
	return s.loadAgentComponent(ctx, ownerID, id)
}

func (s server) handleGetPublishedAgent(w http.ResponseWriter, r *http.Request) {
	shareToken := strings.TrimSpace(urlParam(r, "shareToken"))
	if shareToken == "" {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid share token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	c, err := s.loadPublishedAgent(ctx, shareToken)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "published agent not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "published agent lookup failed", err)
		return
	}

	// Public surface only: no prompt, no graph, no owner identity.
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             c.ID.String(),
		"name":           c.Name,
		"description":    c.Who,
		"selected_tools": c.SelectedTools,
		"share_token":    shareToken,
	})
}

func (s server) handlePublishedChat(w http.ResponseWriter, r *http.Request) {
	shareToken := strings.TrimSpace(urlParam(r, "shareToken"))
	if shareToken == "" {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid share token")
		return
	}

	var req chatStreamRequest
	if !readJSONLimited(w, r, &req, 256*1024) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, errValidation, "message is required")
		return
	}

	c, err := s.loadPublishedAgent(r.Context(), shareToken)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "published agent not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "published agent lookup failed", err)
		return
	}

	// Anonymous visitors chat on the owner's credentials; nothing persists.
	s.streamComponentChat(w, r, c.OwnerID, c, req, false)
}

type publishCanvasEventRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (s server) handlePublishCanvasEvent(w http.ResponseWriter, r *http.Request) {
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

	var req publishCanvasEventRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" || len(req.Type) > 64 {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid event type")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var exists bool
	err := s.db.QueryRow(ctx, `
		select true from workflows where id=$1 and owner_id=$2
	`, workflowID, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "workflow lookup failed", err)
		return
	}

	ev := canvasEvent{
		WorkflowID: workflowID.String(),
		Type:       req.Type,
		Data:       req.Data,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.br.publish(workflowID, ev)
	writeJSON(w, http.StatusAccepted, ev)
}

func (s server) handleCanvasEventStream(w http.ResponseWriter, r *http.Request) {
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

	ctx := r.Context()

	var exists bool
	err := s.db.QueryRow(ctx, `
		select true from workflows where id=$1 and owner_id=$2
	`, workflowID, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "workflow not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "workflow lookup failed", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	bw := bufio.NewWriterSize(w, 16*1024)
	defer func() {
		if err := bw.Flush(); err != nil {
			logError(ctx, "sse flush failed", err)
		}
	}()

	ch := s.br.subscribe(workflowID)
	defer s.br.unsubscribe(workflowID, ch)

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := writeSSE(bw, "event", ev); err != nil {
				logError(ctx, "sse write failed", err)
				return
			}
			if err := bw.Flush(); err != nil {
				logError(ctx, "sse flush failed", err)
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := bw.WriteString(": keepalive\n\n"); err != nil {
				logError(ctx, "sse keepalive write failed", err)
				return
			}
			if err := bw.Flush(); err != nil {
				logError(ctx, "sse flush failed", err)
				return
			}
			flusher.Flush()
		}
	}
}
