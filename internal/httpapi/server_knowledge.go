package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"teachcharlie/internal/knowledge"
	"teachcharlie/internal/objstore"
	"teachcharlie/internal/plans"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type knowledgeSourceDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ObjectKey string `json:"object_key,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func (s server) handleListKnowledgeSources(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select id, name, coalesce(object_key, ''), coalesce(mime_type, ''), status, created_at
		from knowledge_sources
		where owner_id = $1
		order by created_at desc
	`, userID)
	if err != nil {
		writeInternalError(w, r, "list knowledge sources failed", err)
		return
	}
	defer rows.Close()

	out := make([]knowledgeSourceDTO, 0)
	for rows.Next() {
		var (
			id                               uuid.UUID
			name, objectKey, mimeType, state string
			createdAt                        time.Time
		)
		if err := rows.Scan(&id, &name, &objectKey, &mimeType, &state, &createdAt); err != nil {
			writeInternalError(w, r, "scan knowledge source failed", err)
			return
		}
		out = append(out, knowledgeSourceDTO{
			ID:        id.String(),
			Name:      name,
			ObjectKey: objectKey,
			MimeType:  mimeType,
			Status:    state,
			CreatedAt: createdAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

type createKnowledgeSourceRequest struct {
	Name           string `json:"name"`
	ObjectKey      string `json:"object_key"`
	MimeType       string `json:"mime_type"`
	ContentPreview string `json:"content_preview"`
}

// handleCreateKnowledgeSource registers an uploaded file. The client uploads
// directly to object storage with scoped credentials first, then records the
// object here.
func (s server) handleCreateKnowledgeSource(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req createKnowledgeSourceRequest
	if !readJSONLimited(w, r, &req, 256*1024) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.ObjectKey = strings.TrimLeft(strings.TrimSpace(req.ObjectKey), "/")
	if req.Name == "" || len(req.Name) > 256 {
		writeError(w, r, http.StatusBadRequest, errValidation, "name required (max 256 chars)")
		return
	}
	if req.ObjectKey == "" && strings.TrimSpace(req.ContentPreview) == "" {
		writeError(w, r, http.StatusBadRequest, errValidation, "object_key or content_preview is required")
		return
	}
	if strings.Contains(req.ObjectKey, "..") {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid object_key")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	plan, _ := plans.Get(userPlanFromCtx(r.Context()))
	var count int
	if err := s.db.QueryRow(ctx, `select count(*) from knowledge_sources where owner_id=$1`, userID).Scan(&count); err != nil {
		writeInternalError(w, r, "knowledge source count failed", err)
		return
	}
	if !plans.Allows(plan.Limits.KnowledgeFiles, count) {
		writeErrorDetails(w, r, http.StatusPaymentRequired, errQuotaExceeded, "knowledge file limit reached for your plan",
			map[string]any{"limit": plan.Limits.KnowledgeFiles, "current": count})
		return
	}

	status := "ready"
	if req.ObjectKey != "" {
		key := objstore.UserKnowledgePrefix(userID.String()) + req.ObjectKey
		exists, err := s.store.Exists(ctx, key)
		if err != nil {
			logError(ctx, "knowledge object check failed", err)
		}
		if err != nil || !exists {
			status = "pending"
		}
	}

	var id uuid.UUID
	if err := s.db.QueryRow(ctx, `
		insert into knowledge_sources (owner_id, name, object_key, mime_type, content_preview, status)
		values ($1, $2, $3, $4, $5, $6)
		returning id
	`, userID, req.Name, req.ObjectKey, req.MimeType, req.ContentPreview, status).Scan(&id); err != nil {
		writeInternalError(w, r, "create knowledge source failed", err)
		return
	}

	s.audit(ctx, "user", userID, "knowledge_source_created", map[string]any{"source_id": id.String()})
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String(), "status": status})
}

func (s server) handleDeleteKnowledgeSource(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	sourceID, ok := uuidParam(r, "sourceID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid source id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var objectKey string
	err := s.db.QueryRow(ctx, `
		select coalesce(object_key, '') from knowledge_sources
		where id = $1 and owner_id = $2
	`, sourceID, userID).Scan(&objectKey)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "knowledge source not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "knowledge source lookup failed", err)
		return
	}

	if objectKey != "" {
		key := objstore.UserKnowledgePrefix(userID.String()) + strings.TrimLeft(objectKey, "/")
		if err := s.store.DeleteObject(ctx, key); err != nil {
			logError(ctx, "knowledge object delete failed", err)
		}
	}

	if _, err := s.db.Exec(ctx, `delete from knowledge_sources where id=$1 and owner_id=$2`, sourceID, userID); err != nil {
		writeInternalError(w, r, "delete knowledge source failed", err)
		return
	}

	s.audit(ctx, "user", userID, "knowledge_source_deleted", map[string]any{"source_id": sourceID.String()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleKnowledgeUploadCredentials hands out short-lived storage credentials
// scoped to the caller's own knowledge prefix.
func (s server) handleKnowledgeUploadCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	if s.sts == nil {
		writeError(w, r, http.StatusBadRequest, errConfigMissing, "direct upload is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	prefix := objstore.JoinKey(s.ossCfg.BasePrefix, objstore.UserKnowledgePrefix(userID.String()))
	policy, err := objstore.BuildUploadPolicy(s.ossCfg.Bucket, []string{prefix}, []string{prefix})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errConfigMissing, "object storage is not configured")
		return
	}

	creds, err := s.sts.AssumeRole(ctx, "knowledge-"+userID.String(), policy, s.ossCfg.STSDurationSeconds)
	if err != nil {
		logError(ctx, "sts assume role failed", err)
		writeError(w, r, http.StatusBadGateway, errExternalService, "credential issuance failed")
		return
	}
	creds.Prefixes = []string{prefix}

	s.audit(ctx, "user", userID, "knowledge_upload_credentials_issued", map[string]any{"prefix": prefix})
	writeJSON(w, http.StatusOK, creds)
}

// handleLoadKnowledge assembles the caller's ready sources into the bounded
// text blob that gets injected into agent prompts.
func (s server) handleLoadKnowledge(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select id, name, object_key, mime_type, coalesce(content_preview, '')
		from knowledge_sources
		where owner_id = $1 and status = 'ready'
		order by created_at asc
	`, userID)
	if err != nil {
		writeInternalError(w, r, "list knowledge sources failed", err)
		return
	}
	defer rows.Close()

	var sources []knowledge.Source
	for rows.Next() {
		var src knowledge.Source
		var id uuid.UUID
		if err := rows.Scan(&id, &src.Name, &src.ObjectKey, &src.MimeType, &src.Preview); err != nil {
			writeInternalError(w, r, "scan knowledge source failed", err)
			return
		}
		src.ID = id.String()
		sources = append(sources, src)
	}

	content, err := s.loader.Load(ctx, userID.String(), sources)
	if err != nil {
		writeInternalError(w, r, "knowledge load failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":      content,
		"source_count": len(sources),
		"chars":        len(content),
	})
}
