package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"teachcharlie/internal/plans"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type projectDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsDefault   bool   `json:"is_default"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func (s server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select id, name, description, is_default, created_at, updated_at
		from projects
		where owner_id = $1
		order by created_at asc
	`, userID)
	if err != nil {
		writeInternalError(w, r, "list projects failed", err)
		return
	}
	defer rows.Close()

	out := make([]projectDTO, 0)
	for rows.Next() {
		var (
			id                   uuid.UUID
			name, description    string
			isDefault            bool
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&id, &name, &description, &isDefault, &createdAt, &updatedAt); err != nil {
			writeInternalError(w, r, "scan project failed", err)
			return
		}
		out = append(out, projectDTO{
			ID:          id.String(),
			Name:        name,
			Description: description,
			IsDefault:   isDefault,
			CreatedAt:   createdAt.UTC().Format(time.RFC3339),
			UpdatedAt:   updatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req createProjectRequest
	if !readJSONLimited(w, r, &req, 16*1024) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		writeError(w, r, http.StatusBadRequest, errValidation, "name required (max 128 chars)")
		return
	}
	if len(req.Description) > 1024 {
		writeError(w, r, http.StatusBadRequest, errValidation, "description too long")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	plan, _ := plans.Get(userPlanFromCtx(r.Context()))
	var count int
	if err := s.db.QueryRow(ctx, `select count(*) from projects where owner_id=$1`, userID).Scan(&count); err != nil {
		writeInternalError(w, r, "project count failed", err)
		return
	}
	if !plans.Allows(plan.Limits.Projects, count) {
		writeErrorDetails(w, r, http.StatusPaymentRequired, errQuotaExceeded, "project limit reached for your plan",
			map[string]any{"limit": plan.Limits.Projects, "current": count})
		return
	}

	var id uuid.UUID
	if err := s.db.QueryRow(ctx, `
		insert into projects (owner_id, name, description)
		values ($1, $2, $3)
		returning id
	`, userID, req.Name, req.Description).Scan(&id); err != nil {
		writeInternalError(w, r, "create project failed", err)
		return
	}

	s.audit(ctx, "user", userID, "project_created", map[string]any{"project_id": id.String()})
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (s server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	projectID, ok := uuidParam(r, "projectID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid project id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var p projectDTO
	var createdAt, updatedAt time.Time
	err := s.db.QueryRow(ctx, `
		select name, description, is_default, created_at, updated_at
		from projects
		where id = $1 and owner_id = $2
	`, projectID, userID).Scan(&p.Name, &p.Description, &p.IsDefault, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "project not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get project failed", err)
		return
	}
	p.ID = projectID.String()
	p.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	p.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, p)
}

type updateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (s server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	projectID, ok := uuidParam(r, "projectID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid project id")
		return
	}

	var req updateProjectRequest
	if !readJSONLimited(w, r, &req, 16*1024) {
		return
	}
	if req.Name != nil {
		*req.Name = strings.TrimSpace(*req.Name)
		if *req.Name == "" || len(*req.Name) > 128 {
			writeError(w, r, http.StatusBadRequest, errValidation, "name required (max 128 chars)")
			return
		}
	}
	if req.Description != nil && len(*req.Description) > 1024 {
		writeError(w, r, http.StatusBadRequest, errValidation, "description too long")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tag, err := s.db.Exec(ctx, `
		update projects
		set name = coalesce($3, name),
		    description = coalesce($4, description),
		    updated_at = now()
		where id = $1 and owner_id = $2
	`, projectID, userID, req.Name, req.Description)
	if err != nil {
		writeInternalError(w, r, "update project failed", err)
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, r, http.StatusNotFound, errNotFound, "project not found")
		return
	}
	s.handleGetProject(w, r)
}

func (s server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	projectID, ok := uuidParam(r, "projectID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid project id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var isDefault bool
	err := s.db.QueryRow(ctx, `
		select is_default from projects where id = $1 and owner_id = $2
	`, projectID, userID).Scan(&isDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "project not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "project lookup failed", err)
		return
	}
	if isDefault {
		writeError(w, r, http.StatusConflict, errConflict, "default project cannot be deleted")
		return
	}

	// Contained agents and workflows move to the default project.
	defaultID, err := s.defaultProjectID(ctx, userID)
	if err != nil {
		writeInternalError(w, r, "default project lookup failed", err)
		return
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		writeInternalError(w, r, "db begin failed", err)
		return
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `update agent_components set project_id=$1 where project_id=$2 and owner_id=$3`, defaultID, projectID, userID); err != nil {
		writeInternalError(w, r, "move agents failed", err)
		return
	}
	if _, err := tx.Exec(ctx, `update workflows set project_id=$1 where project_id=$2 and owner_id=$3`, defaultID, projectID, userID); err != nil {
		writeInternalError(w, r, "move workflows failed", err)
		return
	}
	if _, err := tx.Exec(ctx, `delete from projects where id=$1 and owner_id=$2`, projectID, userID); err != nil {
		writeInternalError(w, r, "delete project failed", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		writeInternalError(w, r, "db commit failed", err)
		return
	}

	s.audit(ctx, "user", userID, "project_deleted", map[string]any{"project_id": projectID.String()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
