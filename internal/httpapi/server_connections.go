package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"teachcharlie/internal/toolhub"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type connectionDTO struct {
	ID                string   `json:"id"`
	AppName           string   `json:"app_name"`
	Status            string   `json:"status"`
	ErrorMessage      string   `json:"error_message,omitempty"`
	AccountIdentifier string   `json:"account_identifier,omitempty"`
	AvailableActions  []string `json:"available_actions"`
	CreatedAt         string   `json:"created_at"`
	ConnectedAt       string   `json:"connected_at,omitempty"`
}

const connectionColumns = `
	id, app_name, status, coalesce(error_message, ''), account_identifier, available_actions, created_at, connected_at
`

func scanConnection(row pgx.Row) (connectionDTO, error) {
	var (
		id          uuid.UUID
		dto         connectionDTO
		actionsB    []byte
		createdAt   time.Time
		connectedAt *time.Time
	)
	if err := row.Scan(&id, &dto.AppName, &dto.Status, &dto.ErrorMessage,
		&dto.AccountIdentifier, &actionsB, &createdAt, &connectedAt); err != nil {
		return connectionDTO{}, err
	}
	if err := unmarshalJSONNullable(actionsB, &dto.AvailableActions); err != nil {
		return connectionDTO{}, err
	}
	if dto.AvailableActions == nil {
		dto.AvailableActions = []string{}
	}
	dto.ID = id.String()
	dto.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	if connectedAt != nil {
		dto.ConnectedAt = connectedAt.UTC().Format(time.RFC3339)
	}
	return dto, nil
}

// handleListConnectionApps returns the app catalog annotated with the
// caller's connection status per app.
func (s server) handleListConnectionApps(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select distinct on (app_name) app_name, status
		from user_connections
		where owner_id = $1
		order by app_name, created_at desc
	`, userID)
	if err != nil {
		writeInternalError(w, r, "connection status query failed", err)
		return
	}
	defer rows.Close()

	statusByApp := map[string]string{}
	for rows.Next() {
		var app, status string
		if err := rows.Scan(&app, &status); err != nil {
			writeInternalError(w, r, "scan connection status failed", err)
			return
		}
		statusByApp[app] = status
	}

	type appDTO struct {
		toolhub.App
		Status string `json:"status"`
	}
	out := make([]appDTO, 0, len(toolhub.AppCatalog))
	for _, a := range toolhub.AppCatalog {
		status := statusByApp[a.Name]
		if status == "" {
			status = "disconnected"
		}
		out = append(out, appDTO{App: a, Status: status})
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": out})
}

func (s server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select `+connectionColumns+`
		from user_connections
		where owner_id = $1
		order by created_at desc
	`, userID)
	if err != nil {
		writeInternalError(w, r, "list connections failed", err)
		return
	}
	defer rows.Close()

	out := make([]connectionDTO, 0)
	for rows.Next() {
		dto, err := scanConnection(rows)
		if err != nil {
			writeInternalError(w, r, "scan connection failed", err)
			return
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (s server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	connectionID, ok := uuidParam(r, "connectionID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid connection id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dto, err := scanConnection(s.db.QueryRow(ctx, `
		select `+connectionColumns+`
		from user_connections
		where id = $1 and owner_id = $2
	`, connectionID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "connection not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get connection failed", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

type initiateConnectionRequest struct {
	AppName     string `json:"app_name"`
	RedirectURL string `json:"redirect_url"`
}

func (s server) handleInitiateConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req initiateConnectionRequest
	if !readJSONLimited(w, r, &req, 16*1024) {
		return
	}
	req.AppName = strings.ToLower(strings.TrimSpace(req.AppName))
	if _, ok := toolhub.AppByName(req.AppName); !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "unsupported app: "+req.AppName)
		return
	}
	if !s.tools.Configured() {
		writeError(w, r, http.StatusBadRequest, errConfigMissing, "tool provider is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	entityID := s.resolveToolEntityID(ctx, userID)
	conn, err := s.tools.InitiateConnection(ctx, req.AppName, entityID, req.RedirectURL)
	if err != nil {
		logError(ctx, "initiate connection failed", err)
		writeError(w, r, http.StatusBadGateway, errExternalService, "tool provider rejected the connection request")
		return
	}

	expiresAt := time.Now().UTC().Add(s.pendingConnTTL)
	var id uuid.UUID
	if err := s.db.QueryRow(ctx, `
		insert into user_connections (owner_id, app_name, entity_id, provider_conn_id, status, expires_at)
		values ($1, $2, $3, $4, 'pending', $5)
		returning id
	`, userID, req.AppName, entityID, conn.ID, expiresAt).Scan(&id); err != nil {
		writeInternalError(w, r, "persist connection failed", err)
		return
	}

	s.audit(ctx, "user", userID, "connection_initiated", map[string]any{"connection_id": id.String(), "app": req.AppName})
	writeJSON(w, http.StatusCreated, map[string]any{
		"connection_id": id.String(),
		"redirect_url":  conn.RedirectURL,
		"expires_in":    int(s.pendingConnTTL.Seconds()),
	})
}

// connectionAccountIdentifier pulls a human-readable account handle out of
// the provider's connection params, when one is present.
func connectionAccountIdentifier(conn toolhub.Connection) string {
	for _, key := range []string{"email", "account_id", "username", "user_name"} {
		if v, ok := conn.ConnectionParams[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// reconcileConnection pulls the provider-side state into our row. When the
// provider lookup itself fails right after an OAuth redirect we assume
// success; a later refresh corrects the record if that was wrong. Activation
// caches the app's action list on the row so clients need no catalog lookup.
func (s server) reconcileConnection(ctx context.Context, connectionID uuid.UUID, appName, providerConnID string, optimistic bool) (string, error) {
	conn, err := s.tools.GetConnection(ctx, providerConnID)
	if err != nil {
		if !optimistic {
			return "", err
		}
		logError(ctx, "provider connection lookup failed, assuming active", err)
		conn = toolhub.Connection{Status: toolhub.StatusActive}
	}

	var status, errorMessage string
	switch conn.Status {
	case toolhub.StatusActive:
		status = "active"
	case toolhub.StatusFailed, toolhub.StatusExpired:
		status = "error"
		errorMessage = "authorization " + strings.ToLower(conn.Status)
	default:
		status = "pending"
	}

	if status == "active" {
		actions := []string{}
		if app, ok := toolhub.AppByName(appName); ok {
			actions = app.Actions
		}
		_, err = s.db.Exec(ctx, `
			update user_connections
			set status='active', error_message=null, connected_at=coalesce(connected_at, now()),
			    expires_at=null, available_actions=$2,
			    account_identifier=case when $3 <> '' then $3 else account_identifier end
			where id=$1
		`, connectionID, actions, connectionAccountIdentifier(conn))
	} else {
		_, err = s.db.Exec(ctx, `
			update user_connections
			set status=$2, error_message=nullif($3, '')
			where id=$1
		`, connectionID, status, errorMessage)
	}
	return status, err
}

type connectionCallbackRequest struct {
	ConnectionID string `json:"connection_id"`
}

func (s server) handleConnectionCallback(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req connectionCallbackRequest
	if !readJSONLimited(w, r, &req, 16*1024) {
		return
	}
	connectionID, err := uuid.Parse(strings.TrimSpace(req.ConnectionID))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid connection_id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	var appName, providerConnID string
	err = s.db.QueryRow(ctx, `
		select app_name, provider_conn_id from user_connections
		where id = $1 and owner_id = $2
	`, connectionID, userID).Scan(&appName, &providerConnID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "connection not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "connection lookup failed", err)
		return
	}

	status, err := s.reconcileConnection(ctx, connectionID, appName, providerConnID, true)
	if err != nil {
		writeInternalError(w, r, "connection update failed", err)
		return
	}

	s.audit(ctx, "user", userID, "connection_callback", map[string]any{"connection_id": connectionID.String(), "status": status})
	writeJSON(w, http.StatusOK, map[string]string{"id": connectionID.String(), "status": status})
}

func (s server) handleRefreshConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	connectionID, ok := uuidParam(r, "connectionID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid connection id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	var appName, providerConnID string
	err := s.db.QueryRow(ctx, `
		select app_name, provider_conn_id from user_connections
		where id = $1 and owner_id = $2
	`, connectionID, userID).Scan(&appName, &providerConnID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "connection not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "connection lookup failed", err)
		return
	}

	status, err := s.reconcileConnection(ctx, connectionID, appName, providerConnID, false)
	if err != nil {
		logError(ctx, "refresh connection failed", err)
		writeError(w, r, http.StatusBadGateway, errExternalService, "tool provider lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": connectionID.String(), "status": status})
}

func (s server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	connectionID, ok := uuidParam(r, "connectionID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid connection id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	var providerConnID string
	err := s.db.QueryRow(ctx, `
		select provider_conn_id from user_connections
		where id = $1 and owner_id = $2
	`, connectionID, userID).Scan(&providerConnID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "connection not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "connection lookup failed", err)
		return
	}

	// Revoke provider-side first; a dangling provider record is harmless.
	if providerConnID != "" {
		if err := s.tools.RevokeConnection(ctx, providerConnID); err != nil {
			logError(ctx, "revoke connection failed", err)
		}
	}

	if _, err := s.db.Exec(ctx, `delete from user_connections where id=$1 and owner_id=$2`, connectionID, userID); err != nil {
		writeInternalError(w, r, "delete connection failed", err)
		return
	}

	s.audit(ctx, "user", userID, "connection_deleted", map[string]any{"connection_id": connectionID.String()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s server) handleListConnectionTools(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select distinct app_name from user_connections
		where owner_id = $1 and status = 'active'
	`, userID)
	if err != nil {
		writeInternalError(w, r, "connection query failed", err)
		return
	}
	defer rows.Close()

	var apps []string
	for rows.Next() {
		var app string
		if err := rows.Scan(&app); err != nil {
			writeInternalError(w, r, "scan connection failed", err)
			return
		}
		apps = append(apps, app)
	}
	if len(apps) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"tools": []toolhub.Tool{}})
		return
	}

	tools, err := s.tools.ListTools(ctx, apps)
	if err != nil {
		logError(ctx, "list tools failed", err)
		writeError(w, r, http.StatusBadGateway, errExternalService, "tool provider lookup failed")
		return
	}
	if tools == nil {
		tools = []toolhub.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}
