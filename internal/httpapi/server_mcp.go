package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"teachcharlie/internal/plans"
	"teachcharlie/internal/secrets"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var mcpTransports = map[string]bool{"stdio": true, "sse": true, "http": true}

type mcpServer struct {
	ID         uuid.UUID
	Name       string
	ServerType string
	Transport  string
	Command    string
	Args       []string
	URL        string
	Headers    map[string]string
	SSLVerify  bool
	UseCache   bool
	EnvBlob    []byte // encrypted env map, never leaves the server decrypted
	IsEnabled  bool
	NeedsSync  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type mcpServerDTO struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	ServerType string            `json:"server_type,omitempty"`
	Transport  string            `json:"transport"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	SSLVerify  bool              `json:"ssl_verify"`
	UseCache   bool              `json:"use_cache"`
	EnvKeys    []string          `json:"env_keys,omitempty"`
	IsEnabled  bool              `json:"is_enabled"`
	NeedsSync  bool              `json:"needs_sync"`
	CreatedAt  string            `json:"created_at"`
	UpdatedAt  string            `json:"updated_at"`
}

func (m mcpServer) dto(envKeys []string) mcpServerDTO {
	return mcpServerDTO{
		ID:         m.ID.String(),
		Name:       m.Name,
		ServerType: m.ServerType,
		Transport:  m.Transport,
		Command:    m.Command,
		Args:       m.Args,
		URL:        m.URL,
		Headers:    m.Headers,
		SSLVerify:  m.SSLVerify,
		UseCache:   m.UseCache,
		EnvKeys:    envKeys,
		IsEnabled:  m.IsEnabled,
		NeedsSync:  m.NeedsSync,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  m.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

const mcpServerColumns = `
	id, name, coalesce(server_type, ''), transport, coalesce(command, ''), args, coalesce(url, ''),
	headers, ssl_verify, use_cache, env_ciphertext, is_enabled, needs_sync, created_at, updated_at
`

func scanMCPServer(row pgx.Row) (mcpServer, error) {
	var m mcpServer
	var argsB, headersB []byte
	if err := row.Scan(&m.ID, &m.Name, &m.ServerType, &m.Transport, &m.Command, &argsB, &m.URL,
		&headersB, &m.SSLVerify, &m.UseCache, &m.EnvBlob, &m.IsEnabled, &m.NeedsSync,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return mcpServer{}, err
	}
	if err := unmarshalJSONNullable(argsB, &m.Args); err != nil {
		return mcpServer{}, err
	}
	if err := unmarshalJSONNullable(headersB, &m.Headers); err != nil {
		return mcpServer{}, err
	}
	return m, nil
}

// envKeys decrypts only to report which variables are set; values stay
// encrypted at rest and never appear in responses.
func (s server) mcpEnvKeys(ctx context.Context, m mcpServer) []string {
	if len(m.EnvBlob) == 0 {
		return nil
	}
	plain, err := secrets.DecryptFromDB(s.credentialsEncryptionKey, m.EnvBlob)
	if err != nil {
		logError(ctx, "mcp env decrypt failed", err)
		return nil
	}
	var env map[string]string
	if err := json.Unmarshal(plain, &env); err != nil {
		logError(ctx, "mcp env decode failed", err)
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	return keys
}

type mcpServerRequest struct {
	Name       string            `json:"name"`
	ServerType string            `json:"server_type"`
	Transport  string            `json:"transport"`
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	SSLVerify  *bool             `json:"ssl_verify"`
	UseCache   bool              `json:"use_cache"`
	IsEnabled  *bool             `json:"is_enabled"`
	Env        map[string]string `json:"env"`
}

func (req *mcpServerRequest) validate() string {
	req.Name = strings.TrimSpace(req.Name)
	req.ServerType = strings.TrimSpace(req.ServerType)
	req.Transport = strings.ToLower(strings.TrimSpace(req.Transport))
	req.Command = strings.TrimSpace(req.Command)
	req.URL = strings.TrimSpace(req.URL)

	if req.Name == "" || len(req.Name) > 64 {
		return "name required (max 64 chars)"
	}
	if !mcpTransports[req.Transport] {
		return "transport must be one of stdio, sse, http"
	}
	if req.Transport == "stdio" && req.Command == "" {
		return "command is required for stdio transport"
	}
	if req.Transport != "stdio" && req.URL == "" {
		return "url is required for " + req.Transport + " transport"
	}
	if req.Transport == "stdio" && len(req.Headers) > 0 {
		return "headers only apply to sse and http transports"
	}
	return ""
}

// sslVerify defaults to true when the request omits it.
func (req mcpServerRequest) sslVerify() bool {
	return req.SSLVerify == nil || *req.SSLVerify
}

// enabled defaults to true when the request omits it.
func (req mcpServerRequest) enabled() bool {
	return req.IsEnabled == nil || *req.IsEnabled
}

func (s server) handleListMCPServers(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select `+mcpServerColumns+`
		from mcp_servers
		where owner_id = $1
		order by created_at asc
	`, userID)
	if err != nil {
		writeInternalError(w, r, "list mcp servers failed", err)
		return
	}
	defer rows.Close()

	out := make([]mcpServerDTO, 0)
	for rows.Next() {
		m, err := scanMCPServer(rows)
		if err != nil {
			writeInternalError(w, r, "scan mcp server failed", err)
			return
		}
		out = append(out, m.dto(s.mcpEnvKeys(ctx, m)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s server) handleCreateMCPServer(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req mcpServerRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, r, http.StatusBadRequest, errValidation, msg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	plan, _ := plans.Get(userPlanFromCtx(r.Context()))
	var count int
	if err := s.db.QueryRow(ctx, `select count(*) from mcp_servers where owner_id=$1`, userID).Scan(&count); err != nil {
		writeInternalError(w, r, "mcp server count failed", err)
		return
	}
	if !plans.Allows(plan.Limits.MCPServers, count) {
		writeErrorDetails(w, r, http.StatusPaymentRequired, errQuotaExceeded, "MCP server limit reached for your plan",
			map[string]any{"limit": plan.Limits.MCPServers, "current": count})
		return
	}

	var envBlob []byte
	if len(req.Env) > 0 {
		plain, err := json.Marshal(req.Env)
		if err != nil {
			writeInternalError(w, r, "mcp env encode failed", err)
			return
		}
		envBlob, err = secrets.EncryptForDB(s.credentialsEncryptionKey, plain)
		if err != nil {
			writeInternalError(w, r, "mcp env encrypt failed", err)
			return
		}
	}
	if req.Args == nil {
		req.Args = []string{}
	}
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}

	m, err := scanMCPServer(s.db.QueryRow(ctx, `
		insert into mcp_servers
			(owner_id, name, server_type, transport, command, args, url, headers, ssl_verify, use_cache, env_ciphertext, is_enabled, needs_sync)
		values ($1, $2, nullif($3, ''), $4, nullif($5, ''), $6, nullif($7, ''), $8, $9, $10, $11, $12, true)
		returning `+mcpServerColumns+`
	`, userID, req.Name, req.ServerType, req.Transport, req.Command, req.Args, req.URL,
		req.Headers, req.sslVerify(), req.UseCache, envBlob, req.enabled()))
	if err != nil {
		writeInternalError(w, r, "create mcp server failed", err)
		return
	}

	s.audit(ctx, "user", userID, "mcp_server_created", map[string]any{"server_id": m.ID.String()})
	writeJSON(w, http.StatusCreated, m.dto(s.mcpEnvKeys(ctx, m)))
}

func (s server) handleGetMCPServer(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	serverID, ok := uuidParam(r, "serverID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid server id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	m, err := scanMCPServer(s.db.QueryRow(ctx, `
		select `+mcpServerColumns+`
		from mcp_servers
		where id = $1 and owner_id = $2
	`, serverID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "mcp server not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get mcp server failed", err)
		return
	}
	writeJSON(w, http.StatusOK, m.dto(s.mcpEnvKeys(ctx, m)))
}

type updateMCPServerRequest struct {
	Name       *string            `json:"name"`
	ServerType *string            `json:"server_type"`
	Transport  *string            `json:"transport"`
	Command    *string            `json:"command"`
	Args       *[]string          `json:"args"`
	URL        *string            `json:"url"`
	Headers    *map[string]string `json:"headers"`
	SSLVerify  *bool              `json:"ssl_verify"`
	UseCache   *bool              `json:"use_cache"`
	IsEnabled  *bool              `json:"is_enabled"`
	Env        *map[string]string `json:"env"`
}

func (s server) handleUpdateMCPServer(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	serverID, ok := uuidParam(r, "serverID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid server id")
		return
	}

	var req updateMCPServerRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	m, err := scanMCPServer(s.db.QueryRow(ctx, `
		select `+mcpServerColumns+`
		from mcp_servers
		where id = $1 and owner_id = $2
	`, serverID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "mcp server not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "get mcp server failed", err)
		return
	}

	sslVerify, useCache, isEnabled := m.SSLVerify, m.UseCache, m.IsEnabled
	merged := mcpServerRequest{
		Name:       m.Name,
		ServerType: m.ServerType,
		Transport:  m.Transport,
		Command:    m.Command,
		Args:       m.Args,
		URL:        m.URL,
		Headers:    m.Headers,
		SSLVerify:  &sslVerify,
		UseCache:   useCache,
		IsEnabled:  &isEnabled,
	}
	if req.Name != nil {
		merged.Name = *req.Name
	}
	if req.ServerType != nil {
		merged.ServerType = *req.ServerType
	}
	if req.Transport != nil {
		merged.Transport = *req.Transport
	}
	if req.Command != nil {
		merged.Command = *req.Command
	}
	if req.Args != nil {
		merged.Args = *req.Args
	}
	if req.URL != nil {
		merged.URL = *req.URL
	}
	if req.Headers != nil {
		merged.Headers = *req.Headers
	}
	if req.SSLVerify != nil {
		merged.SSLVerify = req.SSLVerify
	}
	if req.UseCache != nil {
		merged.UseCache = *req.UseCache
	}
	if req.IsEnabled != nil {
		merged.IsEnabled = req.IsEnabled
	}
	if msg := merged.validate(); msg != "" {
		writeError(w, r, http.StatusBadRequest, errValidation, msg)
		return
	}

	envBlob := m.EnvBlob
	if req.Env != nil {
		envBlob = nil
		if len(*req.Env) > 0 {
			plain, err := json.Marshal(*req.Env)
			if err != nil {
				writeInternalError(w, r, "mcp env encode failed", err)
				return
			}
			envBlob, err = secrets.EncryptForDB(s.credentialsEncryptionKey, plain)
			if err != nil {
				writeInternalError(w, r, "mcp env encrypt failed", err)
				return
			}
		}
	}
	if merged.Args == nil {
		merged.Args = []string{}
	}
	if merged.Headers == nil {
		merged.Headers = map[string]string{}
	}

	m, err = scanMCPServer(s.db.QueryRow(ctx, `
		update mcp_servers
		set name=$3, server_type=nullif($4, ''), transport=$5, command=nullif($6, ''), args=$7,
		    url=nullif($8, ''), headers=$9, ssl_verify=$10, use_cache=$11, env_ciphertext=$12,
		    is_enabled=$13, needs_sync=true, updated_at=now()
		where id=$1 and owner_id=$2
		returning `+mcpServerColumns+`
	`, serverID, userID, merged.Name, merged.ServerType, merged.Transport, merged.Command, merged.Args,
		merged.URL, merged.Headers, merged.sslVerify(), merged.UseCache, envBlob, merged.enabled()))
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, errNotFound, "mcp server not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, "update mcp server failed", err)
		return
	}

	s.audit(ctx, "user", userID, "mcp_server_updated", map[string]any{"server_id": serverID.String()})
	writeJSON(w, http.StatusOK, m.dto(s.mcpEnvKeys(ctx, m)))
}

func (s server) handleDeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	serverID, ok := uuidParam(r, "serverID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid server id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tag, err := s.db.Exec(ctx, `delete from mcp_servers where id=$1 and owner_id=$2`, serverID, userID)
	if err != nil {
		writeInternalError(w, r, "delete mcp server failed", err)
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, r, http.StatusNotFound, errNotFound, "mcp server not found")
		return
	}

	s.audit(ctx, "user", userID, "mcp_server_deleted", map[string]any{"server_id": serverID.String()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// mcpConfigEntry renders one registry row into its config-file shape. The env
// map already holds decrypted credentials for stdio entries.
func mcpConfigEntry(m mcpServer, env map[string]string) map[string]any {
	entry := map[string]any{"transport": m.Transport}
	if m.Transport == "stdio" {
		entry["command"] = m.Command
		if len(m.Args) > 0 {
			entry["args"] = m.Args
		}
	} else {
		entry["url"] = m.URL
		if len(m.Headers) > 0 {
			entry["headers"] = m.Headers
		}
		entry["ssl_verify"] = m.SSLVerify
		if m.UseCache {
			entry["use_cache"] = true
		}
	}
	if len(env) > 0 {
		entry["env"] = env
	}
	return entry
}

// handleListMCPPendingChanges lists the rows that changed since the last
// config sync.
func (s server) handleListMCPPendingChanges(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select `+mcpServerColumns+`
		from mcp_servers
		where owner_id = $1 and needs_sync
		order by updated_at desc
	`, userID)
	if err != nil {
		writeInternalError(w, r, "list mcp servers failed", err)
		return
	}
	defer rows.Close()

	out := make([]mcpServerDTO, 0)
	for rows.Next() {
		m, err := scanMCPServer(rows)
		if err != nil {
			writeInternalError(w, r, "scan mcp server failed", err)
			return
		}
		out = append(out, m.dto(s.mcpEnvKeys(ctx, m)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

// handleSyncMCPServers materializes the caller's registry into the engine's
// MCP config file. Secrets are decrypted in memory only for the write; the
// file lands atomically via rename.
func (s server) handleSyncMCPServers(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	if strings.TrimSpace(s.mcpConfigPath) == "" {
		writeError(w, r, http.StatusBadRequest, errConfigMissing, "MCP config path is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select `+mcpServerColumns+`
		from mcp_servers
		where owner_id = $1 and is_enabled
		order by name asc
	`, userID)
	if err != nil {
		writeInternalError(w, r, "list mcp servers failed", err)
		return
	}
	defer rows.Close()

	servers := map[string]any{}
	for rows.Next() {
		m, err := scanMCPServer(rows)
		if err != nil {
			writeInternalError(w, r, "scan mcp server failed", err)
			return
		}

		var env map[string]string
		if len(m.EnvBlob) > 0 {
			plain, err := secrets.DecryptFromDB(s.credentialsEncryptionKey, m.EnvBlob)
			if err != nil {
				writeInternalError(w, r, "mcp env decrypt failed", err)
				return
			}
			if err := json.Unmarshal(plain, &env); err != nil {
				writeInternalError(w, r, "mcp env decode failed", err)
				return
			}
		}
		servers[m.Name] = mcpConfigEntry(m, env)
	}

	payload, err := json.MarshalIndent(map[string]any{"mcpServers": servers}, "", "  ")
	if err != nil {
		writeInternalError(w, r, "mcp config encode failed", err)
		return
	}

	dir := filepath.Dir(s.mcpConfigPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeInternalError(w, r, "mcp config dir create failed", err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".mcp-config-*")
	if err != nil {
		writeInternalError(w, r, "mcp config temp create failed", err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		writeInternalError(w, r, "mcp config write failed", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		writeInternalError(w, r, "mcp config close failed", err)
		return
	}
	if err := os.Rename(tmpName, s.mcpConfigPath); err != nil {
		os.Remove(tmpName)
		writeInternalError(w, r, "mcp config rename failed", err)
		return
	}

	if _, err := s.db.Exec(ctx, `update mcp_servers set needs_sync=false, updated_at=now() where owner_id=$1`, userID); err != nil {
		logError(ctx, "clear needs_sync failed", err)
	}

	// The engine picks the file up on restart; report whether it is even
	// reachable so the client can message accordingly.
	restart := map[string]any{"success": true, "message": "config written; engine will load it on next restart"}
	if err := s.flow.Health(ctx); err != nil {
		restart = map[string]any{"success": false, "message": "config written, but the flow engine is unreachable"}
	}

	s.audit(ctx, "user", userID, "mcp_servers_synced", map[string]any{"count": len(servers)})
	writeJSON(w, http.StatusOK, map[string]any{
		"synced":         len(servers),
		"restart_engine": restart,
	})
}
