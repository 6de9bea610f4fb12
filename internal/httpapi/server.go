package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"teachcharlie/internal/flowengine"
	"teachcharlie/internal/keys"
	"teachcharlie/internal/knowledge"
	"teachcharlie/internal/objstore"
	"teachcharlie/internal/toolhub"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type server struct {
	db     *pgxpool.Pool
	pepper string

	environment   string
	devAuthBypass bool
	publicBaseURL string

	githubClientID     string
	githubClientSecret string

	credentialsEncryptionKey string

	flow  *flowengine.Client
	tools *toolhub.Client

	store   objstore.Store
	sts     objstore.STSAssumer
	ossCfg  objstore.Config
	loader  *knowledge.Loader

	chatChunkSize          int
	chatChunkDelay         time.Duration
	toolOutputMaxChars     int
	toolMaterializeTimeout time.Duration

	mcpConfigPath      string
	pendingConnTTL     time.Duration

	br *broker
}

type ctxKey string

const (
	ctxUserID   ctxKey = "user_id"
	ctxUserPlan ctxKey = "user_plan"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func readJSONLimited(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := readJSON(r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, errValidation, "invalid json body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s server) userAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := bearerToken(r)
		if apiKey == "" && s.devAuthBypass {
			userID, plan, err := s.getOrCreateDevUser(r.Context())
			if err != nil {
				writeInternalError(w, r, "dev auth bootstrap failed", err)
				return
			}
			ctx := context.WithValue(r.Context(), ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxUserPlan, plan)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if apiKey == "" {
			writeError(w, r, http.StatusUnauthorized, errUnauthorized, "missing bearer token")
			return
		}
		hash := keys.HashAPIKey(s.pepper, apiKey)

		var userID uuid.UUID
		var plan string
		err := s.db.QueryRow(r.Context(), `
			select u.id, u.plan
			from user_api_keys k
			join users u on u.id = k.user_id
			where k.key_hash = $1 and k.revoked_at is null
		`, hash).Scan(&userID, &plan)
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, r, http.StatusUnauthorized, errUnauthorized, "invalid token")
			return
		}
		if err != nil {
			writeInternalError(w, r, "auth lookup failed", err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxUserPlan, plan)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// getOrCreateDevUser backs the local-development bypass. It is only reachable
// when the config gate verified we are pointed at a local database.
func (s server) getOrCreateDevUser(ctx context.Context) (uuid.UUID, string, error) {
	var userID uuid.UUID
	var plan string
	err := s.db.QueryRow(ctx, `
		select id, plan from users where email = 'dev@localhost' limit 1
	`).Scan(&userID, &plan)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.db.QueryRow(ctx, `
			insert into users (email, display_name, plan)
			values ('dev@localhost', 'Dev User', 'business')
			returning id, plan
		`).Scan(&userID, &plan)
	}
	if err != nil {
		return uuid.Nil, "", err
	}
	return userID, plan, nil
}

func userIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(ctxUserID)
	id, ok := v.(uuid.UUID)
	return id, ok
}

func userPlanFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserPlan).(string)
	if v == "" {
		return "free"
	}
	return v
}

func (s server) audit(ctx context.Context, actorType string, actorID uuid.UUID, action string, data map[string]any) {
	// Best-effort; failures are logged, never surfaced.
	if _, err := s.db.Exec(ctx, `
		insert into audit_logs (actor_type, actor_id, action, data)
		values ($1, $2, $3, $4)
	`, actorType, actorID, action, data); err != nil {
		logError(ctx, "audit insert failed", err)
	}
}

// defaultProjectID returns the user's default project, creating one the
// first time an agent or workflow needs a home.
func (s server) defaultProjectID(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		select id from projects
		where owner_id = $1 and is_default
		order by created_at asc
		limit 1
	`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.db.QueryRow(ctx, `
			insert into projects (owner_id, name, description, is_default)
			values ($1, 'My Charlies', 'Default project', true)
			returning id
		`, userID).Scan(&id)
	}
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func unmarshalJSONNullable(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func uuidParam(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(urlParam(r, name))
	return id, err == nil
}

type createUserResponse struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

type createUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func (s server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !readJSONLimited(w, r, &req, 16*1024) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Email == "" || len(req.Email) > 254 || !strings.Contains(req.Email, "@") {
		writeError(w, r, http.StatusBadRequest, errValidation, "valid email required")
		return
	}
	if len(req.DisplayName) > 128 {
		writeError(w, r, http.StatusBadRequest, errValidation, "display_name too long")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	apiKey, err := keys.NewAPIKey()
	if err != nil {
		writeInternalError(w, r, "key generation failed", err)
		return
	}
	hash := keys.HashAPIKey(s.pepper, apiKey)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		writeInternalError(w, r, "db begin failed", err)
		return
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	err = tx.QueryRow(ctx, `
		insert into users (email, display_name, plan)
		values ($1, $2, 'free')
		on conflict (email) do nothing
		returning id
	`, req.Email, req.DisplayName).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusConflict, errConflict, "email already registered")
		return
	}
	if err != nil {
		writeInternalError(w, r, "create user failed", err)
		return
	}
	if _, err := tx.Exec(ctx, `
		insert into user_api_keys (user_id, key_hash)
		values ($1, $2)
	`, userID, hash); err != nil {
		writeInternalError(w, r, "create user key failed", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		writeInternalError(w, r, "db commit failed", err)
		return
	}

	s.audit(ctx, "user", userID, "user_api_key_issued", map[string]any{})
	writeJSON(w, http.StatusCreated, createUserResponse{UserID: userID.String(), APIKey: apiKey})
}

func (s server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		email       string
		displayName string
		plan        string
		createdAt   time.Time
	)
	err := s.db.QueryRow(ctx, `
		select email, display_name, plan, created_at
		from users where id = $1
	`, userID).Scan(&email, &displayName, &plan, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}
	if err != nil {
		writeInternalError(w, r, "me lookup failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID.String(),
		"email":        email,
		"display_name": displayName,
		"plan":         plan,
		"created_at":   createdAt.UTC().Format(time.RFC3339),
	})
}
