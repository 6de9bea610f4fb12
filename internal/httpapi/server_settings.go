package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"teachcharlie/internal/plans"
	"teachcharlie/internal/secrets"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans.Catalog})
}

func (s server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := s.db.Ping(ctx); err != nil {
		dbStatus = "unreachable"
	}
	engineStatus := "ok"
	if err := s.flow.Health(ctx); err != nil {
		engineStatus = "unreachable"
	}

	status := "ok"
	code := http.StatusOK
	if dbStatus != "ok" || engineStatus != "ok" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":      status,
		"database":    dbStatus,
		"flow_engine": engineStatus,
	})
}

var knownLLMProviders = map[string]struct{}{
	"openai":    {},
	"anthropic": {},
	"google":    {},
}

type settingsResponse struct {
	DefaultLLMProvider string   `json:"default_llm_provider"`
	ConfiguredKeys     []string `json:"configured_llm_keys"`
}

func (s server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	provider := "openai"
	err := s.db.QueryRow(ctx, `
		select default_llm_provider from user_settings where user_id = $1
	`, userID).Scan(&provider)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		writeInternalError(w, r, "settings lookup failed", err)
		return
	}

	rows, err := s.db.Query(ctx, `
		select provider from user_llm_keys where user_id = $1 order by provider
	`, userID)
	if err != nil {
		writeInternalError(w, r, "llm keys lookup failed", err)
		return
	}
	defer rows.Close()

	configured := make([]string, 0, 3)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			writeInternalError(w, r, "llm keys scan failed", err)
			return
		}
		configured = append(configured, p)
	}

	writeJSON(w, http.StatusOK, settingsResponse{
		DefaultLLMProvider: provider,
		ConfiguredKeys:     configured,
	})
}

type updateSettingsRequest struct {
	DefaultLLMProvider *string           `json:"default_llm_provider"`
	LLMAPIKeys         map[string]string `json:"llm_api_keys"`
}

func (s server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	var req updateSettingsRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}

	if req.DefaultLLMProvider != nil {
		p := strings.ToLower(strings.TrimSpace(*req.DefaultLLMProvider))
		if _, ok := knownLLMProviders[p]; !ok {
			writeError(w, r, http.StatusBadRequest, errValidation, "unknown llm provider")
			return
		}
		*req.DefaultLLMProvider = p
	}
	for p := range req.LLMAPIKeys {
		if _, ok := knownLLMProviders[strings.ToLower(p)]; !ok {
			writeError(w, r, http.StatusBadRequest, errValidation, "unknown llm provider: "+p)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		writeInternalError(w, r, "db begin failed", err)
		return
	}
	defer tx.Rollback(ctx)

	if req.DefaultLLMProvider != nil {
		if _, err := tx.Exec(ctx, `
			insert into user_settings (user_id, default_llm_provider)
			values ($1, $2)
			on conflict (user_id) do update
			set default_llm_provider = excluded.default_llm_provider, updated_at = now()
		`, userID, *req.DefaultLLMProvider); err != nil {
			writeInternalError(w, r, "settings upsert failed", err)
			return
		}
	}

	for provider, key := range req.LLMAPIKeys {
		provider = strings.ToLower(strings.TrimSpace(provider))
		key = strings.TrimSpace(key)
		if key == "" {
			// Empty value removes the stored key.
			if _, err := tx.Exec(ctx, `
				delete from user_llm_keys where user_id = $1 and provider = $2
			`, userID, provider); err != nil {
				writeInternalError(w, r, "llm key delete failed", err)
				return
			}
			continue
		}
		ciphertext, err := secrets.EncryptForDB(s.credentialsEncryptionKey, []byte(key))
		if err != nil {
			writeInternalError(w, r, "llm key encrypt failed", err)
			return
		}
		if _, err := tx.Exec(ctx, `
			insert into user_llm_keys (user_id, provider, key_ciphertext)
			values ($1, $2, $3)
			on conflict (user_id, provider) do update
			set key_ciphertext = excluded.key_ciphertext, updated_at = now()
		`, userID, provider, ciphertext); err != nil {
			writeInternalError(w, r, "llm key upsert failed", err)
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		writeInternalError(w, r, "db commit failed", err)
		return
	}

	s.audit(ctx, "user", userID, "settings_updated", map[string]any{})
	s.handleGetSettings(w, r)
}

// llmAPIKey decrypts the user's stored key for a provider. The empty string
// means no key is configured.
func (s server) llmAPIKey(ctx context.Context, userID uuid.UUID, provider string) (string, error) {
	var ciphertext []byte
	err := s.db.QueryRow(ctx, `
		select key_ciphertext from user_llm_keys
		where user_id = $1 and provider = $2
	`, userID, strings.ToLower(provider)).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	plain, err := secrets.DecryptFromDB(s.credentialsEncryptionKey, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s server) defaultLLMProvider(ctx context.Context, userID uuid.UUID) string {
	provider := "openai"
	err := s.db.QueryRow(ctx, `
		select default_llm_provider from user_settings where user_id = $1
	`, userID).Scan(&provider)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		logError(ctx, "default provider lookup failed", err)
	}
	return provider
}
