package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"teachcharlie/internal/missions"
	"teachcharlie/internal/secrets"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// handleDesktopBootstrap returns everything the desktop shell needs on
// startup in one round trip: the profile, the published agent if any, the
// acquired skills, and the token its local MCP bridge authenticates with.
func (s server) handleDesktopBootstrap(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var email, displayName, plan string
	if err := s.db.QueryRow(ctx, `
		select coalesce(email, ''), coalesce(display_name, ''), plan from users where id = $1
	`, userID).Scan(&email, &displayName, &plan); err != nil {
		writeInternalError(w, r, "user lookup failed", err)
		return
	}

	out := map[string]any{
		"user": map[string]any{
			"id":           userID.String(),
			"email":        email,
			"display_name": displayName,
			"plan":         plan,
		},
	}

	var (
		agentID        uuid.UUID
		agentName, who string
		shareToken     string
	)
	err := s.db.QueryRow(ctx, `
		select id, name, who, coalesce(share_token, '')
		from agent_components
		where owner_id = $1 and is_published and is_active
		limit 1
	`, userID).Scan(&agentID, &agentName, &who, &shareToken)
	switch {
	case err == nil:
		out["published_agent"] = map[string]any{
			"id":          agentID.String(),
			"name":        agentName,
			"description": who,
			"share_token": shareToken,
		}
	case errors.Is(err, pgx.ErrNoRows):
		out["published_agent"] = nil
	default:
		writeInternalError(w, r, "published agent lookup failed", err)
		return
	}

	skills, err := s.acquiredSkills(ctx, userID)
	if err != nil {
		writeInternalError(w, r, "skills lookup failed", err)
		return
	}
	out["skills"] = skills

	token, err := s.desktopMCPToken(ctx, userID)
	if err != nil {
		writeInternalError(w, r, "mcp token issuance failed", err)
		return
	}
	out["mcp_token"] = token

	writeJSON(w, http.StatusOK, out)
}

func (s server) acquiredSkills(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		select mission_id from user_mission_progress
		where owner_id = $1 and status = $2
	`, userID, missions.StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []string
	for rows.Next() {
		var missionID string
		if err := rows.Scan(&missionID); err != nil {
			return nil, err
		}
		if m, ok := missions.Get(missionID); ok {
			outcomes = append(outcomes, m.Outcomes...)
		}
	}
	skills := missions.SkillsFromOutcomes(outcomes)
	if skills == nil {
		skills = []string{}
	}
	return skills, nil
}

// desktopMCPToken returns the stable per-user token for the local MCP
// bridge, minting one on first use.
func (s server) desktopMCPToken(ctx context.Context, userID uuid.UUID) (string, error) {
	var token string
	err := s.db.QueryRow(ctx, `
		select coalesce(desktop_mcp_token, '') from user_settings where user_id = $1
	`, userID).Scan(&token)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}
	if token != "" {
		return token, nil
	}

	token, err = secrets.NewRandomToken()
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(ctx, `
		insert into user_settings (user_id, desktop_mcp_token)
		values ($1, $2)
		on conflict (user_id) do update
		set desktop_mcp_token = coalesce(user_settings.desktop_mcp_token, excluded.desktop_mcp_token)
	`, userID, token)
	if err != nil {
		return "", err
	}

	// Another request may have won the race; read back the stored value.
	if err := s.db.QueryRow(ctx, `
		select desktop_mcp_token from user_settings where user_id = $1
	`, userID).Scan(&token); err != nil {
		return "", err
	}
	return token, nil
}
