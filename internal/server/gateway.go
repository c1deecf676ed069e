package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/telemetry"
	"github.com/szaher/agentdeck/internal/token"
)

// --- deployment management (internal API) ---

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, err := s.registry.Get(r.Context(), agentID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	tok := s.authority.Active(agentID)
	if tok == nil {
		writeJSON(w, http.StatusOK, map[string]any{"deployed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployed": true,
		"expired":  time.Now().After(tok.ExpiresAt),
		"token":    tok.Info(),
		"endpoint": s.chatEndpoint(agentID),
	})
}

// handleDeploy issues a deployment token. An existing live token is
// returned as-is unless ?regenerate=true, which supersedes it.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, err := s.registry.Get(r.Context(), agentID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	regenerate := r.URL.Query().Get("regenerate") == "true"

	if tok := s.authority.Active(agentID); tok != nil && !regenerate && time.Now().Before(tok.ExpiresAt) {
		writeJSON(w, http.StatusOK, map[string]any{
			"deployed":    true,
			"regenerated": false,
			"token":       tok.Info(),
			"endpoint":    s.chatEndpoint(agentID),
		})
		return
	}

	superseded := s.authority.Active(agentID) != nil
	tok, err := s.authority.Issue(r.Context(), agentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"deployed":    true,
		"regenerated": superseded,
		"token":       tok.Info(),
		"endpoint":    s.chatEndpoint(agentID),
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, err := s.registry.Get(r.Context(), agentID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	if err := s.authority.Revoke(r.Context(), agentID); err != nil {
		if errors.Is(err, token.ErrNotDeployed) {
			writeError(w, http.StatusConflict, "not_deployed", "Agent is not deployed")
			return
		}
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) chatEndpoint(agentID string) string {
	return fmt.Sprintf("%s/api/v1/agents/%s/chat", strings.TrimSuffix(s.baseURL, "/"), agentID)
}

// --- external gateway ---

// handleExternalChat is the token-gated entry point for external callers.
// Every authentication failure collapses to the same 401 body: a caller
// probing with a stolen or guessed token learns nothing about which agents
// exist or why the token was rejected. The specific reason is logged
// server-side only.
func (s *Server) handleExternalChat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	clientIP := token.ClientIPKeyFunc(r)

	if s.limiter != nil && s.limiter.IsAuthBlocked(clientIP) {
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.AuthBlockRetryAfter(clientIP)))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many failed authentication attempts. Try again later.")
		return
	}

	log := telemetry.RequestLogger(s.logger, r.Context(), agentID)

	value, ok := bearerToken(r)
	if !ok {
		s.rejectAuth(w, log, clientIP, "missing or malformed bearer token")
		return
	}

	tokenAgentID, err := s.authority.Validate(value)
	if err != nil {
		s.rejectAuth(w, log, clientIP, err.Error())
		return
	}
	if tokenAgentID != agentID {
		// Valid token for a different agent. Same generic rejection, so the
		// response does not confirm the path agent exists.
		s.rejectAuth(w, log, clientIP, "token does not match path agent")
		return
	}

	if s.limiter != nil {
		s.limiter.AuthSuccess(clientIP)
	}

	ag, err := s.registry.Get(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			// Token outlived its agent. Treat as any other auth failure.
			s.rejectAuth(w, log, clientIP, "token references a deleted agent")
			return
		}
		s.writeDomainError(w, err)
		return
	}

	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON with a non-empty \"prompt\"")
		return
	}

	sess, err := s.controller.MostRecentSession(r.Context(), agentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	msg, err := s.controller.Send(r.Context(), ag, sess.ID, req.Prompt)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reply": msg.Content})
}

// rejectAuth logs the real failure reason, records it for blocking and
// metrics, and writes the generic 401.
func (s *Server) rejectAuth(w http.ResponseWriter, log *slog.Logger, clientIP, reason string) {
	log.Warn("gateway auth rejected", "client_ip", clientIP, "reason", reason)
	if s.metrics != nil {
		s.metrics.RecordAuthFailure()
	}
	if s.limiter != nil {
		s.limiter.AuthFailure(clientIP)
	}
	writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
}

// bearerToken extracts the credential from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	value := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if value == "" {
		return "", false
	}
	return value, true
}
