// Package server implements the agentdeck HTTP API and the external
// deployment gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/chat"
	"github.com/szaher/agentdeck/internal/storage"
	"github.com/szaher/agentdeck/internal/telemetry"
	"github.com/szaher/agentdeck/internal/token"
)

// Server is the agentdeck HTTP server.
type Server struct {
	registry   *agent.Registry
	controller *chat.Controller
	authority  *token.Authority
	limiter    *token.RateLimiter
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	baseURL    string

	mux       *http.ServeMux
	server    *http.Server
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics enables the /metrics endpoint and request metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimiter enables request rate limiting and auth-failure blocking.
func WithRateLimiter(rl *token.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithBaseURL sets the base URL reported in deployment endpoints.
func WithBaseURL(u string) Option {
	return func(s *Server) { s.baseURL = u }
}

// New creates the HTTP server.
func New(registry *agent.Registry, controller *chat.Controller, authority *token.Authority, opts ...Option) *Server {
	s := &Server{
		registry:   registry,
		controller: controller,
		authority:  authority,
		logger:     slog.Default(),
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/v1/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/v1/agents/{agentID}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/v1/agents/{agentID}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{agentID}", s.handleDeleteAgent)

	mux.HandleFunc("GET /api/v1/agents/{agentID}/chat/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/v1/agents/{agentID}/chat/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/v1/agents/{agentID}/chat/sessions/{sessionID}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/v1/agents/{agentID}/chat/sessions/{sessionID}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/v1/agents/{agentID}/chat/sessions/{sessionID}/messages", s.handleSendMessage)
	mux.HandleFunc("PUT /api/v1/agents/{agentID}/chat/sessions/{sessionID}/messages/{index}", s.handleEditMessage)
	mux.HandleFunc("DELETE /api/v1/agents/{agentID}/chat/sessions/{sessionID}/messages", s.handleClearMessages)
	mux.HandleFunc("POST /api/v1/agents/{agentID}/chat/sessions/{sessionID}/regenerate", s.handleRegenerate)

	mux.HandleFunc("GET /api/v1/agents/{agentID}/deployment", s.handleGetDeployment)
	mux.HandleFunc("POST /api/v1/agents/{agentID}/deployment", s.handleDeploy)
	mux.HandleFunc("DELETE /api/v1/agents/{agentID}/deployment", s.handleRevoke)

	mux.HandleFunc("POST /api/v1/agents/{agentID}/chat", s.handleExternalChat)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the full middleware chain, for httptest and custom servers.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = s.limiter.Middleware(token.ClientIPKeyFunc)(h)
	}
	return s.requestMiddleware(h)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// requestMiddleware attaches a correlation ID, logs the request, and
// records request metrics.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		if s.metrics != nil {
			s.metrics.RecordRequest(r.Method, route, strconv.Itoa(rec.status), duration)
		}
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", duration.Milliseconds(),
			"correlation_id", telemetry.CorrelationID(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	a.ID = ""

	created, err := s.registry.Create(r.Context(), &a)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.registry.Get(r.Context(), r.PathValue("agentID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	a.ID = r.PathValue("agentID")

	updated, err := s.registry.Update(r.Context(), &a)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if err := s.registry.Delete(r.Context(), agentID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	// Documents are cascaded by the backend; drop in-memory tokens too.
	s.authority.Forget(agentID)
	w.WriteHeader(http.StatusNoContent)
}

// --- chat sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, err := s.registry.Get(r.Context(), agentID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	sessions, err := s.controller.ListSessions(r.Context(), agentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	summaries := make([]map[string]any, len(sessions))
	for i, sess := range sessions {
		summaries[i] = map[string]any{
			"id":            sess.ID,
			"title":         sess.Title,
			"created_at":    sess.CreatedAt,
			"updated_at":    sess.UpdatedAt,
			"message_count": sess.Log.Len(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if _, err := s.registry.Get(r.Context(), agentID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	var req struct {
		Title string `json:"title,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}

	sess, err := s.controller.CreateSession(r.Context(), agentID, req.Title)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.controller.DeleteSession(r.Context(), r.PathValue("agentID"), r.PathValue("sessionID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.controller.GetSession(r.Context(), r.PathValue("agentID"), r.PathValue("sessionID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": sess.Log.All()})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ag, err := s.registry.Get(r.Context(), r.PathValue("agentID"))
	if err != nil {
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

	msg, err := s.controller.Send(r.Context(), ag, r.PathValue("sessionID"), req.Prompt)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":  msg.Content,
		"timestamp": msg.Timestamp,
	})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	ag, err := s.registry.Get(r.Context(), r.PathValue("agentID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message index")
		return
	}

	var req struct {
		NewContent string `json:"new_content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	msg, err := s.controller.Edit(r.Context(), ag, r.PathValue("sessionID"), index, req.NewContent)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":  msg.Content,
		"timestamp": msg.Timestamp,
	})
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	err := s.controller.ClearMessages(r.Context(), r.PathValue("agentID"), r.PathValue("sessionID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	ag, err := s.registry.Get(r.Context(), r.PathValue("agentID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	msg, err := s.controller.Regenerate(r.Context(), ag, r.PathValue("sessionID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":  msg.Content,
		"timestamp": msg.Timestamp,
	})
}

// --- helpers ---

// writeDomainError maps controller/registry/authority errors to stable
// status codes. Token errors never reach this path; the gateway collapses
// them before delegation.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var completionErr *chat.CompletionError
	var validationErr *agent.ValidationError

	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Agent not found")
	case errors.Is(err, chat.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
	case errors.Is(err, chat.ErrIndexOutOfRange):
		writeError(w, http.StatusBadRequest, "index_out_of_range", "Message index out of range")
	case errors.Is(err, chat.ErrRoleMismatch), errors.Is(err, chat.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, "role_mismatch", "Only user messages can be edited")
	case errors.Is(err, storage.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid identifier")
	case errors.Is(err, chat.ErrNothingToRegenerate):
		writeError(w, http.StatusConflict, "nothing_to_regenerate", "Session does not end in an assistant reply")
	case errors.As(err, &completionErr):
		writeError(w, http.StatusBadGateway, "completion_failed", "Reply generation failed; your message was kept")
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "invalid_agent", validationErr.Error())
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
