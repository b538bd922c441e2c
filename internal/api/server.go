// Package api is the thin, stateless HTTP surface of the control plane:
// token-to-credentials resolution, end/reject, outgoing credential
// minting, push registration and health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/doorlink/doorlink/internal/orchestrator"
)

// CallService is the slice of the orchestrator the API exposes to clients.
type CallService interface {
	ResolveCredentials(ctx context.Context, callToken string) (*orchestrator.Credentials, error)
	EndCall(ctx context.Context, callToken string) error
	MintOutgoing(ctx context.Context) (*orchestrator.OutgoingCredentials, error)
	CleanupOutgoing(ctx context.Context, token string) error
	RegisterPushToken(ctx context.Context, userID, token, platform, deviceID string) error
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	calls       CallService
	serviceName string
	baseURL     string
	metrics     http.Handler
	rateLimiter *RateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. metrics may
// be nil to disable the scrape endpoint; rateLimiter may be nil to
// disable rate limiting.
func NewServer(calls CallService, serviceName, baseURL string, metrics http.Handler, rateLimiter *RateLimiter) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		calls:       calls,
		serviceName: serviceName,
		baseURL:     baseURL,
		metrics:     metrics,
		rateLimiter: rateLimiter,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all routes.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(structuredLogger)
	r.Use(recoverer)
	if s.rateLimiter != nil {
		r.Use(s.rateLimiter.Middleware)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.ServeHTTP)
	}

	r.Post("/push/register", s.handlePushRegister)

	r.Route("/calls", func(r chi.Router) {
		r.Get("/credentials", s.handleCredentials)
		r.Post("/end", s.handleEnd)
		r.Post("/reject", s.handleEnd) // alias
		r.Post("/outgoing-credentials", s.handleOutgoingCredentials)
		r.Post("/outgoing-cleanup", s.handleOutgoingCleanup)
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": s.serviceName,
		"config":  map[string]string{"baseUrl": s.baseURL},
	})
}

// pushRegisterRequest is the POST /push/register body.
type pushRegisterRequest struct {
	UserID    string `json:"userId"`
	PushToken string `json:"pushToken"`
	Platform  string `json:"platform"`
	DeviceID  string `json:"deviceId"`
}

// handlePushRegister handles POST /push/register.
func (s *Server) handlePushRegister(w http.ResponseWriter, r *http.Request) {
	var req pushRegisterRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.PushToken == "" {
		writeError(w, http.StatusBadRequest, "pushToken is required")
		return
	}
	if req.Platform == "" {
		writeError(w, http.StatusBadRequest, "platform is required")
		return
	}

	if err := s.calls.RegisterPushToken(r.Context(), req.UserID, req.PushToken, req.Platform, req.DeviceID); err != nil {
		slog.Error("push register failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleCredentials handles GET /calls/credentials?callToken=...
func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("callToken")
	if token == "" {
		writeError(w, http.StatusBadRequest, "callToken is required")
		return
	}

	creds, err := s.calls.ResolveCredentials(r.Context(), token)
	if errors.Is(err, orchestrator.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		slog.Error("resolving credentials failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, creds)
}

// endRequest is the POST /calls/end and /calls/reject body.
type endRequest struct {
	CallToken string `json:"callToken"`
}

// handleEnd handles POST /calls/end and its /calls/reject alias.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.CallToken == "" {
		writeError(w, http.StatusBadRequest, "callToken is required")
		return
	}

	err := s.calls.EndCall(r.Context(), req.CallToken)
	if errors.Is(err, orchestrator.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		slog.Error("ending call failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleOutgoingCredentials handles POST /calls/outgoing-credentials.
func (s *Server) handleOutgoingCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.calls.MintOutgoing(r.Context())
	if err != nil {
		slog.Error("minting outgoing credentials failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, creds)
}

// outgoingCleanupRequest is the POST /calls/outgoing-cleanup body.
type outgoingCleanupRequest struct {
	OutgoingToken string `json:"outgoingToken"`
}

// handleOutgoingCleanup handles POST /calls/outgoing-cleanup.
func (s *Server) handleOutgoingCleanup(w http.ResponseWriter, r *http.Request) {
	var req outgoingCleanupRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.OutgoingToken == "" {
		writeError(w, http.StatusBadRequest, "outgoingToken is required")
		return
	}

	err := s.calls.CleanupOutgoing(r.Context(), req.OutgoingToken)
	if errors.Is(err, orchestrator.ErrNotFound) {
		writeError(w, http.StatusNotFound, "outgoing token not found")
		return
	}
	if err != nil {
		slog.Error("outgoing cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
