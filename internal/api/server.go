// ABOUTME: Management HTTP API for controlling and inspecting backend servers
// ABOUTME: JSON endpoints under /api with optional bearer-token authentication

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/lifecycle"
	"github.com/2389/mcp-gateway/internal/manager"
)

// Config holds the API server's collaborators.
type Config struct {
	Manager  *manager.Manager
	Verifier auth.TokenVerifier
	Logger   *slog.Logger
}

// Server exposes the management surface: list servers, start and stop them,
// and read usage statistics.
type Server struct {
	manager   *manager.Manager
	verifier  auth.TokenVerifier
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates the management API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return &Server{
		manager:   cfg.Manager,
		verifier:  cfg.Verifier,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}, nil
}

// Routes builds the API handler. Health stays unauthenticated so load
// balancers can probe it; everything else goes through the auth middleware.
func (s *Server) Routes() http.Handler {
	authed := http.NewServeMux()
	authed.HandleFunc("GET /api/servers", s.handleListServers)
	authed.HandleFunc("GET /api/servers/{name}", s.handleGetServer)
	authed.HandleFunc("POST /api/servers/{name}/start", s.handleStartServer)
	authed.HandleFunc("POST /api/servers/{name}/stop", s.handleStopServer)
	authed.HandleFunc("GET /api/statistics", s.handleStatistics)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("/api/", auth.Middleware(s.verifier, s.logger)(authed))
	return mux
}

// startRequest is the optional JSON body for start operations.
type startRequest struct {
	Stateless    bool              `json:"stateless"`
	AllowOrigins []string          `json:"allow_origins"`
	Env          map[string]string `json:"env"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.manager.AllStatuses(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": statuses})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	// An empty body means default options.
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	opts := lifecycle.StartOptions{
		Stateless:    req.Stateless,
		AllowOrigins: req.AllowOrigins,
		Env:          req.Env,
	}
	if err := s.manager.Start(r.Context(), name, opts); err != nil {
		s.writeError(w, r, err)
		return
	}

	status, err := s.manager.Status(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	persist := false
	if raw := r.URL.Query().Get("persist"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid persist value"})
			return
		}
		persist = parsed
	}

	if err := s.manager.Stop(r.Context(), name, persist); err != nil {
		s.writeError(w, r, err)
		return
	}

	status, err := s.manager.Status(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.AllStatistics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"servers":        stats,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

// writeError maps registry errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var startErr *manager.StartError
	switch {
	case errors.Is(err, manager.ErrServerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrServerNotRunning):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrServerAlreadyRunning):
		status = http.StatusConflict
	case errors.As(err, &startErr):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encoding response", "error", err)
	}
}
