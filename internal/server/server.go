// Package server exposes the sandbar HTTP surface: project and file CRUD,
// session lifecycle, and the websocket terminal channel.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandbar-dev/sandbar/internal/bridge"
	"github.com/sandbar-dev/sandbar/internal/session"
	"github.com/sandbar-dev/sandbar/internal/telemetry"
	"github.com/sandbar-dev/sandbar/internal/workspace"
)

// Server is the sandbar HTTP server.
type Server struct {
	store    *workspace.Store
	registry *session.Registry
	bridge   *bridge.Bridge
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics collectors and enables /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the HTTP server over the given collaborators.
func NewServer(store *workspace.Store, registry *session.Registry, br *bridge.Bridge, opts ...Option) *Server {
	s := &Server{
		store:    store,
		registry: registry,
		bridge:   br,
		logger:   slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bridge.ChunkSize,
			WriteBufferSize: bridge.ChunkSize,
			// The IDE frontend is served from a different origin in
			// development; the project id in the path is the access token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("POST /api/projects/{id}/upload", s.handleUpload)
	mux.HandleFunc("POST /api/projects/{id}/start", s.handleStart)
	mux.HandleFunc("GET /api/projects/{id}/status", s.handleStatus)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("GET /api/projects/{id}/files", s.handleListFiles)
	mux.HandleFunc("GET /api/projects/{id}/files/{path...}", s.handleReadFile)
	mux.HandleFunc("PUT /api/projects/{id}/files/{path...}", s.handleWriteFile)
	mux.HandleFunc("GET /ws/term/{handle}", s.handleTerminal)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.observeMiddleware(s.mux))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("sandbar server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": len(s.registry.List()),
	})
}

// corsMiddleware allows the browser frontend to call from any origin, as
// the development setup serves UI and API from different ports.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = r.URL.Path
		}
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, pattern, fmt.Sprintf("%d", rec.status), time.Since(start))
		}
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(start))
	})
}

// statusRecorder captures the response status while passing Hijack through
// so websocket upgrades still work behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
