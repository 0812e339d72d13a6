// Package server exposes the tracking core over HTTP: session lifecycle,
// completion reports and a server-sent-events progress stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/syncrelay/syncrelay/internal/config"
	"github.com/syncrelay/syncrelay/internal/loggy"
	"github.com/syncrelay/syncrelay/internal/push"
	"github.com/syncrelay/syncrelay/internal/session"
	"github.com/syncrelay/syncrelay/internal/tracking"
	"github.com/syncrelay/syncrelay/internal/ulid"
)

// Server is the HTTP front of the tracking core.
type Server struct {
	cfg      config.ServerConfig
	pushCfg  config.PushConfig
	sessions *session.Service
	tracking *tracking.Service
	hub      *push.Broadcaster
	logger   *loggy.Logger

	httpSrv *http.Server
}

// New creates the server and wires its routes.
func New(
	cfg *config.Config,
	sessions *session.Service,
	trackingSvc *tracking.Service,
	hub *push.Broadcaster,
	logger *loggy.Logger,
) *Server {
	if logger == nil {
		logger = loggy.NewNoopLogger()
	}
	s := &Server{
		cfg:      cfg.Server,
		pushCfg:  cfg.Push,
		sessions: sessions,
		tracking: trackingSvc,
		hub:      hub,
		logger:   logger,
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions", s.handleStartSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleRemoveSession)

	mux.HandleFunc("POST /api/sessions/{id}/reports", s.handleReport)
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("POST /api/sessions/{id}/end", s.handleEnd)
	mux.HandleFunc("GET /api/sessions/{id}/actions/{actionsGroupId}", s.handleGetAction)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.logRequests(mux)
}

// logRequests tags each request with an id and logs it on completion.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := ulid.RequestID()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// Start runs the listener until Shutdown or a fatal error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
