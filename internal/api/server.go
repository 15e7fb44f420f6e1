// Package api serves the rewards page over JSON HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/ideaqlabs/earn/internal/earn"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr string
}

// Server represents the rewards API HTTP server.
type Server struct {
	config   Config
	engine   *earn.Engine
	clock    earn.Clock
	server   *http.Server
	router   *mux.Router
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates a new API server. A nil clock means the wall clock.
func NewServer(cfg Config, engine *earn.Engine, clock earn.Clock, logger zerolog.Logger) *Server {
	if clock == nil {
		clock = earn.RealClock{}
	}

	s := &Server{
		config: cfg,
		engine: engine,
		clock:  clock,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(RequestIDMiddleware())
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(IdentityMiddleware())

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	r := s.router.PathPrefix("/api/earn").Subrouter()
	r.HandleFunc("/session", s.handleGetSession).Methods("GET")
	r.HandleFunc("/snapshot", s.handleGetSnapshot).Methods("GET")
	r.HandleFunc("/username", s.handleConfirmUsername).Methods("POST")
	r.HandleFunc("/start", s.handleStartAccrual).Methods("POST")
	r.HandleFunc("/referrals", s.handleListReferrals).Methods("GET")
	r.HandleFunc("/referrals", s.handleAddReferral).Methods("POST")
	r.HandleFunc("/referrals/inactive", s.handleInactiveReferrals).Methods("GET")
	r.HandleFunc("/referrals/{handle}", s.handleUpdateReferral).Methods("PUT")
	r.HandleFunc("/recover", s.handleRecover).Methods("POST")
	r.HandleFunc("/share", s.handleShare).Methods("GET")
	r.HandleFunc("/signout", s.handleSignOut).Methods("POST")
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener makes Start serve on ln instead of binding ListenAddr.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
		}
		s.listener = ln
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   s.clock.Now().UTC(),
	})
}
