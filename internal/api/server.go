// Package api implements the local admin HTTP surface shared by cmd/client
// and cmd/gateway: health, Prometheus metrics, and a debug-state dump of
// the node's live connections. All routes are read-only diagnostics;
// nothing on this surface mutates tunnel state.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/zerodha/logf"

	"github.com/firezone/tunnel-core/internal/auth"
	"github.com/firezone/tunnel-core/internal/metrics"
	"github.com/firezone/tunnel-core/internal/middleware"
	"github.com/firezone/tunnel-core/internal/node"
)

// ConnectionView is one connection's admin-surface-facing state.
type ConnectionView struct {
	ConnID  string `json:"conn_id"`
	Role    string `json:"role"`
	State   string `json:"state"`
	Relayed bool   `json:"relayed"`
}

func viewsOf(n *node.Node) []ConnectionView {
	if n == nil {
		return nil
	}
	snaps := n.Snapshot()
	out := make([]ConnectionView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, ConnectionView{
			ConnID:  s.ConnID.String(),
			Role:    s.Role.String(),
			State:   s.State.String(),
			Relayed: s.Relayed,
		})
	}
	return out
}

// Config holds the admin server's configuration.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	Role           string // "client" or "gateway", reported by /health
}

// Server is the admin HTTP surface.
type Server struct {
	cfg    Config
	logger logf.Logger
	node   *node.Node
	auth   *auth.Authenticator
	router *mux.Router
}

// New builds an admin Server. n may be nil until the caller's role has
// finished initializing; Snapshot is re-read on every /debug/state request.
func New(cfg Config, logger logf.Logger, n *node.Node, authenticator *auth.Authenticator) *Server {
	s := &Server{cfg: cfg, logger: logger, node: n, auth: authenticator, router: mux.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.Recovery(s.logger),
		middleware.Logger(s.logger),
		middleware.CORS(s.cfg.AllowedOrigins),
	)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/metrics", metrics.Handler()).Methods("GET")

	debug := s.router.PathPrefix("/debug").Subrouter()
	debug.Use(s.auth.Middleware)
	debug.HandleFunc("/state", s.handleDebugState).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"role":   s.cfg.Role,
	})
}

func (s *Server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"role":        s.cfg.Role,
		"connections": viewsOf(s.node),
	})
}

// Start runs the admin HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down admin http server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("starting admin http server", "addr", s.cfg.ListenAddr, "role", s.cfg.Role)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin http server error: %w", err)
	}
	return nil
}
