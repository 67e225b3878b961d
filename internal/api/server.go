// Package api serves the local approval console: pending approvals,
// incident status, kill-switch control, ledger verification, and a
// websocket feed of loop and gate events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aegisops/aegis/internal/approval"
	"github.com/aegisops/aegis/internal/auth"
	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/killswitch"
	"github.com/aegisops/aegis/internal/ledger"
	"github.com/aegisops/aegis/internal/loop"
	"github.com/aegisops/aegis/internal/policy"
)

// Server is the approval console API server. Audit, Ledger, Engine and
// Manager are optional; their routes degrade gracefully when absent.
type Server struct {
	cfg        config.ServerConfig
	gate       *approval.Gate
	kill       *killswitch.Switch
	manager    *loop.Manager
	engine     *policy.Engine
	audit      *ledger.AuditStore
	led        *ledger.Ledger
	tokens     *auth.TokenManager
	hub        *WebSocketHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// Deps carries the server's collaborators. Gate and Kill are required.
// A nil Tokens disables authentication (single-operator localhost use).
// Hub lets the caller share one event hub between the server, the loop
// and the gate; nil builds a private one.
type Deps struct {
	Gate    *approval.Gate
	Kill    *killswitch.Switch
	Manager *loop.Manager
	Engine  *policy.Engine
	Audit   *ledger.AuditStore
	Ledger  *ledger.Ledger
	Tokens  *auth.TokenManager
	Hub     *WebSocketHub
}

// NewServer creates the console server.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewWebSocketHub(logger)
	}
	s := &Server{
		cfg:     cfg,
		gate:    deps.Gate,
		kill:    deps.Kill,
		manager: deps.Manager,
		engine:  deps.Engine,
		audit:   deps.Audit,
		led:     deps.Ledger,
		tokens:  deps.Tokens,
		hub:     hub,
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "api.Server"),
	}
	s.registerRoutes()
	return s
}

// Hub returns the event hub, for wiring as the loop's and gate's event
// sink.
func (s *Server) Hub() *WebSocketHub {
	return s.hub
}

// authRequired wraps a handler with token authentication. With no token
// manager attached the handler is returned unwrapped.
func (s *Server) authRequired(action string, next http.HandlerFunc) http.HandlerFunc {
	if s.tokens == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		secret := strings.TrimPrefix(header, "Bearer ")

		token, err := s.tokens.ValidateToken(secret, remoteIP(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if !auth.HasPermission(token.Role, action) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	// Approvals
	s.mux.HandleFunc("GET /api/approvals", s.authRequired(auth.ActionApprovalsRead, s.handleListApprovals))
	s.mux.HandleFunc("POST /api/approvals/{id}/approve", s.authRequired(auth.ActionApprovalsDecide, s.handleApprove))
	s.mux.HandleFunc("POST /api/approvals/{id}/reject", s.authRequired(auth.ActionApprovalsDecide, s.handleReject))

	// Status and decisions
	s.mux.HandleFunc("GET /api/status", s.authRequired(auth.ActionStatusRead, s.handleStatus))
	s.mux.HandleFunc("GET /api/decisions", s.authRequired(auth.ActionStatusRead, s.handleListDecisions))
	s.mux.HandleFunc("GET /api/incidents", s.authRequired(auth.ActionStatusRead, s.handleListIncidents))

	// Kill switch
	s.mux.HandleFunc("POST /api/killswitch", s.authRequired(auth.ActionKillTrigger, s.handleKillTrigger))
	s.mux.HandleFunc("DELETE /api/killswitch", s.authRequired(auth.ActionKillReset, s.handleKillReset))

	// Ledger
	s.mux.HandleFunc("GET /api/ledger/verify", s.authRequired(auth.ActionLedgerVerify, s.handleLedgerVerify))

	// System — health is always public
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// WebSocket event feed
	s.mux.HandleFunc("GET /ws", s.authRequired(auth.ActionEventsSubscribe, s.hub.HandleWebSocket))
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("approval console listening", "addr", s.Addr())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and closes the event hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// remoteIP strips the port from RemoteAddr for token IP binding.
func remoteIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
