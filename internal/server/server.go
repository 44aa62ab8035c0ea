// Package server exposes the message channel over HTTP: a websocket
// upgrade endpoint guarded by credential verification, plus a health
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/slidewire/slidewire/internal/auth"
	"github.com/slidewire/slidewire/internal/config"
	"github.com/slidewire/slidewire/internal/errors"
	"github.com/slidewire/slidewire/internal/event"
	"github.com/slidewire/slidewire/internal/logging"
	"github.com/slidewire/slidewire/internal/router"
	"github.com/slidewire/slidewire/internal/session"
)

// Server accepts channels, verifies credentials and hands frames to the
// router
type Server struct {
	cfg      config.ServerConfig
	verifier auth.Verifier
	rt       *router.Router
	store    *session.Store
	bus      *event.Bus
	logger   *logging.Logger

	manager     *Manager
	upgrader    websocket.Upgrader
	httpSrv     *http.Server
	gatewayMode string
}

// SetGatewayMode records which collaborator set is live, for the health
// report
func (s *Server) SetGatewayMode(mode string) {
	s.gatewayMode = mode
}

// New creates a Server
func New(cfg config.ServerConfig, verifier auth.Verifier, rt *router.Router, store *session.Store, bus *event.Bus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		rt:       rt,
		store:    store,
		bus:      bus,
		logger:   logger,
		manager:  NewManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// cross-origin clients are expected; auth is the credential,
			// not the origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes returns the HTTP handler tree
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs the server until ctx is canceled, then drains
// connections and shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.manager.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// handleWS verifies the credential and upgrades the channel. A channel
// is never established for an unverified credential.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	credential := extractCredential(r)

	userID, err := s.verifier.Verify(r.Context(), credential)
	if err != nil {
		if errors.Is(err, errors.ErrUnauthorized) {
			s.logger.Debug("credential rejected", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.logger.Error("credential verification failed", "error", err)
		http.Error(w, "verification unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(ws, userID, s.rt, s.store, s.bus, s.logger, connConfig{
		heartbeatInterval: s.cfg.HeartbeatInterval(),
		heartbeatTimeout:  s.cfg.HeartbeatTimeout(),
		writeTimeout:      s.cfg.WriteTimeout(),
		maxMessageBytes:   s.cfg.MaxMessageBytes,
	})
	conn.onClose = s.manager.Remove
	s.manager.Add(conn)

	s.logger.WithConn(conn.ID()).Info("channel established", "user_id", userID)
	go conn.run()
}

// handleHealth reports liveness plus coarse session counts
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	for phase, n := range s.store.CountByPhase() {
		counts[string(phase)] = n
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"gateway_mode": s.gatewayMode,
		"connections":  s.manager.Len(),
		"sessions":     s.store.Len(),
		"phases":       counts,
	})
}

// extractCredential pulls the credential from the Authorization header
// or, for browser clients that cannot set headers on upgrade, from the
// token query parameter.
func extractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
