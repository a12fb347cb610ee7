// Package server wires the HTTP surface of the gateway: health probes
// and the websocket endpoint devices connect to.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/voxline/voxline/pkg/gateway/auth"
	"github.com/voxline/voxline/pkg/gateway/config"
	"github.com/voxline/voxline/pkg/gateway/live/command"
	"github.com/voxline/voxline/pkg/gateway/live/session"
	"github.com/voxline/voxline/pkg/gateway/live/sessions"
	"github.com/voxline/voxline/pkg/gateway/mw"
)

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	mux       *http.ServeMux
	vendorCfg config.VendorConfig

	tokens  *auth.Manager
	router  *command.Router
	tracker *sessions.Tracker

	responder session.Responder
	draining  atomic.Bool
}

// New builds the gateway. SetResponder, if needed, must be called before
// the server starts accepting connections.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	vendorCfg, err := config.LoadVendorFile(cfg.VendorFile)
	if err != nil {
		return nil, fmt.Errorf("load vendor config: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		vendorCfg: vendorCfg,
		tracker:   sessions.NewTracker(),
	}
	if cfg.AuthMode == config.AuthModeRequired {
		s.tokens = auth.NewManager(cfg.AuthSecret, cfg.AuthTokenTTL)
	}
	s.router = command.NewRouter(logger, command.DefaultHandlers(command.HandlerDeps{
		Logger: logger,
		Vendor: vendorCfg,
	})...)

	s.routes()
	return s, nil
}

// SetResponder installs the dialogue backend that turns transcripts into
// spoken replies. Without one, sessions only echo transcripts.
func (s *Server) SetResponder(r session.Responder) {
	s.responder = r
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.draining.Load() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.HandleFunc("/voxline/v1/", s.handleLive)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) SetDraining() {
	s.draining.Store(true)
}

func (s *Server) IsDraining() bool {
	return s.draining.Load()
}

// WarnSessionsDraining tells live sessions the gateway is going away.
func (s *Server) WarnSessionsDraining() int {
	return s.tracker.WarnAll("draining", "gateway is shutting down")
}

func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

func (s *Server) CancelSessions() int {
	return s.tracker.CancelAll()
}
