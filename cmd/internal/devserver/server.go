// Package devserver is an in-memory stand-in for the monitoring platform's API:
// login with a refresh cookie, refresh-token rotation, bearer-authenticated
// alert endpoints and the websocket push channel, plus an alert simulator.
package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the wall clock used for token and session checks.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server owns the dev backend components and its HTTP listener.
type Server struct {
	log *slog.Logger
	cfg Config
	now func() time.Time

	users    *Users
	tokens   *TokenManager
	sessions *Sessions
	hub      *Hub
	alerts   *AlertStore
	sim      *Simulator
	handler  *Handler
	ws       *PushGateway
}

// New builds a Server from a validated Config.
func New(log *slog.Logger, cfg Config, opts ...Option) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{log: log, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	users, err := NewUsers(cfg.Users, paramsFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenManager(cfg)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessions(cfg, tokens)
	if err != nil {
		return nil, err
	}

	s.users = users
	s.tokens = tokens
	s.sessions = sessions
	s.hub = NewHub(log)
	s.alerts = NewAlertStore(cfg.AlertHistory)
	s.sim = NewSimulator(log, s.alerts, s.hub, cfg.EmitInterval, s.now)

	auth := &authenticator{tokens: tokens, sessions: sessions, now: s.now}
	s.handler = &Handler{
		log:      log,
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		auth:     auth,
		hub:      s.hub,
		alerts:   s.alerts,
		sim:      s.sim,
		limiter:  NewIPLimiter(cfg.LoginRate, cfg.LoginBurst),
		now:      s.now,
	}
	s.ws = newPushGateway(log, s.hub, auth, cfg)
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestLogging(s.log))

	r.Get("/healthz", s.handler.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handler.handleLogin)
		r.Post("/refresh-token", s.handler.handleRefresh)
		r.Post("/logout", s.handler.handleLogout)
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", s.handler.handleMe)
		r.Get("/alerts", s.handler.handleAlerts)
	})
	r.Route("/dev", func(r chi.Router) {
		r.Post("/alerts", s.handler.handleInjectAlert)
		r.Patch("/alerts/{id}", s.handler.handleUpdateAlert)
	})
	r.Get("/ws", s.ws.ServeHTTP)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
	})
	return r
}

// Simulator exposes the alert simulator for callers that drive alerts directly.
func (s *Server) Simulator() *Simulator { return s.sim }

// Hub exposes the push hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run listens on cfg.Addr and blocks until ctx is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Sockets derive their context from baseCtx so shutdown reaches hijacked connections.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	s.log.Info("server.start", "addr", ln.Addr().String(), "access_ttl", s.cfg.AccessTTL, "emit_interval", s.cfg.EmitInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	simCtx, stopSim := context.WithCancel(ctx)
	defer stopSim()
	go func() { _ = s.sim.Run(simCtx) }()

	select {
	case <-ctx.Done():
		s.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		s.log.Error("server.fail", "err", err)
		return err
	}

	stopSim()

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// Hijacked sockets are not tracked by Shutdown.
	cancelBase()
	if err != nil {
		s.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	s.log.Info("server.stopped")
	return nil
}
