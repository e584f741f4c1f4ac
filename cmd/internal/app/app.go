// Package app wires the client runtime: storage, the credential/refresh/request
// chain, the session context, the push channel and the notification sink.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"sentinel/cmd/internal/apiclient"
	"sentinel/cmd/internal/auth/credential"
	"sentinel/cmd/internal/auth/refresh"
	"sentinel/cmd/internal/auth/session"
	"sentinel/cmd/internal/metrics"
	"sentinel/cmd/internal/notify"
	"sentinel/cmd/internal/realtime"
	"sentinel/cmd/internal/storage"
	v1 "sentinel/shared/contracts/realtime/v1"
)

// ErrNotLoggedIn is returned by operations that need an authenticated session.
var ErrNotLoggedIn = errors.New("not logged in")

// Option configures an App.
type Option func(*App)

// WithStorage replaces the state backend selected by Config.StateFile.
func WithStorage(s storage.Storage) Option {
	return func(a *App) { a.store = s }
}

// WithSink replaces the notification sink selected by Config.NotifyFormat.
func WithSink(s notify.Sink) Option {
	return func(a *App) { a.sink = s }
}

// App is the client runtime for one process.
type App struct {
	cfg Config
	log *slog.Logger

	store   storage.Storage
	sink    notify.Sink
	metrics *metrics.Metrics

	tokens     *credential.Store
	refresher  *refresh.Manager
	api        *apiclient.Client
	session    *session.Context
	gateway    *realtime.Gateway
	dispatcher *notify.Dispatcher
}

// New constructs a fully wired App. Notifications are written to out.
// The session is restored from storage before New returns.
func New(cfg Config, log *slog.Logger, out io.Writer, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	}
	if out == nil {
		out = os.Stdout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	if a.store == nil {
		st, err := openStorage(cfg)
		if err != nil {
			return nil, err
		}
		a.store = st
	}
	if a.sink == nil {
		if cfg.NotifyFormat == "json" {
			a.sink = notify.NewJSONSink(out)
		} else {
			a.sink = notify.NewTerminalSink(out, !cfg.NoColor)
		}
	}

	jar, err := apiclient.NewJar(log, a.store, cfg.APIURL)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Jar: jar, Timeout: cfg.RequestTimeout}

	a.tokens = credential.NewStore(log, a.store)
	a.refresher = refresh.New(log, httpClient, cfg.APIURL, a.tokens,
		refresh.WithTimeout(cfg.RefreshTimeout),
		refresh.WithMetrics(a.metrics),
	)
	a.api = apiclient.New(log, httpClient, cfg.APIURL, a.tokens, a.refresher,
		apiclient.WithMetrics(a.metrics),
	)
	a.session = session.New(log, a.tokens, session.NewProfileCache(a.store),
		session.WithRevoker(a.api),
		session.WithRevokeTimeout(cfg.RevokeTimeout),
		session.WithMetrics(a.metrics),
	)
	// The session context sits above the request gateway, so the refresh
	// manager learns about it last.
	a.refresher.SetTerminator(a.session)

	a.gateway = realtime.NewGateway(log, realtime.Config{
		URL:               cfg.PushURL(),
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		DialTimeout:       cfg.DialTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, a.tokens,
		realtime.WithRefresher(a.refresher),
		realtime.WithMetrics(a.metrics),
	)
	a.dispatcher = notify.NewDispatcher(log, a.sink,
		notify.WithQueueSize(cfg.NotifyQueue),
		notify.WithMetrics(a.metrics),
		notify.WithUpdateObserver(func(ev v1.AlertEvent) {
			log.Info("alert.updated", "alert_id", ev.ID, "status", ev.Status)
		}),
	)
	a.gateway.Bind(a.dispatcher.Bind)
	a.gateway.OnStatus(a.dispatcher.OnStatus)

	return a, nil
}

func openStorage(cfg Config) (storage.Storage, error) {
	path, err := cfg.StatePath()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return storage.NewMemory(), nil
	}
	return storage.OpenFile(path)
}

// Session returns the session context.
func (a *App) Session() *session.Context { return a.session }

// Gateway returns the push channel gateway.
func (a *App) Gateway() *realtime.Gateway { return a.gateway }

// Metrics returns the collectors shared by every component.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Login authenticates against the API and establishes the session.
func (a *App) Login(ctx context.Context, username, password string) (session.Profile, error) {
	profile, token, err := a.api.Login(ctx, username, password)
	if err != nil {
		return session.Profile{}, err
	}
	if err := a.session.Login(profile, token); err != nil {
		return session.Profile{}, err
	}
	return profile, nil
}

// Logout ends the session locally and waits for the server-side revocation.
func (a *App) Logout(ctx context.Context) error {
	if !a.session.Snapshot().Authenticated() {
		return ErrNotLoggedIn
	}
	a.session.Logout()
	return a.session.WaitRevocations(ctx)
}

// Whoami confirms the session against the API and returns the current profile.
func (a *App) Whoami(ctx context.Context) (session.Profile, error) {
	if !a.session.Snapshot().Authenticated() {
		return session.Profile{}, ErrNotLoggedIn
	}
	return a.api.Me(ctx)
}

// RecentAlerts lists the most recent alerts known to the API.
func (a *App) RecentAlerts(ctx context.Context) ([]v1.AlertEvent, error) {
	if !a.session.Snapshot().Authenticated() {
		return nil, ErrNotLoggedIn
	}
	return a.api.RecentAlerts(ctx)
}

// Watch keeps the push channel open and delivers notifications until ctx ends
// or the session leaves Authenticated. A terminated session is reported with
// its termination reason; a logout is not an error.
func (a *App) Watch(ctx context.Context) error {
	if !a.session.Snapshot().Authenticated() {
		return ErrNotLoggedIn
	}

	// A restored session is trusted optimistically; confirm it before going live.
	profile, err := a.api.Me(ctx)
	if err != nil {
		return fmt.Errorf("confirm session: %w", err)
	}

	ended := make(chan session.Transition, 1)
	snap, unsubscribe := a.session.Subscribe(func(tr session.Transition) {
		if tr.To != session.StateAnonymous {
			return
		}
		select {
		case ended <- tr:
		default:
		}
	})
	defer unsubscribe()
	if !snap.Authenticated() {
		return ErrNotLoggedIn
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { _ = a.dispatcher.Run(runCtx) }()
	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := a.serveMetrics(runCtx); err != nil {
				errCh <- err
			}
		}()
	}

	a.gateway.Attach(a.session)
	a.log.Info("watch.start", "user", profile.Username, "role", profile.Role, "url", a.cfg.PushURL())

	var result error
	select {
	case <-ctx.Done():
		a.log.Info("watch.stop", "reason", "context_done")
	case tr := <-ended:
		a.log.Info("watch.stop", "reason", string(tr.Cause))
		if tr.Cause == session.CauseTerminated {
			result = tr.Reason
			if result == nil {
				result = session.ErrSessionEnded
			}
		}
	case err := <-errCh:
		a.log.Error("watch.fail", "err", err)
		result = err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 5*time.Second))
	defer cancelShutdown()
	if err := a.gateway.Close(shutdownCtx); err != nil {
		a.log.Warn("watch.gateway.close.fail", "err", err)
	}
	if err := a.session.WaitRevocations(shutdownCtx); err != nil {
		a.log.Warn("watch.revoke.wait.fail", "err", err)
	}

	a.log.Info("watch.stopped")
	return result
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
