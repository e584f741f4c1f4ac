// Package refresh renews the access credential using the refresh cookie.
//
// Renewal is single-flight: all callers that need a new credential while one
// renewal is running wait for that renewal and share its result. The shared
// call is detached from any individual caller's context and bounded by its own
// timeout, so a caller giving up never cancels renewal for the others.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sentinel/cmd/internal/metrics"
)

// Path is the refresh endpoint relative to the API base URL.
const Path = "/auth/refresh-token"

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 64 << 10
	flightKey       = "refresh"
)

// Credentials is the part of the token store the manager writes to.
type Credentials interface {
	Snapshot() (string, uint64)
	SetIf(gen uint64, token string) bool
	ClearIf(gen uint64) bool
}

// Terminator ends the session after an irrecoverable refresh failure.
// TerminateIf must clear the credential and announce the end in one step,
// and only when no write happened since gen was observed. It reports
// whether the session was ended.
type Terminator interface {
	TerminateIf(gen uint64, reason error) bool
}

// Manager performs single-flight credential renewal.
type Manager struct {
	log      *slog.Logger
	client   *http.Client
	endpoint string
	tokens   Credentials
	metrics  *metrics.Metrics
	timeout  time.Duration

	mu   sync.RWMutex
	term Terminator

	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds a single renewal round trip.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMetrics records renewal outcomes on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithTerminator sets the session terminator at construction time.
func WithTerminator(t Terminator) Option {
	return func(m *Manager) { m.term = t }
}

// New builds a Manager that posts to baseURL+Path using client.
// client must carry the cookie jar holding the refresh cookie.
func New(log *slog.Logger, client *http.Client, baseURL string, tokens Credentials, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}

	m := &Manager{
		log:      log,
		client:   client,
		endpoint: strings.TrimRight(baseURL, "/") + Path,
		tokens:   tokens,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SetTerminator wires the session terminator after construction. The session
// context depends on the request gateway, which depends on the manager, so the
// terminator usually arrives last.
func (m *Manager) SetTerminator(t Terminator) {
	m.mu.Lock()
	m.term = t
	m.mu.Unlock()
}

func (m *Manager) terminator() Terminator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term
}

// Refresh obtains a new access credential. Concurrent callers share one
// in-flight renewal. ctx only bounds how long this caller waits.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	ch := m.group.DoChan(flightKey, func() (any, error) {
		return m.renew()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) renew() (string, error) {
	current, gen := m.tokens.Snapshot()
	if current == "" {
		// Nothing to renew: the session ended before this flight started.
		m.metrics.Refresh("discarded")
		return "", ErrRefreshDiscarded
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	start := time.Now()
	token, err := m.call(ctx)
	if err != nil {
		failure := fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		if !m.terminate(gen, failure) {
			m.metrics.Refresh("discarded")
			m.log.Info("refresh.discard", "reason", "credential_changed", "err", err)
			return "", ErrRefreshDiscarded
		}

		m.metrics.Refresh("failed")
		m.log.Warn("refresh.fail", "err", err, "elapsed", time.Since(start))
		return "", failure
	}

	if !m.tokens.SetIf(gen, token) {
		m.metrics.Refresh("discarded")
		m.log.Info("refresh.discard", "reason", "credential_changed")
		return "", ErrRefreshDiscarded
	}

	m.metrics.Refresh("ok")
	m.log.Debug("refresh.ok", "elapsed", time.Since(start))
	return token, nil
}

// terminate ends the session observed at gen. Without a terminator only the
// credential is cleared.
func (m *Manager) terminate(gen uint64, reason error) bool {
	if t := m.terminator(); t != nil {
		return t.TerminateIf(gen, reason)
	}
	return m.tokens.ClearIf(gen)
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

func (m *Manager) call(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Status: resp.StatusCode}
	}

	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errors.Join(ErrBadResponse, err)
	}
	token := strings.TrimSpace(out.AccessToken)
	if token == "" {
		return "", ErrBadResponse
	}
	return token, nil
}
