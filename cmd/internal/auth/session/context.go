package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"sentinel/cmd/internal/metrics"
)

// State is the derived authentication state.
type State uint8

const (
	// StateAnonymous means no usable credential/profile pair is present.
	StateAnonymous State = iota
	// StateAuthenticated means both a credential and a profile are present.
	StateAuthenticated
)

func (s State) String() string {
	if s == StateAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Cause explains why a transition happened.
type Cause string

const (
	CauseLogin      Cause = "login"
	CauseLogout     Cause = "logout"
	CauseTerminated Cause = "terminated"
)

// CredentialStore is the subset of the token store the session context drives.
type CredentialStore interface {
	Get() (string, bool)
	Set(token string) error
	Clear() error
	ClearIf(gen uint64) bool
}

// Revoker invalidates the server-side refresh credential.
type Revoker interface {
	Revoke(ctx context.Context, accessToken string) error
}

// Snapshot is one observation of the session.
type Snapshot struct {
	State        State
	Profile      Profile
	IsAdmin      bool
	IsSuperAdmin bool
}

// Authenticated is a convenience accessor.
func (s Snapshot) Authenticated() bool { return s.State == StateAuthenticated }

// Permits reports whether the session role is one of roles.
func (s Snapshot) Permits(roles ...string) bool {
	if !s.Authenticated() {
		return false
	}
	return slices.Contains(roles, normalizeRole(s.Profile.Role))
}

// Transition is delivered to subscribers after every state change.
type Transition struct {
	From     State
	To       State
	Cause    Cause
	Reason   error
	Snapshot Snapshot
}

// Listener receives transitions. Listeners run on the transitioning goroutine
// and must not call Login, Logout or Terminate.
type Listener func(Transition)

type subscriber struct {
	id uint64
	fn Listener
}

// Context owns the Anonymous/Authenticated state machine.
type Context struct {
	log      *slog.Logger
	tokens   CredentialStore
	profiles *ProfileCache
	revoker  Revoker
	metrics  *metrics.Metrics

	revokeTimeout time.Duration

	// transMu serializes transitions and their delivery so subscribers observe
	// them in call order.
	transMu   sync.Mutex
	announced State
	subs      []subscriber
	nextSubID uint64

	revocations sync.WaitGroup
}

// Option configures optional Context dependencies.
type Option func(*Context)

// WithRevoker sets the server-side logout call.
func WithRevoker(r Revoker) Option {
	return func(c *Context) {
		if r != nil {
			c.revoker = r
		}
	}
}

// WithMetrics records transitions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Context) { c.metrics = m }
}

// WithRevokeTimeout bounds the fire-and-forget logout call.
func WithRevokeTimeout(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.revokeTimeout = d
		}
	}
}

// New builds a Context and performs silent restoration from the stores.
//
// A profile without a credential (or the reverse, or an undecodable profile)
// is treated as corrupt and both halves are cleared. A complete pair is
// trusted optimistically; the first API call confirms it.
func New(log *slog.Logger, tokens CredentialStore, profiles *ProfileCache, opts ...Option) *Context {
	if log == nil {
		log = slog.Default()
	}
	if profiles == nil {
		profiles = NewProfileCache(nil)
	}

	c := &Context{
		log:           log,
		tokens:        tokens,
		profiles:      profiles,
		revokeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	c.restore()
	return c
}

func (c *Context) restore() {
	_, hasToken := c.tokens.Get()
	p, hasProfile, err := c.profiles.Load()

	switch {
	case err != nil:
		c.log.Warn("session.restore.corrupt", "err", err)
		c.clearLocal()
	case hasProfile && !hasToken:
		c.log.Warn("session.restore.corrupt", "reason", "profile_without_credential")
		c.clearLocal()
	case hasToken && !hasProfile:
		c.log.Warn("session.restore.corrupt", "reason", "credential_without_profile")
		c.clearLocal()
	case hasToken && hasProfile:
		c.announced = StateAuthenticated
		c.log.Info("session.restore.ok", "user_id", p.ID, "role", p.Role)
	default:
		c.log.Debug("session.restore.empty")
	}
}

// Snapshot computes the current session state from the stores.
func (c *Context) Snapshot() Snapshot {
	_, hasToken := c.tokens.Get()
	p, hasProfile := c.profiles.Get()
	if !hasToken || !hasProfile {
		return Snapshot{State: StateAnonymous}
	}
	return Snapshot{
		State:        StateAuthenticated,
		Profile:      p,
		IsAdmin:      IsAdmin(p.Role),
		IsSuperAdmin: IsSuperAdmin(p.Role),
	}
}

// Subscribe registers fn and returns the snapshot it should start from.
// No transition can slip between the returned snapshot and the first delivery.
func (c *Context) Subscribe(fn Listener) (Snapshot, func()) {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	c.subs = append(c.subs, subscriber{id: id, fn: fn})

	cancel := func() {
		c.transMu.Lock()
		defer c.transMu.Unlock()
		c.subs = slices.DeleteFunc(c.subs, func(s subscriber) bool { return s.id == id })
	}
	return c.Snapshot(), cancel
}

// Login stores the credential/profile pair and announces Authenticated.
// Logging in while already authenticated re-announces so downstream
// components rebuild per-session resources.
func (c *Context) Login(p Profile, token string) error {
	if !p.Valid() || token == "" {
		return ErrInvalidLogin
	}

	c.transMu.Lock()
	defer c.transMu.Unlock()

	if err := c.tokens.Set(token); err != nil {
		c.log.Warn("session.login.persist_credential.fail", "err", err)
	}
	if err := c.profiles.Set(p); err != nil {
		c.log.Warn("session.login.persist_profile.fail", "err", err)
	}

	c.announceLocked(CauseLogin, nil)
	c.log.Info("session.login", "user_id", p.ID, "role", p.Role)
	return nil
}

// Logout tears the session down locally and synchronously, then asks the
// server to invalidate the refresh credential in the background.
func (c *Context) Logout() {
	c.transMu.Lock()
	token, _ := c.tokens.Get()
	c.clearLocal()
	c.announceLocked(CauseLogout, nil)
	c.transMu.Unlock()

	c.log.Info("session.logout")

	if c.revoker == nil {
		return
	}

	c.revocations.Add(1)
	go func() {
		defer c.revocations.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.revokeTimeout)
		defer cancel()

		if err := c.revoker.Revoke(ctx, token); err != nil {
			c.log.Info("session.logout.revoke.fail", "err", err)
		}
	}()
}

// Terminate ends the session without a server call. It is idempotent.
func (c *Context) Terminate(reason error) {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	c.clearLocal()
	c.terminatedLocked(reason)
}

// TerminateIf ends the session only if the credential was not written since
// gen was observed. It is the landing point for irrecoverable refresh
// failures: a login that raced the failed refresh keeps its session.
func (c *Context) TerminateIf(gen uint64, reason error) bool {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	if !c.tokens.ClearIf(gen) {
		c.log.Info("session.terminate.skip", "reason", "credential_changed")
		return false
	}
	if err := c.profiles.Clear(); err != nil {
		c.log.Warn("session.clear_profile.fail", "err", err)
	}
	c.terminatedLocked(reason)
	return true
}

func (c *Context) terminatedLocked(reason error) {
	if reason == nil {
		reason = ErrSessionEnded
	} else if !errors.Is(reason, ErrSessionEnded) {
		reason = errors.Join(ErrSessionEnded, reason)
	}

	if c.announced == StateAnonymous {
		return
	}
	c.announceLocked(CauseTerminated, reason)
	c.log.Warn("session.terminated", "err", reason)
}

// WaitRevocations blocks until background logout calls finish or ctx ends.
func (c *Context) WaitRevocations(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.revocations.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Context) clearLocal() {
	if err := c.tokens.Clear(); err != nil {
		c.log.Warn("session.clear_credential.fail", "err", err)
	}
	if err := c.profiles.Clear(); err != nil {
		c.log.Warn("session.clear_profile.fail", "err", err)
	}
}

// announceLocked must be called with transMu held.
func (c *Context) announceLocked(cause Cause, reason error) {
	snap := c.Snapshot()
	tr := Transition{
		From:     c.announced,
		To:       snap.State,
		Cause:    cause,
		Reason:   reason,
		Snapshot: snap,
	}
	c.announced = snap.State
	c.metrics.SessionTransition(snap.State.String(), string(cause))

	for _, s := range c.subs {
		c.deliver(s, tr)
	}
}

func (c *Context) deliver(s subscriber, tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("session.listener.panic", "panic", r, "cause", tr.Cause)
		}
	}()
	s.fn(tr)
}
