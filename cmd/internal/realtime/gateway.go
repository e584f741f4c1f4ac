// Package realtime maintains the push channel of an authenticated session.
//
// The Gateway follows the session context: it opens exactly one websocket
// channel when the session becomes authenticated and tears it down (listeners
// first, transport second) when the session becomes anonymous. Transport loss
// is retried a fixed number of times with a fixed delay.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/cmd/internal/auth/session"
	"sentinel/cmd/internal/metrics"
)

// State is the channel connection state.
type State string

const (
	StateClosed       State = "closed"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
)

var allStates = []string{
	string(StateClosed),
	string(StateConnecting),
	string(StateOpen),
	string(StateReconnecting),
}

var (
	// ErrReconnectExhausted is the reason of a Closed status after every
	// reconnection attempt failed.
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")

	// ErrNoCredential is returned by a dial attempted without an access credential.
	ErrNoCredential = errors.New("realtime: no access credential")

	// ErrSubprotocol is returned when the server did not select our subprotocol.
	ErrSubprotocol = errors.New("realtime: subprotocol not negotiated")
)

// StatusChange is delivered to status subscribers in order.
// Reason is set when the change was caused by a transport failure.
type StatusChange struct {
	ConnID string
	From   State
	To     State
	Reason error
}

// Binder attaches listeners to a freshly created channel.
type Binder func(ch *Channel)

// Credentials is the read side of the token store.
type Credentials interface {
	Get() (string, bool)
}

// Refresher renews the access credential after a rejected handshake.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// SessionSource is the session context as seen by the gateway.
type SessionSource interface {
	Subscribe(fn session.Listener) (session.Snapshot, func())
}

// Config holds channel options.
type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
}

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 3 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultHeartbeat         = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultReadLimit         = 64 << 10
	maxPingFailures          = 3
)

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeat
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

type statusSub struct {
	id uint64
	fn func(StatusChange)
}

// Gateway owns the single channel of the process.
type Gateway struct {
	log       *slog.Logger
	cfg       Config
	tokens    Credentials
	refresher Refresher
	metrics   *metrics.Metrics

	mu          sync.Mutex
	current     *Channel
	state       State
	binders     []Binder
	subs        []statusSub
	nextSubID   uint64
	pending     []StatusChange
	detach      func()
	transitions uint64
	closed      bool

	// emitMu serializes status delivery so subscribers see changes in order.
	emitMu sync.Mutex

	live atomic.Int64
	wg   sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records channel state on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithRefresher renews the credential once when a handshake is rejected as
// expired (401 TOKEN_EXPIRED).
func WithRefresher(r Refresher) Option {
	return func(g *Gateway) { g.refresher = r }
}

// NewGateway builds a Gateway. Nothing is dialed until Attach sees an
// authenticated session.
func NewGateway(log *slog.Logger, cfg Config, tokens Credentials, opts ...Option) *Gateway {
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		log:    log,
		cfg:    cfg.withDefaults(),
		tokens: tokens,
		state:  StateClosed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.metrics.ChannelState(string(StateClosed), allStates)
	return g
}

// Attach follows src: Authenticated opens a channel, Anonymous closes it.
// A re-announced login replaces the channel.
func (g *Gateway) Attach(src SessionSource) {
	snap, cancel := src.Subscribe(g.onTransition)

	g.mu.Lock()
	prev := g.detach
	g.detach = cancel
	if g.closed {
		g.mu.Unlock()
		cancel()
		return
	}
	// A transition delivered between Subscribe and here is newer than snap.
	if g.transitions == 0 && snap.Authenticated() {
		g.openLocked()
	}
	g.mu.Unlock()
	g.flush()

	if prev != nil {
		prev()
	}
}

func (g *Gateway) onTransition(tr session.Transition) {
	g.mu.Lock()
	g.transitions++
	if !g.closed {
		if tr.To == session.StateAuthenticated {
			g.openLocked()
		} else {
			g.closeCurrentLocked()
		}
	}
	g.mu.Unlock()
	g.flush()
}

// Bind registers b for the current channel (if any) and every future one.
func (g *Gateway) Bind(b Binder) {
	if b == nil {
		return
	}

	g.mu.Lock()
	g.binders = append(g.binders, b)
	ch := g.current
	g.mu.Unlock()

	if ch != nil {
		g.bind(b, ch)
	}
}

func (g *Gateway) bind(b Binder, ch *Channel) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("channel.bind.panic", "conn_id", ch.ID(), "panic", r)
		}
	}()
	b(ch)
}

// Status returns the state of the current channel.
func (g *Gateway) Status() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// OnStatus subscribes fn to status changes and returns an unsubscribe func.
// fn must not call Close.
func (g *Gateway) OnStatus(fn func(StatusChange)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextSubID++
	id := g.nextSubID
	g.subs = append(g.subs, statusSub{id: id, fn: fn})

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, s := range g.subs {
			if s.id == id {
				g.subs = append(g.subs[:i:i], g.subs[i+1:]...)
				return
			}
		}
	}
}

// ListenerCount returns the number of listeners on the current channel.
func (g *Gateway) ListenerCount() int {
	g.mu.Lock()
	ch := g.current
	g.mu.Unlock()

	if ch == nil {
		return 0
	}
	return ch.listeners.Len()
}

// LiveConnections returns the number of open transports. It is never above one.
func (g *Gateway) LiveConnections() int {
	return int(g.live.Load())
}

// Current returns the current channel or nil.
func (g *Gateway) Current() *Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Close detaches from the session, tears the channel down and waits for its
// goroutines to exit or ctx to end.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	detach := g.detach
	g.detach = nil
	g.closeCurrentLocked()
	g.mu.Unlock()
	g.flush()

	if detach != nil {
		detach()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// openLocked replaces the current channel. The new channel does not dial
// before the previous transport is released.
func (g *Gateway) openLocked() {
	var after <-chan struct{}
	if prev := g.current; prev != nil {
		after = prev.done
		g.closeCurrentLocked()
	}

	ch := newChannel(g, after)
	g.current = ch
	for _, b := range g.binders {
		g.bind(b, ch)
	}
	g.setStateLocked(ch, StateConnecting, nil)

	g.log.Info("channel.open", "conn_id", ch.id)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ch.run()
	}()
}

func (g *Gateway) closeCurrentLocked() {
	ch := g.current
	if ch == nil {
		return
	}
	g.current = nil
	ch.teardown()
	g.setStateLocked(ch, StateClosed, nil)
	g.log.Info("channel.close", "conn_id", ch.id)
}

// isCurrent reports whether ch is still the channel the gateway wants.
func (g *Gateway) isCurrent(ch *Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current == ch && !g.closed
}

// adopt registers conn as the live transport of ch unless ch went stale while
// dialing. The caller closes conn when adopt returns false.
func (g *Gateway) adopt(ch *Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != ch || g.closed {
		return false
	}
	n := g.live.Add(1)
	g.metrics.LiveChannels(n)
	return true
}

func (g *Gateway) released() {
	n := g.live.Add(-1)
	g.metrics.LiveChannels(n)
}

// transition moves a still-current channel to state.
func (g *Gateway) transition(ch *Channel, state State, reason error) {
	g.mu.Lock()
	if g.current == ch {
		g.setStateLocked(ch, state, reason)
	}
	g.mu.Unlock()
	g.flush()
}

// exhausted retires ch after the last reconnect attempt failed.
func (g *Gateway) exhausted(ch *Channel, cause error) {
	g.mu.Lock()
	if g.current == ch {
		g.current = nil
		ch.teardown()
		g.setStateLocked(ch, StateClosed, errors.Join(ErrReconnectExhausted, cause))
		g.log.Warn("channel.disconnected", "conn_id", ch.id, "attempts", g.cfg.ReconnectAttempts, "err", cause)
	}
	g.mu.Unlock()
	g.flush()
}

func (g *Gateway) setStateLocked(ch *Channel, to State, reason error) {
	if g.state == to && reason == nil {
		return
	}
	change := StatusChange{ConnID: ch.id, From: g.state, To: to, Reason: reason}
	g.state = to
	g.pending = append(g.pending, change)
	g.metrics.ChannelState(string(to), allStates)
}

func (g *Gateway) flush() {
	g.emitMu.Lock()
	defer g.emitMu.Unlock()

	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	subs := append([]statusSub(nil), g.subs...)
	g.mu.Unlock()

	for _, change := range pending {
		g.log.Debug("channel.state", "conn_id", change.ConnID, "from", change.From, "to", change.To)
		for _, s := range subs {
			g.deliver(s, change)
		}
	}
}

func (g *Gateway) deliver(s statusSub, change StatusChange) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("channel.status.panic", "panic", r)
		}
	}()
	s.fn(change)
}
