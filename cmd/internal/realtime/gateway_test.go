package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/cmd/internal/auth/credential"
	"sentinel/cmd/internal/auth/session"
	"sentinel/cmd/internal/metrics"
	"sentinel/cmd/internal/storage"
	v1 "sentinel/shared/contracts/realtime/v1"
)

const waitFor = 3 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pushServer struct {
	srv *httptest.Server

	token   atomic.Value // string
	expired atomic.Value // string, answered with TOKEN_EXPIRED
	reject  atomic.Bool
	hold    chan struct{}
	accepts atomic.Int32
	live    atomic.Int32
	maxLive atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newPushServer(t *testing.T, token string) *pushServer {
	t.Helper()

	ps := &pushServer{}
	ps.token.Store(token)
	ps.expired.Store("")
	ps.srv = httptest.NewServer(http.HandlerFunc(ps.serve))
	t.Cleanup(func() {
		ps.dropAll()
		ps.srv.Close()
	})
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http") + "/ws"
}

func (ps *pushServer) serve(w http.ResponseWriter, r *http.Request) {
	if ps.hold != nil {
		<-ps.hold
	}
	if ps.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	switch r.Header.Get("Authorization") {
	case "Bearer " + ps.token.Load().(string):
	case "Bearer " + ps.expired.Load().(string):
		writeReject(w, v1.CodeTokenExpired)
		return
	default:
		writeReject(w, v1.CodeInvalidToken)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		return
	}
	ps.accepts.Add(1)

	n := ps.live.Add(1)
	for {
		m := ps.maxLive.Load()
		if n <= m || ps.maxLive.CompareAndSwap(m, n) {
			break
		}
	}

	ps.mu.Lock()
	ps.conns = append(ps.conns, conn)
	ps.mu.Unlock()

	ctx := conn.CloseRead(context.Background())
	<-ctx.Done()
	ps.live.Add(-1)
}

func writeReject(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]v1.ErrorPayload{"error": {Code: code, Message: code}})
}

// countingRefresher stores next in tokens on every call.
type countingRefresher struct {
	tokens *credential.Store
	next   string
	calls  atomic.Int32
}

func (r *countingRefresher) Refresh(context.Context) (string, error) {
	r.calls.Add(1)
	if err := r.tokens.Set(r.next); err != nil {
		return "", err
	}
	return r.next, nil
}

func (ps *pushServer) last() *websocket.Conn {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.conns) == 0 {
		return nil
	}
	return ps.conns[len(ps.conns)-1]
}

func (ps *pushServer) push(t *testing.T, raw []byte) {
	t.Helper()
	conn := ps.last()
	require.NotNil(t, conn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))
}

func (ps *pushServer) dropAll() {
	ps.mu.Lock()
	conns := ps.conns
	ps.conns = nil
	ps.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseNow()
	}
}

func alertEnvelope(t *testing.T, typ, title string) []byte {
	t.Helper()
	payload, err := json.Marshal(v1.AlertEvent{ID: "a1", Title: title, Message: "m", Severity: v1.SeverityCritical})
	require.NoError(t, err)
	raw, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: "e1", TS: time.Now().UTC(), Payload: payload})
	require.NoError(t, err)
	return raw
}

type statusLog struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (s *statusLog) record(c StatusChange) {
	s.mu.Lock()
	s.changes = append(s.changes, c)
	s.mu.Unlock()
}

func (s *statusLog) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c.To)
	}
	return out
}

func (s *statusLog) lastReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.changes) == 0 {
		return nil
	}
	return s.changes[len(s.changes)-1].Reason
}

type harness struct {
	sess   *session.Context
	tokens *credential.Store
	gw     *Gateway
	status *statusLog
	events chan v1.Envelope
}

func newHarness(t *testing.T, ps *pushServer, cfg Config) *harness {
	t.Helper()
	return newHarnessWith(t, ps, cfg, credential.NewStore(quietLogger(), storage.NewMemory()))
}

func newHarnessWith(t *testing.T, ps *pushServer, cfg Config, tokens *credential.Store, opts ...Option) *harness {
	t.Helper()

	backend := storage.NewMemory()
	sess := session.New(quietLogger(), tokens, session.NewProfileCache(backend))

	cfg.URL = ps.url()
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 20 * time.Millisecond
	}
	gw := NewGateway(quietLogger(), cfg, tokens, append([]Option{WithMetrics(metrics.New())}, opts...)...)

	h := &harness{
		sess:   sess,
		tokens: tokens,
		gw:     gw,
		status: &statusLog{},
		events: make(chan v1.Envelope, 16),
	}
	gw.OnStatus(h.status.record)
	gw.Bind(func(ch *Channel) {
		ch.On(v1.TypeNewAlert, func(env v1.Envelope) { h.events <- env })
	})
	gw.Attach(sess)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = gw.Close(ctx)
	})
	return h
}

func (h *harness) login(t *testing.T, token string) {
	t.Helper()
	require.NoError(t, h.sess.Login(session.Profile{ID: 1, Username: "a", Role: "admin"}, token))
}

func TestGateway_LoginOpensChannelAndDeliversEvents(t *testing.T) {
	ps := newPushServer(t, "T1")
	h := newHarness(t, ps, Config{ReconnectAttempts: 3})

	assert.Equal(t, StateClosed, h.gw.Status())
	h.login(t, "T1")

	require.Eventually(t, func() bool { return h.gw.Status() == StateOpen }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []State{StateConnecting, StateOpen}, h.status.states())
	assert.Equal(t, 1, h.gw.LiveConnections())
	assert.Equal(t, 1, h.gw.ListenerCount())

	ps.push(t, alertEnvelope(t, v1.TypeNewAlert, "Landslide risk"))

	select {
	case env := <-h.events:
		ev, err := v1.DecodeAlert(env.Payload)
		require.NoError(t, err)
		assert.Equal(t, "Landslide risk", ev.Title)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
}

func TestGateway_LogoutClosesChannelAndRemovesListeners(t *testing.T) {
	ps := newPushServer(t, "T1")
	h := newHarness(t, ps, Config{ReconnectAttempts: 3})

	h.login(t, "T1")
	require.Eventually(t, func() bool { return h.gw.Status() == StateOpen }, waitFor, 5*time.Millisecond)

	h.sess.Logout()

	assert.Equal(t, StateClosed, h.gw.Status())
	assert.Zero(t, h.gw.ListenerCount())
	require.Eventually(t, func() bool {
		return h.gw.LiveConnections() == 0 && ps.live.Load() == 0
	}, waitFor, 5*time.Millisecond)
}

func TestGateway_AtMostOneLiveConnectionAcrossSessions(t *testing.T) {
	ps := newPushServer(t, "T1")
	h := newHarness(t, ps, Config{ReconnectAttempts: 3})

	for i := 0; i < 5; i++ {
		h.login(t, "T1")
		// Re-announcing login replaces the channel.
		h.login(t, "T1")
		require.Eventually(t, func() bool { return h.gw.Status() == StateOpen }, waitFor, 5*time.Millisecond)
		h.sess.Logout()
		assert.Zero(t, h.gw.ListenerCount())
	}

	require.Eventually(t, func() bool {
		return ps.live.Load() == 0 && h.gw.LiveConnections() == 0
	}, waitFor, 5*time.Millisecond)
	assert.LessOrEqual(t, ps.maxLive.Load(), int32(1))
}

func TestGateway_ReconnectsAfterTransportDrop(t *testing.T) {
	ps := newPushServer(t, "T1")
	h := newHarness(t, ps, Config{ReconnectAttempts: 3})

	h.login(t, "T1")
	require.Eventually(t, func() bool { return ps.accepts.Load() == 1 }, waitFor, 5*time.Millisecond)

	ps.dropAll()

	require.Eventually(t, func() bool {
		return ps.accepts.Load() == 2 && h.gw.Status() == StateOpen
	}, waitFor, 5*time.Millisecond)
	assert.Contains(t, h.status.states(), StateReconnecting)
	assert.Equal(t, 1, h.gw.ListenerCount())
}

func TestGateway_ReconnectExhaustionEndsClosed(t *testing.T) {
	ps := newPushServer(t, "T1")
	h := newHarness(t, ps, Config{ReconnectAttempts: 2})

	h.login(t, "T1")
	require.Eventually(t, func() bool { return h.gw.Status() == StateOpen }, waitFor, 5*time.Millisecond)

	ps.reject.Store(true)
	ps.dropAll()

	require.Eventually(t, func() bool { return h.gw.Status() == StateClosed }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, h.status.lastReason(), ErrReconnectExhausted)
	assert.Zero(t, h.gw.ListenerCount())
	assert.Zero(t, h.gw.LiveConnections())

	// The session survives; a fresh login brings the channel back.
	assert.True(t, h.sess.Snapshot().Authenticated())
	ps.reject.Store(false)
	h.login(t, "T1")
	require.Eventually(t, func() bool { return h.gw.Status() == StateOpen }, waitFor, 5*time.Millisecond)
}

func TestGateway_MalformedFramesDoNotBreakChannel(t *testing.T) {
	ps := newPushServer(t, "T1")
	h := newHarness(t, ps, Config{ReconnectAttempts: 1})

	h.login(t, "T1")
	require.Eventually(t, func() bool { return h.gw.Status() == StateOpen }, waitFor, 5*time.Millisecond)

	ps.push(t, []byte(`{not json`))
	ps.push(t, []byte(`{"v":"v9","type":"new_alert"}`))
	ps.push(t, alertEnvelope(t, v1.TypeNewAlert, "after garbage"))

	select {
	case env := <-h.events:
		ev, err := v1.DecodeAlert(env.Payload)
		require.NoError(t, err)
		assert.Equal(t, "after garbage", ev.Title)
	case <-time.After(waitFor):
		t.Fatal("valid event after garbage not delivered")
	}
	assert.Equal(t, StateOpen, h.gw.Status())
	assert.EqualValues(t, 1, ps.accepts.Load())
}

func TestGateway_StaleHandshakeIsDiscarded(t *testing.T) {
	ps := newPushServer(t, "T1")
	ps.hold = make(chan struct{})
	h := newHarness(t, ps, Config{ReconnectAttempts: 1})

	h.login(t, "T1")
	require.Equal(t, StateConnecting, h.gw.Status())

	// End the session while the handshake is held by the server.
	h.sess.Logout()
	close(ps.hold)

	require.Eventually(t, func() bool { return ps.live.Load() == 0 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateClosed, h.gw.Status())
	assert.Zero(t, h.gw.LiveConnections())
	assert.Zero(t, h.gw.ListenerCount())
}

func TestGateway_RejectedHandshakeWithoutCredentialNeverOpens(t *testing.T) {
	ps := newPushServer(t, "T-other")
	h := newHarness(t, ps, Config{ReconnectAttempts: 1})

	h.login(t, "T1")
	require.Eventually(t, func() bool { return h.gw.Status() == StateClosed }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, h.status.lastReason(), ErrReconnectExhausted)
	assert.Zero(t, ps.accepts.Load())
}

func TestGateway_ExpiredHandshakeRefreshesOnce(t *testing.T) {
	ps := newPushServer(t, "T2")
	ps.expired.Store("T1")

	tokens := credential.NewStore(quietLogger(), storage.NewMemory())
	ref := &countingRefresher{tokens: tokens, next: "T2"}
	h := newHarnessWith(t, ps, Config{ReconnectAttempts: 2}, tokens, WithRefresher(ref))

	h.login(t, "T1")
	require.Eventually(t, func() bool { return h.gw.Status() == StateOpen }, waitFor, 5*time.Millisecond)
	assert.EqualValues(t, 1, ref.calls.Load())
	assert.EqualValues(t, 1, ps.accepts.Load())
}

func TestGateway_InvalidHandshakeDoesNotRefresh(t *testing.T) {
	ps := newPushServer(t, "T2")

	tokens := credential.NewStore(quietLogger(), storage.NewMemory())
	ref := &countingRefresher{tokens: tokens, next: "T2"}
	h := newHarnessWith(t, ps, Config{ReconnectAttempts: 1}, tokens, WithRefresher(ref))

	h.login(t, "garbage")
	require.Eventually(t, func() bool { return h.gw.Status() == StateClosed }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, h.status.lastReason(), ErrReconnectExhausted)
	assert.Zero(t, ref.calls.Load())
	assert.Zero(t, ps.accepts.Load())
}
