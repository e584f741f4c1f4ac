package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"sentinel/cmd/internal/ids"
	v1 "sentinel/shared/contracts/realtime/v1"
)

// Channel is one push channel instance. It is created on login, dies on
// logout or reconnect exhaustion and is never reused.
type Channel struct {
	id        string
	gw        *Gateway
	listeners *Listeners
	after     <-chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func newChannel(g *Gateway, after <-chan struct{}) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		id:        ids.ULID(time.Now().UTC()),
		gw:        g,
		listeners: NewListeners(g.log),
		after:     after,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// ID returns the channel's connection id.
func (ch *Channel) ID() string { return ch.id }

// On registers a listener for events of typ on this channel.
func (ch *Channel) On(typ string, fn Handler) func() {
	return ch.listeners.On(typ, fn)
}

// Done is closed when the channel's goroutine has exited and its transport is released.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// teardown removes every listener, then closes the transport. Idempotent.
func (ch *Channel) teardown() {
	ch.listeners.RemoveAll()
	ch.cancel()

	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
}

func (ch *Channel) run() {
	defer close(ch.done)

	if ch.after != nil {
		select {
		case <-ch.after:
		case <-ch.ctx.Done():
			return
		}
	}

	log := ch.gw.log.With("conn_id", ch.id)
	cfg := ch.gw.cfg
	failures := 0
	reconnecting := false
	refreshed := false

	for {
		if reconnecting {
			if failures >= cfg.ReconnectAttempts {
				ch.gw.exhausted(ch, fmt.Errorf("after %d attempts", failures))
				return
			}
			failures++
			if !ch.sleep(cfg.ReconnectDelay) {
				return
			}
			log.Info("channel.reconnect", "attempt", failures, "max", cfg.ReconnectAttempts)
		}

		conn, rej, err := ch.dial()
		if err != nil {
			if ch.ctx.Err() != nil {
				return
			}
			ch.gw.metrics.ChannelDial("fail")
			log.Info("channel.dial.fail", "status", rej.status, "code", rej.code, "err", err)

			if rej.expired() && !refreshed && ch.gw.refresher != nil {
				refreshed = true
				if _, rerr := ch.gw.refresher.Refresh(ch.ctx); rerr != nil {
					log.Info("channel.refresh.fail", "err", rerr)
				}
			}

			if !reconnecting {
				reconnecting = true
				ch.gw.transition(ch, StateReconnecting, err)
			}
			continue
		}

		if !ch.attach(conn) {
			_ = conn.CloseNow()
			log.Debug("channel.dial.stale")
			return
		}

		ch.gw.metrics.ChannelDial("ok")
		failures = 0
		refreshed = false
		reconnecting = false
		ch.gw.transition(ch, StateOpen, nil)
		log.Info("channel.connected")

		err = ch.serve(conn)
		ch.detach(conn)

		if ch.ctx.Err() != nil {
			return
		}
		log.Info("channel.drop", "close_status", websocket.CloseStatus(err), "err", err)
		reconnecting = true
		ch.gw.transition(ch, StateReconnecting, err)
	}
}

func (ch *Channel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ch.ctx.Done():
		return false
	}
}

// rejection describes a failed handshake response.
type rejection struct {
	status int
	code   string
}

// expired reports whether the server rejected the credential as expired
// rather than invalid.
func (r rejection) expired() bool {
	return r.status == http.StatusUnauthorized && r.code == v1.CodeTokenExpired
}

func rejectionOf(resp *http.Response) rejection {
	if resp == nil {
		return rejection{}
	}
	r := rejection{status: resp.StatusCode}
	if resp.Body == nil {
		return r
	}
	// The websocket client keeps the first bytes of a failed handshake body.
	var body struct {
		Error v1.ErrorPayload `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if json.Unmarshal(raw, &body) == nil {
		r.code = body.Error.Code
	}
	return r
}

// dial opens the transport with the credential current at call time.
func (ch *Channel) dial() (*websocket.Conn, rejection, error) {
	token, ok := ch.gw.tokens.Get()
	if !ok {
		return nil, rejection{}, ErrNoCredential
	}

	cfg := ch.gw.cfg
	ctx, cancel := context.WithTimeout(ch.ctx, cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		HTTPClient:   cfg.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return nil, rejectionOf(resp), err
	}

	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, rejection{}, ErrSubprotocol
	}

	conn.SetReadLimit(cfg.ReadLimit)
	return conn, rejection{}, nil
}

// attach records conn as this channel's transport if the channel is still
// the gateway's current one.
func (ch *Channel) attach(conn *websocket.Conn) bool {
	if !ch.gw.adopt(ch) {
		return false
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	// teardown cancels before it looks at ch.conn, so a cancelled context
	// here means nobody will close conn for us.
	if ch.ctx.Err() != nil {
		ch.gw.released()
		return false
	}
	ch.conn = conn
	return true
}

func (ch *Channel) detach(conn *websocket.Conn) {
	ch.mu.Lock()
	ch.conn = nil
	ch.mu.Unlock()

	_ = conn.CloseNow()
	ch.gw.released()
}

// serve reads until the transport fails or the channel is torn down.
func (ch *Channel) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ch.ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ch.heartbeat(ctx, conn)
	}()
	defer func() { <-hbDone }()
	defer cancel()

	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if mt != websocket.MessageText {
			ch.gw.metrics.DroppedEvent("binary_frame")
			continue
		}
		ch.handle(data)
	}
}

func (ch *Channel) handle(data []byte) {
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ch.gw.metrics.DroppedEvent("bad_json")
		ch.gw.log.Warn("channel.event.drop", "conn_id", ch.id, "reason", "bad_json", "err", err)
		return
	}
	if err := env.Validate(); err != nil {
		ch.gw.metrics.DroppedEvent("bad_envelope")
		ch.gw.log.Warn("channel.event.drop", "conn_id", ch.id, "reason", "bad_envelope", "err", err)
		return
	}

	if n := ch.listeners.Dispatch(env); n == 0 {
		ch.gw.log.Debug("channel.event.unhandled", "conn_id", ch.id, "type", env.Type)
	}
}

func (ch *Channel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	cfg := ch.gw.cfg
	t := time.NewTicker(cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, cfg.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err == nil {
				failures = 0
				continue
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			failures++
			ch.gw.log.Info("channel.ping.fail", "conn_id", ch.id, "failures", failures, "err", err)
			if failures >= maxPingFailures {
				_ = conn.CloseNow()
				return
			}
		}
	}
}
