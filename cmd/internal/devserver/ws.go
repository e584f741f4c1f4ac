package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"sentinel/cmd/internal/ids"
	v1 "sentinel/shared/contracts/realtime/v1"
)

const (
	wsMinSendQueueSize = 32
	wsMaxFrameBytes    = 16 << 10
	wsCloseGrace       = time.Second
	wsMaxPingFailures  = 3
)

// PushGateway is the /ws endpoint. The channel is server-push only: inbound
// frames are counted against a rate limit and answered with an error envelope.
type PushGateway struct {
	log      *slog.Logger
	hub      *Hub
	auth     *authenticator
	cfg      Config
	patterns []string
}

func newPushGateway(log *slog.Logger, hub *Hub, auth *authenticator, cfg Config) *PushGateway {
	if cfg.WSSendQueue < wsMinSendQueueSize {
		cfg.WSSendQueue = wsMinSendQueueSize
	}
	return &PushGateway{
		log:      log,
		hub:      hub,
		auth:     auth,
		cfg:      cfg,
		patterns: originPatterns(cfg.AllowedOrigins),
	}
}

func (g *PushGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Authenticate before the upgrade so the client sees a plain 401 with a code.
	claims, ok := g.auth.require(w, r)
	if !ok {
		return
	}
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		writeError(w, http.StatusForbidden, CodeForbiddenOrigin, "origin not allowed")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.patterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	client := NewClient(ids.ULID(time.Now().UTC()), claims.UserID, claims.SessionID, g.cfg.WSSendQueue)
	g.hub.Join(client)
	g.serve(r.Context(), conn, client)
}

func (g *PushGateway) serve(parent context.Context, conn *websocket.Conn, client *Client) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	// shutdown is idempotent and leaves client.Send open.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(client.ID)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Hub.Leave from elsewhere (logout) lands here.
				shutdown(websocket.StatusNormalClosure, "session ended")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WSWriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.cfg.WSHeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.WSHeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err == nil {
					failures = 0
					continue
				}
				failures++
				g.log.Info("ws.ping.fail", "conn_id", client.ID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.WSRateEvents, g.cfg.WSRateWindow)
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			code, reason := closeFor(err)
			g.log.Debug("ws.read.end", "conn_id", client.ID, "err", err)
			shutdown(code, reason)
			break
		}
		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(client, "rate_limited", "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}
		g.trySendError(client, "unsupported", "channel is server-push only")
	}

	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func closeFor(err error) (websocket.StatusCode, string) {
	switch {
	case websocket.CloseStatus(err) != -1:
		return websocket.StatusNormalClosure, "peer closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusGoingAway, "server shutdown"
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return websocket.StatusAbnormalClosure, "conn closed"
	default:
		return websocket.StatusAbnormalClosure, "read failed"
	}
}

func (g *PushGateway) trySendError(client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	select {
	case <-client.Done():
	case client.Send <- env:
	default:
	}
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// enforceOrigin checks browser origins against the allowlist. Native clients send no Origin.
func (g *PushGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return nil
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept host patterns from the allowlist so both checks agree.
func originPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
