// Package main provides a CI-friendly smoke test for a running Sentinel dev backend.
//
// It validates:
//   - login sets the refresh cookie and returns an access token
//   - handshake + subprotocol selection with a bearer token
//   - an injected alert fans out to two clients as new_alert
//   - a status change arrives as alert_updated
//   - refresh rotates the cookie
//   - logout closes the push channel
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "sentinel/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name  string
	http  *http.Client
	token string
	conn  *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		apiURL   = flag.String("api", "http://127.0.0.1:8088", "API base URL")
		username = flag.String("user", "ops", "username")
		password = flag.String("password", "ops", "password")
		title    = flag.String("title", "smoke: vibration spike", "alert title to inject")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := url.Parse(strings.TrimRight(*apiURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fatalf("invalid -api: %q", *apiURL)
	}
	wsURL := *base
	wsURL.Scheme = "ws"
	if base.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = strings.TrimRight(base.Path, "/") + "/ws"

	root := context.Background()

	a := mustLogin(root, "A", base.String(), *username, *password, *timeout)
	b := mustLogin(root, "B", base.String(), *username, *password, *timeout)

	mustConnect(root, a, wsURL.String(), *timeout)
	defer closeWS(a.conn)
	mustConnect(root, b, wsURL.String(), *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A and B as %s\n", *username)
	}

	var injected v1.AlertEvent
	mustDoJSON(root, a, http.MethodPost, base.String()+"/dev/alerts", v1.AlertEvent{
		Title:    *title,
		Message:  "injected by alert-smoke",
		Severity: v1.SeverityCritical,
	}, http.StatusCreated, &injected, *timeout)

	for _, c := range []*smokeClient{a, b} {
		ev := c.mustReadAlert(root, v1.TypeNewAlert, injected.ID, *timeout)
		if ev.Title != *title || ev.Severity != v1.SeverityCritical {
			fatalf("new_alert mismatch (%s): title=%q severity=%q", c.name, ev.Title, ev.Severity)
		}
	}

	mustDoJSON(root, a, http.MethodPatch, base.String()+"/dev/alerts/"+injected.ID,
		map[string]string{"status": v1.StatusResolved}, http.StatusOK, nil, *timeout)
	ev := b.mustReadAlert(root, v1.TypeAlertUpdated, injected.ID, *timeout)
	if ev.Status != v1.StatusResolved {
		fatalf("alert_updated status mismatch: got=%q", ev.Status)
	}

	before := a.refreshCookie(base)
	mustRefresh(root, a, base.String(), *timeout)
	if after := a.refreshCookie(base); after == "" || after == before {
		fatalf("refresh did not rotate the cookie")
	}

	mustDoJSON(root, a, http.MethodPost, base.String()+"/auth/logout", nil, http.StatusNoContent, nil, *timeout)
	a.mustSeeClose(root, *timeout)

	fmt.Printf("OK: alert_id=%s delivered=2 rotated=true closed_on_logout=true\n", injected.ID)
}

func mustLogin(parent context.Context, name, base, username, password string, stepTimeout time.Duration) *smokeClient {
	jar, err := cookiejar.New(nil)
	if err != nil {
		fatalf("cookie jar: %v", err)
	}
	c := &smokeClient{
		name:  name,
		http:  &http.Client{Jar: jar, Timeout: stepTimeout},
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}

	var out struct {
		AccessToken string `json:"accessToken"`
	}
	mustDoJSON(parent, c, http.MethodPost, base+"/auth/login",
		map[string]string{"username": username, "password": password}, http.StatusOK, &out, stepTimeout)
	if strings.TrimSpace(out.AccessToken) == "" {
		fatalf("login (%s): missing accessToken", name)
	}
	c.token = out.AccessToken
	return c
}

func mustRefresh(parent context.Context, c *smokeClient, base string, stepTimeout time.Duration) {
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	mustDoJSON(parent, c, http.MethodPost, base+"/auth/refresh-token", nil, http.StatusOK, &out, stepTimeout)
	if strings.TrimSpace(out.AccessToken) == "" {
		fatalf("refresh (%s): missing accessToken", c.name)
	}
	c.token = out.AccessToken
}

func (c *smokeClient) refreshCookie(base *url.URL) string {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + "/auth"
	for _, ck := range c.http.Jar.Cookies(&u) {
		if ck.Name == "refresh_token" {
			return ck.Value
		}
	}
	return ""
}

func mustDoJSON(parent context.Context, c *smokeClient, method, target string, body any, wantStatus int, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal %s %s: %v", method, target, err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		fatalf("build %s %s: %v", method, target, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s (%s): %v", method, target, c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var ep struct {
			Error v1.ErrorPayload `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&ep)
		fatalf("%s %s (%s): status=%d want=%d code=%q", method, target, c.name, resp.StatusCode, wantStatus, ep.Error.Code)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("decode %s %s (%s): %v", method, target, c.name, err)
		}
	}
}

func mustConnect(parent context.Context, c *smokeClient, wsURL string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", c.name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", c.name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)
	c.conn = conn
	c.startReadLoop()
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustReadAlert skips simulator traffic until the envelope for id arrives.
func (c *smokeClient) mustReadAlert(parent context.Context, wantType, id string, stepTimeout time.Duration) v1.AlertEvent {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s %s (%s): %v", wantType, id, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %s (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", wantType, c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type != wantType {
				continue
			}
			ev, err := v1.DecodeAlert(env.Payload)
			if err != nil {
				fatalf("decode %s (%s): %v", wantType, c.name, err)
			}
			if ev.ID == id {
				return ev
			}
		}
	}
}

func (c *smokeClient) mustSeeClose(parent context.Context, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("socket still open after logout (%s)", c.name)
		case err := <-c.errCh:
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
				fatalf("unexpected close after logout (%s): status=%v err=%v", c.name, status, err)
			}
			return
		case _, ok := <-c.inbox:
			if !ok {
				return
			}
		}
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
