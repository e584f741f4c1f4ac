package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "sentinel/shared/contracts/realtime/v1"
)

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	clock  *fakeClock
	client *http.Client
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	clock := newFakeClock()
	srv, err := New(quietLogger(), cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, _ := cookiejar.New(nil)
	return &testEnv{srv: srv, ts: ts, clock: clock, client: &http.Client{Jar: jar, Timeout: 5 * time.Second}}
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) (*http.Response, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func (e *testEnv) login(t *testing.T, username, password string) loginResponse {
	t.Helper()
	resp, raw := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Username: username, Password: password})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status=%d body=%s", resp.StatusCode, raw)
	}
	var out loginResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return out
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var out errorBody
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode error body %q: %v", raw, err)
	}
	return out.Error.Code
}

func TestLogin_ReturnsProfileTokenAndCookie(t *testing.T) {
	e := newTestEnv(t)

	resp, raw := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Username: "admin", Password: "admin-pass"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
	var out loginResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.User.Username != "admin" || out.User.Role != "admin" || out.AccessToken == "" {
		t.Fatalf("login=%+v", out)
	}

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "refresh_token" {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly || cookie.Path != "/auth" || cookie.Value == "" {
		t.Fatalf("refresh cookie=%+v", cookie)
	}
}

func TestLogin_Failures(t *testing.T) {
	e := newTestEnv(t)

	resp, raw := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Username: "admin", Password: "nope"})
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, raw) != "INVALID_CREDENTIALS" {
		t.Fatalf("bad password status=%d body=%s", resp.StatusCode, raw)
	}

	resp, raw = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "admin"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing password status=%d body=%s", resp.StatusCode, raw)
	}

	resp, raw = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"user": "admin", "password": "x"})
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, raw) != "INVALID_JSON" {
		t.Fatalf("unknown field status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestLogin_OversizedBody(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.MaxBodyBytes = 64 })

	resp, raw := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Username: "admin", Password: strings.Repeat("x", 128)})
	if resp.StatusCode != http.StatusRequestEntityTooLarge || errorCode(t, raw) != CodePayloadTooLarge {
		t.Fatalf("oversized status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestLogin_ThrottledPerIP(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.LoginBurst = 2
		c.LoginRate = 0.01
	})

	for i := 0; i < 2; i++ {
		resp, _ := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Username: "admin", Password: "nope"})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status=%d", i, resp.StatusCode)
		}
	}
	resp, raw := e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Username: "admin", Password: "admin-pass"})
	if resp.StatusCode != http.StatusTooManyRequests || errorCode(t, raw) != "RATE_LIMITED" {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestMe_DistinguishesExpiredFromInvalid(t *testing.T) {
	e := newTestEnv(t)
	login := e.login(t, "ops", "ops-pass")

	resp, raw := e.do(t, http.MethodGet, "/api/me", login.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status=%d body=%s", resp.StatusCode, raw)
	}
	var me meResponse
	_ = json.Unmarshal(raw, &me)
	if me.User.Username != "ops" {
		t.Fatalf("me=%+v", me)
	}

	resp, raw = e.do(t, http.MethodGet, "/api/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, raw) != CodeInvalidToken {
		t.Fatalf("no bearer status=%d body=%s", resp.StatusCode, raw)
	}

	resp, raw = e.do(t, http.MethodGet, "/api/me", "v4.public.garbage", nil)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, raw) != CodeInvalidToken {
		t.Fatalf("garbage status=%d body=%s", resp.StatusCode, raw)
	}

	e.clock.Advance(2 * time.Minute)
	resp, raw = e.do(t, http.MethodGet, "/api/me", login.AccessToken, nil)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, raw) != CodeTokenExpired {
		t.Fatalf("expired status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestRefresh_RotatesCookieAndDetectsReuse(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, "admin", "admin-pass")

	u := e.ts.URL + "/auth"
	before := cookieValue(t, e, u)

	resp, raw := e.do(t, http.MethodPost, "/auth/refresh-token", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status=%d body=%s", resp.StatusCode, raw)
	}
	var out refreshResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.AccessToken == "" {
		t.Fatalf("refresh body=%s err=%v", raw, err)
	}
	if after := cookieValue(t, e, u); after == before {
		t.Fatalf("refresh cookie was not rotated")
	}

	// Replay the old refresh token from a separate client.
	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/auth/refresh-token", nil)
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: before})
	stale, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stale refresh: %v", err)
	}
	staleRaw, _ := io.ReadAll(stale.Body)
	_ = stale.Body.Close()
	if stale.StatusCode != http.StatusUnauthorized || errorCode(t, staleRaw) != "REFRESH_REUSE_DETECTED" {
		t.Fatalf("stale status=%d body=%s", stale.StatusCode, staleRaw)
	}

	// Reuse revoked the legitimate chain as well.
	resp, raw = e.do(t, http.MethodPost, "/auth/refresh-token", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("post-reuse refresh status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestRefresh_WithoutCookie(t *testing.T) {
	e := newTestEnv(t)
	resp, raw := e.do(t, http.MethodPost, "/auth/refresh-token", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, raw) != "REFRESH_MISSING" {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestLogout_RevokesWithExpiredBearer(t *testing.T) {
	e := newTestEnv(t)
	login := e.login(t, "admin", "admin-pass")

	e.clock.Advance(5 * time.Minute)
	resp, raw := e.do(t, http.MethodPost, "/auth/logout", login.AccessToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status=%d body=%s", resp.StatusCode, raw)
	}

	resp, raw = e.do(t, http.MethodPost, "/auth/refresh-token", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, raw) != "REFRESH_MISSING" {
		t.Fatalf("refresh after logout status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestLogout_NothingToRevoke(t *testing.T) {
	e := newTestEnv(t)
	resp, raw := e.do(t, http.MethodPost, "/auth/logout", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, raw) != CodeInvalidToken {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
}

func TestAlerts_InjectListAndUpdate(t *testing.T) {
	e := newTestEnv(t)
	login := e.login(t, "ops", "ops-pass")

	resp, raw := e.do(t, http.MethodPost, "/dev/alerts", "", v1.AlertEvent{
		Title:    "Landslide risk",
		Message:  "Slope moving",
		Severity: v1.SeverityCritical,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("inject status=%d body=%s", resp.StatusCode, raw)
	}
	var created v1.AlertEvent
	if err := json.Unmarshal(raw, &created); err != nil || created.ID == "" || created.Status != v1.StatusOpen {
		t.Fatalf("created=%+v err=%v", created, err)
	}

	resp, raw = e.do(t, http.MethodGet, "/api/alerts?limit=10", login.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status=%d body=%s", resp.StatusCode, raw)
	}
	var list alertsResponse
	_ = json.Unmarshal(raw, &list)
	if len(list.Alerts) != 1 || list.Alerts[0].ID != created.ID {
		t.Fatalf("alerts=%+v", list.Alerts)
	}

	resp, raw = e.do(t, http.MethodPatch, "/dev/alerts/"+created.ID, "", alertStatusRequest{Status: v1.StatusResolved})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), v1.StatusResolved) {
		t.Fatalf("update status=%d body=%s", resp.StatusCode, raw)
	}

	resp, _ = e.do(t, http.MethodPatch, "/dev/alerts/missing", "", alertStatusRequest{Status: v1.StatusResolved})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing update status=%d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/alerts?limit=0", login.AccessToken, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/alerts", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list status=%d", resp.StatusCode)
	}
}

func TestRouter_UnknownRouteUsesErrorBody(t *testing.T) {
	e := newTestEnv(t)
	resp, raw := e.do(t, http.MethodGet, "/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(t, raw) != "NOT_FOUND" {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
}

func cookieValue(t *testing.T, e *testEnv, rawURL string) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, rawURL, nil)
	for _, c := range e.client.Jar.Cookies(req.URL) {
		if c.Name == "refresh_token" {
			return c.Value
		}
	}
	t.Fatalf("no refresh cookie in jar for %s", rawURL)
	return ""
}
