package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 101, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "1xx"},
		{status: 204, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 307, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 401, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 500, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

func logRequest(t *testing.T, h http.HandlerFunc, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	rr := httptest.NewRecorder()
	withRequestLogging(log)(h).ServeHTTP(rr, httptest.NewRequest(method, path, nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return rr, line
}

func TestWithRequestLogging_RecordsStatusAndBytes(t *testing.T) {
	t.Parallel()

	rr, line := logRequest(t, func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusUnauthorized, CodeTokenExpired, "access token expired")
	}, http.MethodGet, "/api/me")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", rr.Code)
	}
	if line["msg"] != "http.request" || line["level"] != "WARN" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if line["method"] != http.MethodGet || line["path"] != "/api/me" {
		t.Fatalf("method/path mismatch: %v", line)
	}
	if line["status"] != float64(http.StatusUnauthorized) || line["result"] != "client_error" || line["status_class"] != "4xx" {
		t.Fatalf("status fields mismatch: %v", line)
	}
	if got := line["bytes"]; got != float64(rr.Body.Len()) {
		t.Fatalf("bytes=%v want %d", got, rr.Body.Len())
	}
}

func TestWithRequestLogging_ImplicitOK(t *testing.T) {
	t.Parallel()

	_, line := logRequest(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}, http.MethodGet, "/healthz")

	if line["status"] != float64(http.StatusOK) || line["level"] != "INFO" || line["bytes"] != float64(2) {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestLoggingResponseWriter_HijackWithoutSupport(t *testing.T) {
	t.Parallel()

	var w http.ResponseWriter = &loggingResponseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	hj, ok := w.(http.Hijacker)
	if !ok {
		t.Fatalf("wrapped writer must expose http.Hijacker")
	}
	if _, _, err := hj.Hijack(); err == nil {
		t.Fatalf("expected error from a recorder that cannot hijack")
	}
	if got := w.(*loggingResponseWriter).status; got != http.StatusOK {
		t.Fatalf("status=%d after failed hijack, want 200", got)
	}
}
