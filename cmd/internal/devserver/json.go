package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	v1 "sentinel/shared/contracts/realtime/v1"
)

// Error codes carried in {"error":{"code":...}} bodies. The client gateway
// refreshes only on CodeTokenExpired.
const (
	CodeTokenExpired       = v1.CodeTokenExpired
	CodeInvalidToken       = v1.CodeInvalidToken
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeRefreshMissing     = "REFRESH_MISSING"
	CodeRefreshReuse       = "REFRESH_REUSE_DETECTED"
	CodeSessionNotActive   = "SESSION_NOT_ACTIVE"
	CodeInvalidJSON        = "INVALID_JSON"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeForbiddenOrigin    = "FORBIDDEN_ORIGIN"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServerError        = "SERVER_ERROR"
)

var (
	errEmptyBody    = errors.New("empty body")
	errTrailingData = errors.New("extra data after JSON object")
	errBodyTooLarge = errors.New("body too large")
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: msg}})
}

func writeInternal(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, CodeServerError, "internal error")
}

// readBody decodes exactly one JSON object of at most maxBytes into dst.
// Unknown fields are rejected.
func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errTrailingData
	}
	return nil
}

// writeBodyError answers a readBody failure.
func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, CodeInvalidJSON, "invalid request body")
}
