package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine-readable error codes used by the platform API.
const (
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeInvalidToken = "INVALID_TOKEN"
)

var (
	// ErrCredentialExpired is a 401 carrying CodeTokenExpired.
	ErrCredentialExpired = errors.New("apiclient: credential expired")

	// ErrCredentialInvalid is any other 401. It never triggers a refresh.
	ErrCredentialInvalid = errors.New("apiclient: credential invalid")

	// ErrSessionTerminated is returned when a request needed a refresh and the
	// refresh failed. The session has ended and the request was not retried.
	ErrSessionTerminated = errors.New("apiclient: session terminated")
)

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("api: %d %s", e.Status, e.Code)
	default:
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
}

// Unwrap maps the error onto ErrCredentialExpired or ErrCredentialInvalid.
func (e *APIError) Unwrap() error {
	if e.Status != http.StatusUnauthorized {
		return nil
	}
	if e.Code == CodeTokenExpired {
		return ErrCredentialExpired
	}
	return ErrCredentialInvalid
}

// Expired reports whether the error is the recoverable expiry signal.
func (e *APIError) Expired() bool {
	return e.Status == http.StatusUnauthorized && e.Code == CodeTokenExpired
}
