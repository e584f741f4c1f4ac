package refresh

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshFailed is returned when renewal did not produce a credential.
	// The session has been terminated by the time a caller sees it.
	ErrRefreshFailed = errors.New("refresh: failed")

	// ErrRefreshRejected marks a 401/403 from the refresh endpoint.
	ErrRefreshRejected = errors.New("refresh: rejected by server")

	// ErrRefreshDiscarded is returned when the credential changed (logout or a
	// new login) while the refresh was in flight. Its result was not applied.
	ErrRefreshDiscarded = errors.New("refresh: result discarded")

	// ErrBadResponse is returned for a 2xx reply without a usable credential.
	ErrBadResponse = errors.New("refresh: malformed response")
)

// StatusError carries an unexpected refresh endpoint status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("refresh: unexpected status %d", e.Status)
}

// Unwrap maps 401/403 to ErrRefreshRejected.
func (e *StatusError) Unwrap() error {
	if e.Status == 401 || e.Status == 403 {
		return ErrRefreshRejected
	}
	return nil
}
