package session

import "errors"

var (
	// ErrInvalidLogin is returned when Login is called without a usable profile/credential pair.
	ErrInvalidLogin = errors.New("session: invalid login pair")

	// ErrCorruptProfile is returned when the cached profile cannot be decoded.
	ErrCorruptProfile = errors.New("session: corrupt cached profile")

	// ErrSessionEnded is the reason attached to transitions caused by an
	// irrecoverable refresh failure.
	ErrSessionEnded = errors.New("session ended")
)
