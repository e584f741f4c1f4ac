// Package ids provides the identifier primitives shared by the client and the dev backend.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars) stamped with now.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ULID is NewULID for call sites that only need a log or envelope id.
// It falls back to the package's default entropy when crypto/rand fails.
func ULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return ulid.Make().String()
	}
	return id
}

// UUID returns a random RFC 4122 identifier for alert records.
func UUID() string {
	return uuid.NewString()
}
