package devserver

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"sentinel/cmd/internal/ids"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExpired       = errors.New("session expired")
	ErrSessionRevoked       = errors.New("session revoked")
	ErrRefreshReuseDetected = errors.New("refresh token reuse detected")
)

// Issued is the result of opening or rotating a session.
type Issued struct {
	SessionID    string
	UserID       string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

type sessionRow struct {
	ID          string
	UserID      string
	RefreshHash string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RotatedAt   *time.Time
	ReplacedBy  string
	Parent      string // rotated from
	RevokedAt   *time.Time
}

// Sessions keeps refresh sessions in memory. Refresh tokens are opaque and
// only their keyed hash is retained.
type Sessions struct {
	tokens     *TokenManager
	refreshTTL time.Duration
	tokenBytes int
	hmacKey    []byte

	mu     sync.Mutex
	byID   map[string]*sessionRow
	byHash map[string]*sessionRow
}

// NewSessions builds the session service. An empty cfg.RefreshHMACKey uses a random key.
func NewSessions(cfg Config, tokens *TokenManager) (*Sessions, error) {
	key := []byte(strings.TrimSpace(cfg.RefreshHMACKey))
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	return &Sessions{
		tokens:     tokens,
		refreshTTL: cfg.RefreshTTL,
		tokenBytes: cfg.RefreshTokenBytes,
		hmacKey:    key,
		byID:       make(map[string]*sessionRow),
		byHash:     make(map[string]*sessionRow),
	}, nil
}

func (s *Sessions) hashRefresh(plain string) string {
	m := hmac.New(sha256.New, s.hmacKey)
	_, _ = m.Write([]byte(plain))
	return hex.EncodeToString(m.Sum(nil))
}

func newOpaqueToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 32
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// createLocked requires s.mu.
func (s *Sessions) createLocked(now time.Time, userID string) (Issued, *sessionRow, error) {
	plain, err := newOpaqueToken(s.tokenBytes)
	if err != nil {
		return Issued{}, nil, err
	}

	row := &sessionRow{
		ID:          ids.ULID(now),
		UserID:      userID,
		RefreshHash: s.hashRefresh(plain),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.refreshTTL),
	}
	s.byID[row.ID] = row
	s.byHash[row.RefreshHash] = row

	access, accessExp := s.tokens.Issue(userID, row.ID, now)
	return Issued{
		SessionID:    row.ID,
		UserID:       userID,
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: plain,
		RefreshExp:   row.ExpiresAt,
	}, row, nil
}

// Open starts a new session for userID.
func (s *Sessions) Open(now time.Time, userID string) (Issued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issued, _, err := s.createLocked(now, userID)
	return issued, err
}

// Rotate exchanges a refresh token for a new session.
//
// A token that was already rotated is treated as stolen: every session of
// its user is revoked and ErrRefreshReuseDetected is returned.
func (s *Sessions) Rotate(now time.Time, refreshPlain string) (Issued, error) {
	refreshPlain = strings.TrimSpace(refreshPlain)
	if refreshPlain == "" || len(refreshPlain) > 4096 {
		return Issued{}, ErrSessionNotFound
	}
	hash := s.hashRefresh(refreshPlain)

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.byHash[hash]
	if row == nil {
		return Issued{}, ErrSessionNotFound
	}
	if !row.ExpiresAt.After(now) {
		return Issued{}, ErrSessionExpired
	}
	if row.RotatedAt != nil {
		s.revokeAllLocked(now, row.UserID)
		return Issued{}, ErrRefreshReuseDetected
	}
	if row.RevokedAt != nil {
		return Issued{}, ErrSessionRevoked
	}

	issued, next, err := s.createLocked(now, row.UserID)
	if err != nil {
		return Issued{}, err
	}
	rotated := now
	row.RotatedAt = &rotated
	row.ReplacedBy = next.ID
	next.Parent = row.ID
	return issued, nil
}

// Active reports whether the session behind an access token may still be used.
// A rotated session keeps serving its outstanding access token until that expires.
func (s *Sessions) Active(now time.Time, claims AccessClaims) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.byID[claims.SessionID]
	switch {
	case row == nil || row.UserID != claims.UserID:
		return ErrSessionNotFound
	case row.RevokedAt != nil:
		return ErrSessionRevoked
	case !row.ExpiresAt.After(now):
		return ErrSessionExpired
	}
	return nil
}

// Revoke ends a session and every session it was rotated from, returning
// their ids newest first. Revoking twice is not an error.
func (s *Sessions) Revoke(now time.Time, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.byID[sessionID]
	if row == nil {
		return nil, ErrSessionNotFound
	}
	return s.revokeChainLocked(now, row), nil
}

// RevokeByRefresh is Revoke for the session owning a refresh token.
func (s *Sessions) RevokeByRefresh(now time.Time, refreshPlain string) ([]string, error) {
	refreshPlain = strings.TrimSpace(refreshPlain)
	if refreshPlain == "" {
		return nil, ErrSessionNotFound
	}
	hash := s.hashRefresh(refreshPlain)

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.byHash[hash]
	if row == nil {
		return nil, ErrSessionNotFound
	}
	return s.revokeChainLocked(now, row), nil
}

// revokeChainLocked requires s.mu.
func (s *Sessions) revokeChainLocked(now time.Time, row *sessionRow) []string {
	var out []string
	for row != nil {
		if row.RevokedAt == nil {
			revoked := now
			row.RevokedAt = &revoked
		}
		out = append(out, row.ID)
		row = s.byID[row.Parent]
	}
	return out
}

func (s *Sessions) revokeAllLocked(now time.Time, userID string) {
	for _, row := range s.byID {
		if row.UserID != userID || row.RevokedAt != nil {
			continue
		}
		revoked := now
		row.RevokedAt = &revoked
	}
}

// Count returns the number of live (unrevoked, unexpired) sessions.
func (s *Sessions) Count(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.byID {
		if row.RevokedAt == nil && row.RotatedAt == nil && row.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}
