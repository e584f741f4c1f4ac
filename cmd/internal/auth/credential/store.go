// Package credential holds the client's current access credential.
//
// Store is pure storage: it never talks to the network and carries no policy.
// Every write bumps a generation counter so asynchronous writers (refresh) can
// make their update conditional on nothing else having happened meanwhile.
package credential

import (
	"log/slog"
	"strings"
	"sync"

	"sentinel/cmd/internal/storage"
)

// Store is the process-wide access credential holder.
type Store struct {
	log     *slog.Logger
	backend storage.Storage

	mu    sync.RWMutex
	token string
	gen   uint64
}

// NewStore loads the persisted credential (if any) from backend.
// A nil backend keeps the credential in memory only.
func NewStore(log *slog.Logger, backend storage.Storage) *Store {
	if log == nil {
		log = slog.Default()
	}
	if backend == nil {
		backend = storage.NewMemory()
	}

	s := &Store{log: log, backend: backend}

	v, ok, err := backend.Get(storage.KeyAccessToken)
	switch {
	case err != nil:
		log.Warn("credential.load.fail", "err", err)
	case ok:
		s.token = strings.TrimSpace(v)
	}
	return s
}

// Get returns the current credential and whether one is present.
func (s *Store) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Snapshot returns the current credential together with its generation.
func (s *Store) Snapshot() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.gen
}

// Generation returns the current write generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Set overwrites the credential. An empty token is equivalent to Clear.
// The in-memory value is updated even when persisting fails.
func (s *Store) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(strings.TrimSpace(token))
}

// Clear removes the credential.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked("")
}

// SetIf stores token only if no write happened since gen was observed.
func (s *Store) SetIf(gen uint64, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	if err := s.writeLocked(strings.TrimSpace(token)); err != nil {
		s.log.Warn("credential.persist.fail", "err", err)
	}
	return true
}

// ClearIf clears the credential only if no write happened since gen was observed.
func (s *Store) ClearIf(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	if err := s.writeLocked(""); err != nil {
		s.log.Warn("credential.persist.fail", "err", err)
	}
	return true
}

func (s *Store) writeLocked(token string) error {
	s.token = token
	s.gen++

	if token == "" {
		return s.backend.Delete(storage.KeyAccessToken)
	}
	return s.backend.Set(storage.KeyAccessToken, token)
}
