// Package storage is the client's durable key-value store.
//
// It plays the role a browser's tab storage plays for a web dashboard: a small
// string map persisted under fixed keys. Values are opaque to this package.
package storage

import (
	"errors"
	"sync"
)

// Fixed keys used by the session layer.
const (
	KeyAccessToken = "accessToken"
	KeyUser        = "user"
	KeyCookies     = "cookies"
)

// ErrClosed is returned by a backend that can no longer persist.
var ErrClosed = errors.New("storage: closed")

// Storage persists string values under string keys.
//
// Implementations must be safe for concurrent use and must not perform
// network I/O.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// Memory is a process-local Storage.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}
