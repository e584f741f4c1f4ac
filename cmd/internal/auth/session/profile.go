package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"sentinel/cmd/internal/storage"
)

// Roles understood by the role flags.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// Profile is the cached user profile returned by login.
type Profile struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Avatar   string `json:"avatar,omitempty"`
}

// Valid reports whether the profile is complete enough to back a session.
func (p Profile) Valid() bool {
	return strings.TrimSpace(p.Username) != ""
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// IsAdmin reports whether role grants administrative views.
func IsAdmin(role string) bool {
	switch normalizeRole(role) {
	case RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// IsSuperAdmin reports whether role is the super administrator role.
func IsSuperAdmin(role string) bool {
	return normalizeRole(role) == RoleSuperAdmin
}

// ProfileCache persists the profile as JSON under storage.KeyUser.
type ProfileCache struct {
	backend storage.Storage

	mu      sync.RWMutex
	profile *Profile
}

// NewProfileCache builds a cache over backend. A nil backend keeps it in memory.
func NewProfileCache(backend storage.Storage) *ProfileCache {
	if backend == nil {
		backend = storage.NewMemory()
	}
	return &ProfileCache{backend: backend}
}

// Load reads the persisted profile into memory.
// It returns ErrCorruptProfile for undecodable or incomplete entries.
func (c *ProfileCache) Load() (Profile, bool, error) {
	raw, ok, err := c.backend.Get(storage.KeyUser)
	if err != nil {
		return Profile{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		c.mu.Lock()
		c.profile = nil
		c.mu.Unlock()
		return Profile{}, false, nil
	}

	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Profile{}, false, fmt.Errorf("%w: %v", ErrCorruptProfile, err)
	}
	if !p.Valid() {
		return Profile{}, false, fmt.Errorf("%w: missing username", ErrCorruptProfile)
	}

	c.mu.Lock()
	c.profile = &p
	c.mu.Unlock()
	return p, true, nil
}

// Get returns the in-memory profile.
func (c *ProfileCache) Get() (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile == nil {
		return Profile{}, false
	}
	return *c.profile, true
}

// Set replaces the cached profile.
func (c *ProfileCache) Set(p Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = &p
	return c.backend.Set(storage.KeyUser, string(raw))
}

// Clear removes the cached profile.
func (c *ProfileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = nil
	return c.backend.Delete(storage.KeyUser)
}
