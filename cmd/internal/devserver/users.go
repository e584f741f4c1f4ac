package devserver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User is the profile returned by /auth/login and /api/me.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Avatar   string `json:"avatar,omitempty"`
}

type userRecord struct {
	User
	hash string
}

// Users is the seeded in-memory user directory.
type Users struct {
	params Argon2Params

	mu     sync.RWMutex
	byName map[string]*userRecord
	byID   map[int64]*userRecord

	// dummyHash keeps unknown-user logins as slow as bad-password ones.
	dummyHash string
}

// NewUsers hashes the seeds ("username:password:role") into a directory.
func NewUsers(seeds []string, params Argon2Params) (*Users, error) {
	u := &Users{
		params: params,
		byName: make(map[string]*userRecord, len(seeds)),
		byID:   make(map[int64]*userRecord, len(seeds)),
	}

	for _, seed := range seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		parts := strings.SplitN(seed, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: user seed %q: want username:password:role", ErrConfig, seed)
		}
		if _, err := u.Add(parts[0], parts[1], parts[2]); err != nil {
			return nil, err
		}
	}

	hash, err := HashPassword("dummy-password-for-timing-only", params)
	if err != nil {
		return nil, err
	}
	u.dummyHash = hash
	return u, nil
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Add registers a user and returns its profile.
func (u *Users) Add(username, password, role string) (User, error) {
	name := normalizeUsername(username)
	role = strings.ToLower(strings.TrimSpace(role))
	if name == "" || password == "" {
		return User{}, fmt.Errorf("%w: username and password are required", ErrConfig)
	}
	if role == "" {
		role = "user"
	}

	hash, err := HashPassword(password, u.params)
	if err != nil {
		return User{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byName[name]; ok {
		return User{}, fmt.Errorf("%w: duplicate user %q", ErrConfig, name)
	}
	rec := &userRecord{
		User: User{ID: int64(len(u.byID) + 1), Username: name, Role: role},
		hash: hash,
	}
	u.byName[name] = rec
	u.byID[rec.ID] = rec
	return rec.User, nil
}

// Authenticate verifies a username/password pair.
func (u *Users) Authenticate(username, password string) (User, error) {
	u.mu.RLock()
	rec := u.byName[normalizeUsername(username)]
	u.mu.RUnlock()

	if rec == nil {
		_, _ = VerifyPassword(u.dummyHash, password, u.params)
		return User{}, ErrInvalidCredentials
	}
	ok, err := VerifyPassword(rec.hash, password, u.params)
	if err != nil || !ok {
		return User{}, ErrInvalidCredentials
	}
	return rec.User, nil
}

// Get resolves the string user id carried by access tokens.
func (u *Users) Get(userID string) (User, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return User{}, ErrUserNotFound
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	rec := u.byID[id]
	if rec == nil {
		return User{}, ErrUserNotFound
	}
	return rec.User, nil
}

func userIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}
