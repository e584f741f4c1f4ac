package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/cmd/internal/auth/credential"
	"sentinel/cmd/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRevoker struct {
	mu     sync.Mutex
	tokens []string
	err    error
	called chan struct{}
}

func newFakeRevoker() *fakeRevoker {
	return &fakeRevoker{called: make(chan struct{}, 8)}
}

func (r *fakeRevoker) Revoke(_ context.Context, token string) error {
	r.mu.Lock()
	r.tokens = append(r.tokens, token)
	r.mu.Unlock()
	r.called <- struct{}{}
	return r.err
}

type recorder struct {
	mu  sync.Mutex
	got []Transition
}

func (r *recorder) listen(tr Transition) {
	r.mu.Lock()
	r.got = append(r.got, tr)
	r.mu.Unlock()
}

func (r *recorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.got...)
}

func newTestContext(t *testing.T, backend storage.Storage, opts ...Option) (*Context, *credential.Store) {
	t.Helper()
	if backend == nil {
		backend = storage.NewMemory()
	}
	tokens := credential.NewStore(testLogger(), backend)
	return New(testLogger(), tokens, NewProfileCache(backend), opts...), tokens
}

func TestLogin_AdminScenario(t *testing.T) {
	t.Parallel()

	c, _ := newTestContext(t, nil)
	rec := &recorder{}
	initial, cancel := c.Subscribe(rec.listen)
	defer cancel()
	assert.Equal(t, StateAnonymous, initial.State)

	err := c.Login(Profile{ID: 1, Username: "a", Role: "admin"}, "T1")
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.True(t, snap.Authenticated())
	assert.True(t, snap.IsAdmin)
	assert.False(t, snap.IsSuperAdmin)
	assert.True(t, snap.Permits(RoleAdmin, RoleSuperAdmin))
	assert.False(t, snap.Permits(RoleSuperAdmin))

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, StateAnonymous, got[0].From)
	assert.Equal(t, StateAuthenticated, got[0].To)
	assert.Equal(t, CauseLogin, got[0].Cause)
}

func TestLogin_RejectsIncompletePair(t *testing.T) {
	t.Parallel()

	c, _ := newTestContext(t, nil)
	assert.ErrorIs(t, c.Login(Profile{ID: 1, Username: "a"}, ""), ErrInvalidLogin)
	assert.ErrorIs(t, c.Login(Profile{ID: 1}, "T1"), ErrInvalidLogin)
	assert.False(t, c.Snapshot().Authenticated())
}

func TestRoleFlags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		role             string
		admin, superAdmn bool
	}{
		{role: "user"},
		{role: "admin", admin: true},
		{role: "superadmin", admin: true, superAdmn: true},
		{role: " SuperAdmin ", admin: true, superAdmn: true},
		{role: ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.admin, IsAdmin(tc.role), "IsAdmin(%q)", tc.role)
		assert.Equal(t, tc.superAdmn, IsSuperAdmin(tc.role), "IsSuperAdmin(%q)", tc.role)
	}
}

func TestLogout_ClearsSynchronouslyAndRevokesInBackground(t *testing.T) {
	t.Parallel()

	rev := newFakeRevoker()
	rev.err = errors.New("network down")
	backend := storage.NewMemory()
	c, tokens := newTestContext(t, backend, WithRevoker(rev))
	require.NoError(t, c.Login(Profile{ID: 1, Username: "a", Role: "user"}, "T1"))

	rec := &recorder{}
	_, cancel := c.Subscribe(rec.listen)
	defer cancel()

	c.Logout()

	// Local teardown is visible as soon as Logout returns.
	_, ok := tokens.Get()
	assert.False(t, ok)
	_, ok, _ = backend.Get(storage.KeyUser)
	assert.False(t, ok)
	assert.False(t, c.Snapshot().Authenticated())

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	require.NoError(t, c.WaitRevocations(ctx))

	rev.mu.Lock()
	assert.Equal(t, []string{"T1"}, rev.tokens)
	rev.mu.Unlock()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, CauseLogout, got[0].Cause)
	assert.Equal(t, StateAnonymous, got[0].To)
}

func TestTerminate_IsIdempotentAndCarriesReason(t *testing.T) {
	t.Parallel()

	c, _ := newTestContext(t, nil)
	require.NoError(t, c.Login(Profile{ID: 7, Username: "ops", Role: "user"}, "T1"))

	rec := &recorder{}
	_, cancel := c.Subscribe(rec.listen)
	defer cancel()

	cause := errors.New("refresh rejected")
	c.Terminate(cause)
	c.Terminate(cause)

	got := rec.all()
	require.Len(t, got, 1, "second terminate must not re-announce")
	assert.Equal(t, CauseTerminated, got[0].Cause)
	assert.ErrorIs(t, got[0].Reason, ErrSessionEnded)
	assert.ErrorIs(t, got[0].Reason, cause)
}

func TestTerminateIf_SkipsWhenCredentialMoved(t *testing.T) {
	t.Parallel()

	c, tokens := newTestContext(t, nil)
	require.NoError(t, c.Login(Profile{ID: 1, Username: "a", Role: "user"}, "T1"))
	_, stale := tokens.Snapshot()

	require.NoError(t, c.Login(Profile{ID: 2, Username: "b", Role: "user"}, "FRESH"))

	rec := &recorder{}
	_, cancel := c.Subscribe(rec.listen)
	defer cancel()

	assert.False(t, c.TerminateIf(stale, errors.New("refresh rejected")))
	assert.Empty(t, rec.all())

	snap := c.Snapshot()
	require.True(t, snap.Authenticated())
	assert.Equal(t, "b", snap.Profile.Username)
	got, _ := tokens.Get()
	assert.Equal(t, "FRESH", got)

	_, current := tokens.Snapshot()
	assert.True(t, c.TerminateIf(current, errors.New("refresh rejected")))
	assert.False(t, c.Snapshot().Authenticated())
	transitions := rec.all()
	require.Len(t, transitions, 1)
	assert.Equal(t, CauseTerminated, transitions[0].Cause)
}

func TestRestore_ProfileWithoutCredentialIsCleared(t *testing.T) {
	t.Parallel()

	backend := storage.NewMemory()
	require.NoError(t, backend.Set(storage.KeyUser, `{"id":1,"username":"a","role":"admin"}`))

	c, _ := newTestContext(t, backend)
	assert.False(t, c.Snapshot().Authenticated())

	_, ok, _ := backend.Get(storage.KeyUser)
	assert.False(t, ok, "corrupt half-session must be discarded")
}

func TestRestore_CorruptProfileClearsBoth(t *testing.T) {
	t.Parallel()

	backend := storage.NewMemory()
	require.NoError(t, backend.Set(storage.KeyAccessToken, "T1"))
	require.NoError(t, backend.Set(storage.KeyUser, `{not json`))

	c, tokens := newTestContext(t, backend)
	assert.False(t, c.Snapshot().Authenticated())
	_, ok := tokens.Get()
	assert.False(t, ok)
}

func TestRestore_CompletePairIsOptimisticallyAuthenticated(t *testing.T) {
	t.Parallel()

	backend := storage.NewMemory()
	require.NoError(t, backend.Set(storage.KeyAccessToken, "T1"))
	require.NoError(t, backend.Set(storage.KeyUser, `{"id":3,"username":"s","role":"superadmin"}`))

	c, _ := newTestContext(t, backend)
	snap := c.Snapshot()
	assert.True(t, snap.Authenticated())
	assert.True(t, snap.IsSuperAdmin)

	rec := &recorder{}
	_, cancel := c.Subscribe(rec.listen)
	defer cancel()
	c.Logout()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, StateAuthenticated, got[0].From)
}

func TestTransitionsAreDeliveredInOrder(t *testing.T) {
	t.Parallel()

	c, _ := newTestContext(t, nil)
	rec := &recorder{}
	_, cancel := c.Subscribe(rec.listen)
	defer cancel()

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Login(Profile{ID: int64(i), Username: "a", Role: "user"}, "T"))
		c.Logout()
	}

	got := rec.all()
	require.Len(t, got, 40)
	for i, tr := range got {
		if i%2 == 0 {
			assert.Equal(t, CauseLogin, tr.Cause)
		} else {
			assert.Equal(t, CauseLogout, tr.Cause)
		}
	}
}

func TestListenerPanicDoesNotBreakTransition(t *testing.T) {
	t.Parallel()

	c, _ := newTestContext(t, nil)
	_, cancelPanic := c.Subscribe(func(Transition) { panic("boom") })
	defer cancelPanic()
	rec := &recorder{}
	_, cancel := c.Subscribe(rec.listen)
	defer cancel()

	require.NoError(t, c.Login(Profile{ID: 1, Username: "a"}, "T1"))
	assert.Len(t, rec.all(), 1)
}
