package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-session"
	"github.com/goliatone/go-session/authtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedStorage holds the next Set of one key until release is closed.
type gatedStorage struct {
	*session.MemoryStorage
	mu      sync.Mutex
	key     string
	entered chan struct{}
	release chan struct{}
}

func newGatedStorage() *gatedStorage {
	return &gatedStorage{
		MemoryStorage: session.NewMemoryStorage(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedStorage) hold(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.key = key
}

func (g *gatedStorage) Set(ctx context.Context, key, value string) error {
	g.mu.Lock()
	gated := key != "" && key == g.key
	if gated {
		g.key = ""
	}
	g.mu.Unlock()

	if gated {
		close(g.entered)
		<-g.release
	}
	return g.MemoryStorage.Set(ctx, key, value)
}

// gatedBackend holds logins of one user until release is closed.
type gatedBackend struct {
	session.Backend
	username string
	entered  chan struct{}
	release  chan struct{}
}

func (g *gatedBackend) Login(ctx context.Context, req session.LoginRequest) (*session.LoginResponse, error) {
	if req.Username == g.username {
		close(g.entered)
		<-g.release
	}
	return g.Backend.Login(ctx, req)
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestController_LogoutWinsOverInFlightLoginWrite(t *testing.T) {
	h := newHarness(t)
	store := newGatedStorage()
	store.hold(session.KeyToken)
	ctrl := h.newControllerWith(t, store)
	ctx := context.Background()

	loginErr := make(chan error, 1)
	go func() {
		_, err := ctrl.Login(ctx, "tutor1", demoPassword)
		loginErr <- err
	}()
	waitFor(t, store.entered, "token write")

	loggedOut := make(chan struct{})
	go func() {
		ctrl.Logout(ctx)
		close(loggedOut)
	}()
	require.Eventually(t, func() bool {
		return !ctrl.Snapshot().Authenticated()
	}, time.Second, 5*time.Millisecond)

	close(store.release)
	require.NoError(t, <-loginErr)
	waitFor(t, loggedOut, "logout")

	assert.False(t, ctrl.Snapshot().Authenticated())
	_, ok, err := store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	assert.False(t, ok, "the late login write must not survive logout")
	assert.Equal(t, 0, store.Len())

	restarted := h.newControllerWith(t, store)
	assert.False(t, restarted.Rehydrate(ctx).Authenticated())
}

func TestController_LastResolvedLoginWins(t *testing.T) {
	h := newHarness(t)
	store := session.NewMemoryStorage()
	codec, err := session.NewCodec(
		session.WithSigningKey(session.SigningKey{JWTAlg: "HS256", Key: authtest.DefaultSigningKey}),
		session.WithCodecLogger(nopLogger{}),
	)
	require.NoError(t, err)

	backend := &gatedBackend{
		Backend:  session.NewHTTPBackend(h.ts.URL),
		username: "parent1",
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	ctrl := session.NewController(backend, store,
		session.WithCodec(codec),
		session.WithLogger(nopLogger{}),
	)
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() {
		_, err := ctrl.Login(ctx, "parent1", demoPassword)
		slow <- err
	}()
	waitFor(t, backend.entered, "parent login to reach the backend")

	snap, err := ctrl.Login(ctx, "tutor1", demoPassword)
	require.NoError(t, err)
	assert.Equal(t, session.RoleTutor, session.ResolveEffectiveRole(snap))

	close(backend.release)
	require.NoError(t, <-slow)

	snap = ctrl.Snapshot()
	assert.Equal(t, session.RoleParent, session.ResolveEffectiveRole(snap))

	parent, ok := h.srv.User("parent1")
	require.True(t, ok)
	assert.Equal(t, parent.ID.String(), snap.UserID())

	token, _, err := store.Get(ctx, session.KeyToken)
	require.NoError(t, err)
	assert.Equal(t, snap.Credential().Raw, token)
	role, _, err := store.Get(ctx, session.KeyUserRole)
	require.NoError(t, err)
	assert.Equal(t, "parent", role)

	restarted := h.newControllerWith(t, store)
	rehydrated := restarted.Rehydrate(ctx)
	assert.Equal(t, session.RoleParent, session.ResolveEffectiveRole(rehydrated))
	assert.Equal(t, snap.UserID(), rehydrated.UserID())
}

func TestController_AdminElevationDoesNotWaitForStorage(t *testing.T) {
	h := newHarness(t)
	store := newGatedStorage()
	ctrl := h.newControllerWith(t, store)
	ctx := context.Background()

	_, err := ctrl.Login(ctx, "parent1", demoPassword)
	require.NoError(t, err)
	store.hold(session.KeyUserRole)

	decided := make(chan session.Decision, 1)
	go func() {
		decided <- ctrl.Guard().Evaluate(ctx, "/admin/users", session.RoleAdmin)
	}()

	var d session.Decision
	select {
	case d = <-decided:
	case <-time.After(2 * time.Second):
		t.Fatal("guard waited on a storage write")
	}
	assert.Equal(t, session.GuardAllowed, d.State)
	assert.True(t, d.Elevated)

	waitFor(t, store.entered, "role write")
	persisted, _ := ctrl.Snapshot().PersistedRole()
	assert.Equal(t, session.RoleAdmin, persisted)

	loggedOut := make(chan struct{})
	go func() {
		ctrl.Logout(ctx)
		close(loggedOut)
	}()
	require.Eventually(t, func() bool {
		return !ctrl.Snapshot().Authenticated()
	}, time.Second, 5*time.Millisecond)

	close(store.release)
	waitFor(t, loggedOut, "logout")

	require.NoError(t, ctrl.Flush(ctx))
	_, ok, err := store.Get(ctx, session.KeyUserRole)
	require.NoError(t, err)
	assert.False(t, ok, "elevation queued before logout must not outlive it")
}

func TestController_FlushHonorsContext(t *testing.T) {
	h := newHarness(t)
	store := newGatedStorage()
	ctrl := h.newControllerWith(t, store)
	ctx := context.Background()

	_, err := ctrl.Login(ctx, "tutor1", demoPassword)
	require.NoError(t, err)
	store.hold(session.KeyUserRole)
	ctrl.ElevateRole(session.RoleAdmin)
	waitFor(t, store.entered, "role write")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ctrl.Flush(short), context.DeadlineExceeded)

	close(store.release)
	require.NoError(t, ctrl.Flush(ctx))
	role, _, err := store.Get(ctx, session.KeyUserRole)
	require.NoError(t, err)
	assert.Equal(t, "admin", role)
}
