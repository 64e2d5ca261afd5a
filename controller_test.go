package session_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-session"
	"github.com/goliatone/go-session/authtest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const demoPassword = "Passw0rd!"

type harness struct {
	srv     *authtest.Server
	ts      *httptest.Server
	store   *session.MemoryStorage
	sink    *recordingSink
	metrics *session.Metrics
	ctrl    *session.Controller
}

func newHarness(t *testing.T, opts ...session.ControllerOption) *harness {
	t.Helper()

	h := &harness{
		srv:   authtest.NewServer(),
		store: session.NewMemoryStorage(),
		sink:  &recordingSink{},
	}
	for _, u := range []struct {
		name string
		role session.Role
	}{
		{"tutor1", session.RoleTutor},
		{"parent1", session.RoleParent},
		{"student1", session.RoleStudent},
	} {
		_, err := h.srv.AddUser(u.name, demoPassword, u.role.String())
		require.NoError(t, err)
	}

	h.ts = h.srv.Start()
	t.Cleanup(h.ts.Close)

	var err error
	h.metrics, err = session.NewMetrics(nil)
	require.NoError(t, err)

	h.ctrl = h.newController(t, opts...)
	return h
}

// newController builds a controller sharing the harness storage, the way a
// restarted process would.
func (h *harness) newController(t *testing.T, opts ...session.ControllerOption) *session.Controller {
	t.Helper()
	return h.newControllerWith(t, h.store, opts...)
}

func (h *harness) newControllerWith(t *testing.T, store session.Storage, opts ...session.ControllerOption) *session.Controller {
	t.Helper()

	codec, err := session.NewCodec(
		session.WithSigningKey(session.SigningKey{JWTAlg: "HS256", Key: authtest.DefaultSigningKey}),
		session.WithCodecLogger(nopLogger{}),
	)
	require.NoError(t, err)

	base := []session.ControllerOption{
		session.WithCodec(codec),
		session.WithLogger(nopLogger{}),
		session.WithActivitySink(h.sink),
		session.WithMetrics(h.metrics),
	}
	return session.NewController(session.NewHTTPBackend(h.ts.URL), store, append(base, opts...)...)
}

func (h *harness) stored(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, ok, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)
	return v, ok
}

func backendMessage(t *testing.T, err error) string {
	t.Helper()
	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	return richErr.Message
}

func TestController_LoginTutorEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.ctrl.Login(ctx, "tutor1", demoPassword)
	require.NoError(t, err)

	assert.True(t, snap.Authenticated())
	assert.Equal(t, session.RoleTutor, session.ResolveEffectiveRole(snap))
	assert.Equal(t, "/tutor", session.HomeFor(snap))

	user, ok := h.srv.User("tutor1")
	require.True(t, ok)
	assert.Equal(t, user.ID.String(), snap.UserID())
	id, err := snap.UserUUID()
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)

	token, ok := h.stored(t, session.KeyToken)
	assert.True(t, ok)
	assert.Equal(t, snap.Credential().Raw, token)
	role, _ := h.stored(t, session.KeyUserRole)
	assert.Equal(t, "tutor", role)
	userID, _ := h.stored(t, session.KeyUserID)
	assert.Equal(t, user.ID.String(), userID)

	d := h.ctrl.Guard().Evaluate(ctx, "/tutor/sessions", session.RoleTutor)
	assert.Equal(t, session.GuardAllowed, d.State)

	assert.Contains(t, h.sink.types(), session.ActivityEventLoginSuccess)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Lifecycle().WithLabelValues("login", "success", "")))
}

func TestController_LoginFailuresLeaveSessionEmpty(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, h *harness)
		pass    string
		kind    session.AuthErrorKind
		message string
	}{
		{
			name: "wrong password",
			pass: "nope",
			kind: session.KindUnauthorized,
		},
		{
			name:    "unauthorized with backend message",
			setup:   func(t *testing.T, h *harness) { h.srv.FailWith(http.StatusUnauthorized, "bad creds") },
			kind:    session.KindUnauthorized,
			message: "bad creds",
		},
		{
			name:    "forbidden",
			setup:   func(t *testing.T, h *harness) { h.srv.FailWith(http.StatusForbidden, "account locked") },
			kind:    session.KindForbidden,
			message: "account locked",
		},
		{
			name:  "server error",
			setup: func(t *testing.T, h *harness) { h.srv.FailWith(http.StatusBadGateway, "upstream down") },
			kind:  session.KindServerError,
		},
		{
			name:  "other client error",
			setup: func(t *testing.T, h *harness) { h.srv.FailWith(http.StatusTeapot, "") },
			kind:  session.KindUnauthorized,
		},
		{
			name:  "no token in response",
			setup: func(t *testing.T, h *harness) { h.srv.OmitToken(true) },
			kind:  session.KindNoCredential,
		},
		{
			name:  "undecodable token",
			setup: func(t *testing.T, h *harness) { h.srv.OverrideToken("not-a-token") },
			kind:  session.KindInvalidCredential,
		},
		{
			name: "already expired token",
			setup: func(t *testing.T, h *harness) {
				user, _ := h.srv.User("tutor1")
				raw, err := h.srv.Mint(user, -time.Minute)
				require.NoError(t, err)
				h.srv.OverrideToken(raw)
			},
			kind: session.KindInvalidCredential,
		},
		{
			name: "token signed with another key",
			setup: func(t *testing.T, h *harness) {
				h.srv.OverrideToken(signedToken(t, "u1", session.RoleTutor, time.Now().Add(time.Hour)))
			},
			kind: session.KindInvalidCredential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(t, h)
			}
			pass := tt.pass
			if pass == "" {
				pass = demoPassword
			}

			snap, err := h.ctrl.Login(context.Background(), "tutor1", pass)
			require.Error(t, err)
			assert.Equal(t, tt.kind, session.KindOf(err))
			if tt.message != "" {
				assert.Equal(t, tt.message, backendMessage(t, err))
			}

			assert.False(t, snap.Authenticated())
			assert.False(t, h.ctrl.Snapshot().Authenticated())
			assert.Equal(t, 0, h.store.Len())
			assert.Contains(t, h.sink.types(), session.ActivityEventLoginFailure)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Lifecycle().WithLabelValues("login", "failure", string(tt.kind))))
		})
	}
}

func TestController_LoginTimeout(t *testing.T) {
	h := newHarness(t)
	h.srv = authtest.NewServer(authtest.WithDelay(300 * time.Millisecond))
	_, err := h.srv.AddUser("tutor1", demoPassword, "tutor")
	require.NoError(t, err)
	h.ts = h.srv.Start()
	t.Cleanup(h.ts.Close)

	ctrl := h.newController(t, session.WithTimeout(50*time.Millisecond))

	_, err = ctrl.Login(context.Background(), "tutor1", demoPassword)
	require.Error(t, err)
	assert.Equal(t, session.KindServerError, session.KindOf(err))
	assert.False(t, ctrl.Snapshot().Authenticated())
}

func TestController_LoginKeepsPersistedRoleWhenResponseHasNone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Set(ctx, session.KeyUserRole, "parent"))
	h.ctrl.Rehydrate(ctx)

	h.srv.OmitRole(true)
	snap, err := h.ctrl.Login(ctx, "tutor1", demoPassword)
	require.NoError(t, err)

	persisted, ok := snap.PersistedRole()
	require.True(t, ok)
	assert.Equal(t, session.RoleParent, persisted)
	assert.Equal(t, session.RoleParent, session.ResolveEffectiveRole(snap))
}

func TestController_StudentRegistrationWinsAfterLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	profile := validProfile()
	require.NoError(t, h.ctrl.Register(ctx, profile))

	snap := h.ctrl.Snapshot()
	assert.False(t, snap.Authenticated(), "registering does not log in")
	registered, ok := snap.LastRegisteredRole()
	require.True(t, ok)
	assert.Equal(t, session.RoleStudent, registered)

	stored, _ := h.stored(t, session.KeyLastRegisteredRole)
	assert.Equal(t, "student", stored)

	snap, err := h.ctrl.Login(ctx, "parent1", demoPassword)
	require.NoError(t, err)
	assert.Equal(t, session.RoleStudent, session.ResolveEffectiveRole(snap))
	assert.Equal(t, "/student", session.HomeFor(snap))
}

func TestController_RegisterValidationSkipsBackend(t *testing.T) {
	backend := &MockBackend{}
	ctrl := session.NewController(backend, nil, session.WithLogger(nopLogger{}))

	profile := validProfile()
	profile.Password, profile.ConfirmPassword = "short1A", "short1A"

	err := ctrl.Register(context.Background(), profile)
	require.Error(t, err)
	assert.Equal(t, session.KindValidationFailed, session.KindOf(err))
	assert.Equal(t, session.FieldPassword, session.ValidationField(err))

	backend.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
	_, ok := ctrl.Snapshot().LastRegisteredRole()
	assert.False(t, ok)
}

func TestController_RegisterSendsNormalizedRequest(t *testing.T) {
	backend := &MockBackend{}
	backend.On("Register", mock.Anything, mock.MatchedBy(func(req session.RegisterRequest) bool {
		return req.Role == "student" && req.Username == "ada_l"
	})).Return(nil).Once()

	ctrl := session.NewController(backend, nil, session.WithLogger(nopLogger{}))
	require.NoError(t, ctrl.Register(context.Background(), validProfile()))
	backend.AssertExpectations(t)
}

func TestController_RegisterBackendErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		kind  session.AuthErrorKind
	}{
		{
			name: "duplicate username",
			setup: func(h *harness) {
				_, _ = h.srv.AddUser("ada_l", demoPassword, "student")
			},
			kind: session.KindConflict,
		},
		{
			name:  "conflict hinted by message",
			setup: func(h *harness) { h.srv.FailWith(http.StatusBadRequest, "Email already exists") },
			kind:  session.KindConflict,
		},
		{
			name:  "backend validation",
			setup: func(h *harness) { h.srv.FailWith(http.StatusUnprocessableEntity, "last name looks fake") },
			kind:  session.KindValidationFailed,
		},
		{
			name:  "server error",
			setup: func(h *harness) { h.srv.FailWith(http.StatusInternalServerError, "boom") },
			kind:  session.KindServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			err := h.ctrl.Register(context.Background(), validProfile())
			require.Error(t, err)
			assert.Equal(t, tt.kind, session.KindOf(err))

			_, ok := h.ctrl.Snapshot().LastRegisteredRole()
			assert.False(t, ok)
			_, stored := h.stored(t, session.KeyLastRegisteredRole)
			assert.False(t, stored)
		})
	}
}

func TestController_LogoutIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.NotPanics(t, func() { h.ctrl.Logout(ctx) })

	require.NoError(t, h.ctrl.Register(ctx, validProfile()))
	_, err := h.ctrl.Login(ctx, "tutor1", demoPassword)
	require.NoError(t, err)
	require.Greater(t, h.store.Len(), 0)

	h.ctrl.Logout(ctx)
	h.ctrl.Logout(ctx)

	snap := h.ctrl.Snapshot()
	assert.False(t, snap.Authenticated())
	assert.Equal(t, session.RoleGuest, session.ResolveEffectiveRole(snap))
	assert.Empty(t, snap.UserID())
	assert.Equal(t, 0, h.store.Len())

	_, hasToken := h.ctrl.BearerToken()
	assert.False(t, hasToken)
}

func TestController_RehydrateRestoresSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	loggedIn, err := h.ctrl.Login(ctx, "tutor1", demoPassword)
	require.NoError(t, err)

	restarted := h.newController(t)
	snap := restarted.Rehydrate(ctx)

	assert.True(t, snap.Authenticated())
	assert.Equal(t, loggedIn.UserID(), snap.UserID())
	assert.Equal(t, session.RoleTutor, session.ResolveEffectiveRole(snap))
	assert.Equal(t, loggedIn.Credential().Raw, snap.Credential().Raw)
}

func TestController_LogoutThenRehydrate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Login(ctx, "tutor1", demoPassword)
	require.NoError(t, err)
	h.ctrl.Logout(ctx)

	snap := h.newController(t).Rehydrate(ctx)
	assert.False(t, snap.Authenticated())
	assert.Equal(t, session.RoleGuest, session.ResolveEffectiveRole(snap))
}

func TestController_RehydrateDiscardsBadCredentials(t *testing.T) {
	tests := []struct {
		name  string
		token func(t *testing.T, h *harness) string
	}{
		{
			name:  "corrupt",
			token: func(t *testing.T, h *harness) string { return "corrupt" },
		},
		{
			name:  "unparsable claims",
			token: func(t *testing.T, h *harness) string { return unsignedToken(`{"sub":"u1"}`) },
		},
		{
			name: "expired",
			token: func(t *testing.T, h *harness) string {
				user, _ := h.srv.User("tutor1")
				raw, err := h.srv.Mint(user, -time.Second)
				require.NoError(t, err)
				return raw
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			require.NoError(t, h.store.Set(ctx, session.KeyToken, tt.token(t, h)))
			require.NoError(t, h.store.Set(ctx, session.KeyUserRole, "tutor"))
			require.NoError(t, h.store.Set(ctx, session.KeyUserID, "u1"))

			snap := h.ctrl.Rehydrate(ctx)

			assert.False(t, snap.Authenticated())
			assert.Equal(t, session.RoleGuest, session.ResolveEffectiveRole(snap))
			assert.Equal(t, 0, h.store.Len())
			assert.Contains(t, h.sink.types(), session.ActivityEventRehydrate)
		})
	}
}

func TestController_RehydrateIgnoresUnknownRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Login(ctx, "parent1", demoPassword)
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, session.KeyUserRole, "teacher"))

	snap := h.newController(t).Rehydrate(ctx)
	require.True(t, snap.Authenticated())

	_, ok := snap.PersistedRole()
	assert.False(t, ok)
	assert.Equal(t, session.RoleParent, session.ResolveEffectiveRole(snap), "falls back to the claims role")
}

func TestController_RehydrateWithoutTokenKeepsHints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Set(ctx, session.KeyLastRegisteredRole, "Student"))

	snap := h.ctrl.Rehydrate(ctx)

	assert.False(t, snap.Authenticated())
	registered, ok := snap.LastRegisteredRole()
	require.True(t, ok)
	assert.Equal(t, session.RoleStudent, registered)

	d := h.ctrl.Guard().Evaluate(ctx, "/student")
	assert.Equal(t, session.GuardRedirectLogin, d.State, "role hints never authenticate")
}

func TestController_AdminVisitElevatesAndPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Login(ctx, "parent1", demoPassword)
	require.NoError(t, err)

	d := h.ctrl.Guard().Evaluate(ctx, "/admin", session.RoleAdmin)
	assert.Equal(t, session.GuardAllowed, d.State)
	assert.True(t, d.Elevated)

	persisted, _ := h.ctrl.Snapshot().PersistedRole()
	assert.Equal(t, session.RoleAdmin, persisted)
	require.NoError(t, h.ctrl.Flush(ctx))
	stored, _ := h.stored(t, session.KeyUserRole)
	assert.Equal(t, "admin", stored)
	assert.Contains(t, h.sink.types(), session.ActivityEventRoleElevated)

	d = h.ctrl.Guard(session.WithAdminElevation(false)).Evaluate(ctx, "/parent", session.RoleParent)
	assert.Equal(t, session.GuardRedirectUnauthorized, d.State, "elevation sticks for later navigations")
}

func TestController_ElevateRoleIgnoresLoggedOutSession(t *testing.T) {
	h := newHarness(t)

	h.ctrl.ElevateRole(session.RoleAdmin)

	_, ok := h.ctrl.Snapshot().PersistedRole()
	assert.False(t, ok)
	assert.Equal(t, 0, h.store.Len())
}

func TestController_HTTPClientAttachesCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := h.ctrl.HTTPClient(nil)

	get := func() int {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+"/api/me", nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get())

	_, err := h.ctrl.Login(ctx, "tutor1", demoPassword)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get())

	h.ctrl.Logout(ctx)
	assert.Equal(t, http.StatusUnauthorized, get())
}

func TestController_BearerTokenExpires(t *testing.T) {
	now := time.Now()
	h := newHarness(t)
	ctrl := h.newController(t, session.WithClock(func() time.Time { return now }))

	_, err := ctrl.Login(context.Background(), "tutor1", demoPassword)
	require.NoError(t, err)

	_, ok := ctrl.BearerToken()
	assert.True(t, ok)

	now = now.Add(2 * time.Hour)
	_, ok = ctrl.BearerToken()
	assert.False(t, ok)
}

func TestController_SubmitLimiter(t *testing.T) {
	backend := &MockBackend{}
	ctrl := session.NewController(backend, nil,
		session.WithLogger(nopLogger{}),
		session.WithSubmitLimiter(rate.NewLimiter(0, 0)),
	)

	_, err := ctrl.Login(context.Background(), "tutor1", demoPassword)
	require.Error(t, err)
	assert.Equal(t, session.KindServerError, session.KindOf(err))
	backend.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)
}
