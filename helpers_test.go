package session_test

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-session"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testKey = []byte("session-test-key")
)

func fixedClock(t time.Time) session.Clock {
	return func() time.Time { return t }
}

// segment encodes s as an unpadded base64url token segment
func segment(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// unsignedToken builds header.payload.signature around a raw JSON payload.
func unsignedToken(payload string) string {
	return segment(`{"alg":"HS256","typ":"JWT"}`) + "." + segment(payload) + ".c2ln"
}

func signedToken(t *testing.T, uid string, role session.Role, exp time.Time) string {
	t.Helper()
	claims := &session.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UID:      uid,
		UserRole: role.String(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)
	return raw
}

func credential(t *testing.T, uid string, role session.Role, exp time.Time) *session.Credential {
	t.Helper()
	cred, err := session.Decode(signedToken(t, uid, role, exp))
	require.NoError(t, err)
	return cred
}

// staticSource is a SnapshotSource that also records role elevation.
type staticSource struct {
	mu       sync.Mutex
	snap     session.Snapshot
	elevated []session.Role
}

func (s *staticSource) Snapshot() session.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *staticSource) ElevateRole(role session.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elevated = append(s.elevated, role)
	if !s.snap.Authenticated() {
		return
	}
	last, _ := s.snap.LastRegisteredRole()
	s.snap = session.NewSnapshot(
		session.WithCredential(s.snap.Credential()),
		session.WithPersistedRole(role),
		session.WithLastRegisteredRole(last),
		session.WithUserID(s.snap.UserID()),
	)
}

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Login(ctx context.Context, req session.LoginRequest) (*session.LoginResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*session.LoginResponse)
	return resp, args.Error(1)
}

func (m *MockBackend) Register(ctx context.Context, req session.RegisterRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

type recordingSink struct {
	mu     sync.Mutex
	events []session.ActivityEvent
}

func (r *recordingSink) Record(_ context.Context, event session.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) types() []session.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
