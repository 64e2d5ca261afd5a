package session

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Storage persists the session keys between process runs.
// A missing key is reported with ok=false and a nil error.
type Storage interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Backend is the remote authentication API.
type Backend interface {
	Login(ctx context.Context, req LoginRequest) (*LoginResponse, error)
	Register(ctx context.Context, req RegisterRequest) error
}

// RoleElevator is implemented by the owner of the session. The route guard
// uses it to record path based role elevation without writing the session itself.
type RoleElevator interface {
	ElevateRole(role Role)
}

// SnapshotSource exposes read only views of the current session.
type SnapshotSource interface {
	Snapshot() Snapshot
}

// TokenSource returns the raw credential attached to outgoing requests.
type TokenSource interface {
	BearerToken() (string, bool)
}

// Clock returns the current time, injectable for tests.
type Clock func() time.Time

const (
	// KeyToken holds the raw credential
	KeyToken = "token"
	// KeyUserRole holds the persisted role
	KeyUserRole = "userRole"
	// KeyLastRegisteredRole holds the role picked at the last registration
	KeyLastRegisteredRole = "lastRegisteredRole"
	// KeyUserID holds the authenticated user id
	KeyUserID = "userId"
)

// SessionKeys lists every persisted key, in the order they are cleared.
func SessionKeys() []string {
	return []string{KeyToken, KeyUserRole, KeyLastRegisteredRole, KeyUserID}
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] SESSION "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] SESSION "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] SESSION "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] SESSION "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
