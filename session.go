package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// state is the mutable session owned by a Controller. Nothing else writes it.
type state struct {
	credential         *Credential
	persistedRole      Role
	lastRegisteredRole Role
	userID             string
}

func (s *state) reset() {
	*s = state{}
}

func (s *state) snapshot() Snapshot {
	return Snapshot{
		credential:         s.credential.clone(),
		persistedRole:      s.persistedRole,
		lastRegisteredRole: s.lastRegisteredRole,
		userID:             s.userID,
	}
}

// Snapshot is an immutable copy of the session taken for a single decision.
type Snapshot struct {
	credential         *Credential
	persistedRole      Role
	lastRegisteredRole Role
	userID             string
}

// SnapshotOption sets a field on a Snapshot built with NewSnapshot
type SnapshotOption func(*Snapshot)

// WithCredential sets the credential
func WithCredential(c *Credential) SnapshotOption {
	return func(s *Snapshot) {
		s.credential = c.clone()
	}
}

// WithPersistedRole sets the persisted role
func WithPersistedRole(role Role) SnapshotOption {
	return func(s *Snapshot) {
		s.persistedRole = role
	}
}

// WithLastRegisteredRole sets the registration hint
func WithLastRegisteredRole(role Role) SnapshotOption {
	return func(s *Snapshot) {
		s.lastRegisteredRole = role
	}
}

// WithUserID sets the user id
func WithUserID(id string) SnapshotOption {
	return func(s *Snapshot) {
		s.userID = id
	}
}

// NewSnapshot builds a detached snapshot, mostly useful to evaluate the
// role policy without a Controller.
func NewSnapshot(opts ...SnapshotOption) Snapshot {
	s := Snapshot{}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// Authenticated is true only when a credential is present. The role
// fields alone never authenticate a session.
func (s Snapshot) Authenticated() bool {
	return s.credential != nil
}

// Credential returns a copy of the credential, or nil.
func (s Snapshot) Credential() *Credential {
	return s.credential.clone()
}

// PersistedRole returns the role last written to storage
func (s Snapshot) PersistedRole() (Role, bool) {
	return s.persistedRole, s.persistedRole.IsValid()
}

// LastRegisteredRole returns the role chosen at the last registration
func (s Snapshot) LastRegisteredRole() (Role, bool) {
	return s.lastRegisteredRole, s.lastRegisteredRole.IsValid()
}

// ClaimsRole returns the role claim of the credential, if any.
func (s Snapshot) ClaimsRole() (Role, bool) {
	return s.credential.Role()
}

func (s Snapshot) UserID() string {
	return s.userID
}

func (s Snapshot) UserUUID() (uuid.UUID, error) {
	return uuid.Parse(s.userID)
}

// ExpiresAt returns the credential expiration, zero when unauthenticated.
func (s Snapshot) ExpiresAt() time.Time {
	return s.credential.ExpiresAt()
}

func (s Snapshot) String() string {
	expires := "<nil>"
	if s.credential != nil {
		expires = s.credential.ExpiresAt().Format(time.RFC1123)
	}
	return fmt.Sprintf(
		"user=%s authenticated=%t role=%s persisted=%s registered=%s exp=%s",
		s.userID,
		s.Authenticated(),
		ResolveEffectiveRole(s),
		s.persistedRole,
		s.lastRegisteredRole,
		expires,
	)
}
