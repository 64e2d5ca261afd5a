package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded credential payload
type Claims struct {
	jwt.RegisteredClaims
	UID      string `json:"uid,omitempty"`
	UserRole string `json:"role,omitempty"`
}

// Subject returns the subject claim
func (c Claims) Subject() string {
	return c.RegisteredClaims.Subject
}

// UserID returns the user ID, falling back to the subject
func (c Claims) UserID() string {
	if c.UID != "" {
		return c.UID
	}
	return c.Subject()
}

// Role returns the role claim when it names a known role.
// The claim is optional, servers may send the role next to the token instead.
func (c Claims) Role() (Role, bool) {
	if c.UserRole == "" {
		return "", false
	}
	return ParseRole(c.UserRole)
}

// ExpiresAt returns the expiration time
func (c Claims) ExpiresAt() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// Credential is a decoded session token
type Credential struct {
	Raw    string
	Claims Claims
}

// ExpiresAt returns the credential expiration time
func (c *Credential) ExpiresAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.Claims.ExpiresAt()
}

// Role returns the role claim carried by the credential, if any.
func (c *Credential) Role() (Role, bool) {
	if c == nil {
		return "", false
	}
	return c.Claims.Role()
}

func (c *Credential) clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	if len(c.Claims.Audience) > 0 {
		cp.Claims.Audience = append(jwt.ClaimStrings(nil), c.Claims.Audience...)
	}
	return &cp
}
