package session

import "strings"

// Role is the closed set of roles the dashboards know about
type Role string

const (
	// RoleGuest is the fallback when nothing else resolves
	RoleGuest Role = "guest"
	// RoleAdmin manages the platform
	RoleAdmin Role = "admin"
	// RoleParent follows one or more students
	RoleParent Role = "parent"
	// RoleStudent attends sessions
	RoleStudent Role = "student"
	// RoleTutor teaches sessions
	RoleTutor Role = "tutor"
)

// LandingPath is where unknown roles are sent
const LandingPath = "/"

var roleHomes = map[Role]string{
	RoleAdmin:   "/admin",
	RoleStudent: "/student",
	RoleTutor:   "/tutor",
	RoleParent:  "/parent",
}

// IsValid checks if the role is one of the predefined roles
func (r Role) IsValid() bool {
	switch r {
	case RoleGuest, RoleAdmin, RoleParent, RoleStudent, RoleTutor:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// AllRoles returns all predefined roles
func AllRoles() []Role {
	return []Role{
		RoleGuest,
		RoleAdmin,
		RoleParent,
		RoleStudent,
		RoleTutor,
	}
}

// ParseRole normalizes a raw role string. It is the only place where
// case folding happens, everything downstream compares Role values.
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.IsValid() {
		return "", false
	}
	return role, true
}

// ParseRoles parses comma separated role lists, unknown names are dropped.
func ParseRoles(raw ...string) []Role {
	var roles []Role
	for _, list := range raw {
		for _, name := range strings.Split(list, ",") {
			if role, ok := ParseRole(name); ok {
				roles = append(roles, role)
			}
		}
	}
	return roles
}

// RedirectTargetForRole returns the home path for role, or the landing page.
func RedirectTargetForRole(role Role) string {
	if path, ok := roleHomes[role]; ok {
		return path
	}
	return LandingPath
}

// RoleForPath returns the role that owns the scoped area path belongs to.
// "/student" and "/student/x" match, "/students" does not.
func RoleForPath(path string) (Role, bool) {
	for role, prefix := range roleHomes {
		if hasPathPrefix(path, prefix) {
			return role, true
		}
	}
	return "", false
}

func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
