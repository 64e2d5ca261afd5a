package session

// ResolveEffectiveRole derives the role used for redirects and access checks.
//
// Precedence, first match wins:
//  1. a student registration hint
//  2. the persisted role
//  3. the credential role claim
//  4. guest
//
// Values that do not name a known role are skipped.
func ResolveEffectiveRole(s Snapshot) Role {
	if role, ok := s.LastRegisteredRole(); ok && role == RoleStudent {
		return RoleStudent
	}

	if role, ok := s.PersistedRole(); ok {
		return role
	}

	if role, ok := s.ClaimsRole(); ok {
		return role
	}

	return RoleGuest
}

// HomeFor returns the redirect target for the effective role of s.
func HomeFor(s Snapshot) string {
	return RedirectTargetForRole(ResolveEffectiveRole(s))
}

// HasAnyRole tests the effective role of s against required.
func HasAnyRole(s Snapshot, required ...Role) bool {
	effective := ResolveEffectiveRole(s)
	for _, role := range required {
		if role == effective {
			return true
		}
	}
	return false
}
