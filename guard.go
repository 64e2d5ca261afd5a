package session

import (
	"context"
	"net/url"
	"time"
)

// GuardState is a state of the per navigation guard machine
type GuardState string

const (
	GuardUnknown              GuardState = "unknown"
	GuardChecking             GuardState = "checking"
	GuardAllowed              GuardState = "allowed"
	GuardRedirectLogin        GuardState = "redirect_login"
	GuardRedirectUnauthorized GuardState = "redirect_unauthorized"
)

func (s GuardState) String() string {
	return string(s)
}

// Terminal reports whether s ends a navigation
func (s GuardState) Terminal() bool {
	switch s {
	case GuardAllowed, GuardRedirectLogin, GuardRedirectUnauthorized:
		return true
	default:
		return false
	}
}

// DecisionReason explains which rule produced a decision
type DecisionReason string

const (
	ReasonUnauthenticated DecisionReason = "unauthenticated"
	ReasonScopedRole      DecisionReason = "scoped_role"
	ReasonNoRequiredRoles DecisionReason = "no_required_roles"
	ReasonRoleMatched     DecisionReason = "role_matched"
	ReasonRoleMismatch    DecisionReason = "role_mismatch"
	ReasonInvalidMachine  DecisionReason = "invalid_transition"
)

const (
	DefaultLoginPath        = "/login"
	DefaultUnauthorizedPath = "/unauthorized"
	returnToParam           = "returnTo"
	adminAreaPrefix         = "/admin"
)

// Decision is the outcome of one guard evaluation. It is never persisted.
type Decision struct {
	State      GuardState
	Path       string
	RedirectTo string
	ReturnTo   string
	Role       Role
	Reason     DecisionReason
	Elevated   bool
}

// Allowed is true when the protected view should render
func (d Decision) Allowed() bool {
	return d.State == GuardAllowed
}

// Location returns the redirect URL including the return path, or an
// empty string for allowed decisions.
func (d Decision) Location() string {
	if d.Allowed() || d.RedirectTo == "" {
		return ""
	}
	if d.ReturnTo == "" {
		return d.RedirectTo
	}
	return d.RedirectTo + "?" + url.Values{returnToParam: {d.ReturnTo}}.Encode()
}

// GuardOption customizes a Guard
type GuardOption func(*Guard)

// WithAdminElevation toggles the rule that treats a visit to the admin area
// as evidence of the admin role. It is on by default.
func WithAdminElevation(enabled bool) GuardOption {
	return func(g *Guard) {
		g.adminElevation = enabled
	}
}

// WithRoleElevator sets who records the admin elevation. Defaults to the
// snapshot source when it implements RoleElevator.
func WithRoleElevator(e RoleElevator) GuardOption {
	return func(g *Guard) {
		g.elevator = e
	}
}

// WithGuardPaths overrides the login and unauthorized redirect targets.
func WithGuardPaths(login, unauthorized string) GuardOption {
	return func(g *Guard) {
		if login != "" {
			g.loginPath = login
		}
		if unauthorized != "" {
			g.unauthorizedPath = unauthorized
		}
	}
}

// WithGuardActivitySink sets the sink receiving one event per decision.
func WithGuardActivitySink(sink ActivitySink) GuardOption {
	return func(g *Guard) {
		g.activitySink = normalizeActivitySink(sink)
	}
}

// WithGuardMetrics sets the metrics recording decisions.
func WithGuardMetrics(m *Metrics) GuardOption {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithGuardLogger overrides the guard logger.
func WithGuardLogger(logger Logger) GuardOption {
	return func(g *Guard) {
		g.logger = normalizeLogger(logger)
	}
}

// WithGuardClock injects a custom clock (useful for tests).
func WithGuardClock(clock Clock) GuardOption {
	return func(g *Guard) {
		if clock != nil {
			g.now = clock
		}
	}
}

// Guard gates protected views on the current session. It reads snapshots
// and never blocks on I/O.
type Guard struct {
	source           SnapshotSource
	elevator         RoleElevator
	adminElevation   bool
	loginPath        string
	unauthorizedPath string
	transitions      map[GuardState]map[GuardState]struct{}
	activitySink     ActivitySink
	metrics          *Metrics
	logger           Logger
	now              Clock
}

// NewGuard returns a guard reading sessions from source.
func NewGuard(source SnapshotSource, opts ...GuardOption) *Guard {
	g := &Guard{
		source:           source,
		adminElevation:   true,
		loginPath:        DefaultLoginPath,
		unauthorizedPath: DefaultUnauthorizedPath,
		transitions: map[GuardState]map[GuardState]struct{}{
			GuardUnknown: {
				GuardChecking: {},
			},
			GuardChecking: {
				GuardAllowed:              {},
				GuardRedirectLogin:        {},
				GuardRedirectUnauthorized: {},
			},
		},
		activitySink: noopActivitySink{},
		logger:       defLogger{},
		now:          time.Now,
	}

	if e, ok := source.(RoleElevator); ok {
		g.elevator = e
	}

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	return g
}

// Evaluate runs the guard for a navigation to path. With no required roles
// any authenticated session is allowed.
func (g *Guard) Evaluate(ctx context.Context, path string, required ...Role) Decision {
	nav := &navigation{guard: g, state: GuardUnknown}
	nav.move(GuardChecking)

	decision := g.decide(nav, path, required)
	decision.State = nav.state
	decision.Path = path

	g.metrics.observeDecision(decision.State)
	recordActivity(ctx, g.activitySink, g.logger, g.now, ActivityEvent{
		EventType: ActivityEventGuardDecision,
		Role:      decision.Role,
		Path:      path,
		Metadata: map[string]any{
			"state":    decision.State,
			"reason":   decision.Reason,
			"elevated": decision.Elevated,
			"required": required,
		},
	})

	return decision
}

func (g *Guard) decide(nav *navigation, path string, required []Role) Decision {
	snap := g.snapshot()

	if !snap.Authenticated() {
		nav.move(GuardRedirectLogin)
		return Decision{
			RedirectTo: g.loginPath,
			ReturnTo:   path,
			Role:       RoleGuest,
			Reason:     ReasonUnauthenticated,
		}
	}

	elevated := false
	if g.adminElevation && hasPathPrefix(path, adminAreaPrefix) && g.elevator != nil {
		before, _ := snap.PersistedRole()
		g.elevator.ElevateRole(RoleAdmin)
		snap = g.snapshot()

		if !snap.Authenticated() {
			nav.move(GuardRedirectLogin)
			return Decision{
				RedirectTo: g.loginPath,
				ReturnTo:   path,
				Role:       RoleGuest,
				Reason:     ReasonUnauthenticated,
			}
		}

		if after, _ := snap.PersistedRole(); after == RoleAdmin && before != RoleAdmin {
			g.logger.Warn("admin area visit elevated persisted role: path=%s previous=%s", path, before)
			elevated = true
		}
	}

	effective := ResolveEffectiveRole(snap)

	if scoped, ok := RoleForPath(path); ok && scoped == effective {
		return g.allow(nav, path, effective, ReasonScopedRole, elevated)
	}

	if len(required) == 0 {
		return g.allow(nav, path, effective, ReasonNoRequiredRoles, elevated)
	}

	for _, role := range required {
		if r, ok := ParseRole(string(role)); ok && r == effective {
			return g.allow(nav, path, effective, ReasonRoleMatched, elevated)
		}
	}

	if !nav.move(GuardRedirectUnauthorized) {
		return g.invalid(nav, path)
	}
	return Decision{
		RedirectTo: g.unauthorizedPath,
		Role:       effective,
		Reason:     ReasonRoleMismatch,
		Elevated:   elevated,
	}
}

func (g *Guard) allow(nav *navigation, path string, role Role, reason DecisionReason, elevated bool) Decision {
	if !nav.move(GuardAllowed) {
		return g.invalid(nav, path)
	}
	return Decision{Role: role, Reason: reason, Elevated: elevated}
}

// invalid resolves an impossible transition to the most restrictive outcome.
func (g *Guard) invalid(nav *navigation, path string) Decision {
	g.logger.Error("guard machine rejected transition from %s", nav.state)
	nav.state = GuardRedirectLogin
	return Decision{
		RedirectTo: g.loginPath,
		ReturnTo:   path,
		Role:       RoleGuest,
		Reason:     ReasonInvalidMachine,
	}
}

func (g *Guard) snapshot() Snapshot {
	if g.source == nil {
		return Snapshot{}
	}
	return g.source.Snapshot()
}

func (g *Guard) canTransition(from, to GuardState) bool {
	if allowed, ok := g.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

// navigation is the machine instance for one evaluation
type navigation struct {
	guard *Guard
	state GuardState
}

func (n *navigation) move(to GuardState) bool {
	if !n.guard.canTransition(n.state, to) {
		return false
	}
	n.state = to
	return true
}
