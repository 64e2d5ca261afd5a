// Package session provides client side session and role resolution for the
// tutoring dashboards: credential decoding, a persisted session store, the
// effective role policy, a route guard and the login/register/logout
// lifecycle.
//
// Session lifecycle:
//   - Controller owns the session and is its only writer. Login, Register,
//     Logout and Rehydrate persist the keys token, userRole,
//     lastRegisteredRole and userId through a Storage (memory, sqlstore or
//     redisstore). Storage writes are queued in the same order as the in
//     memory changes; Flush waits for them.
//   - Snapshot is an immutable view. A session is authenticated only when a
//     credential is present; role fields alone never authenticate.
//
// Role resolution:
//   - ResolveEffectiveRole is pure. A student registration wins, then the
//     persisted role, then the credential role claim, then guest.
//
// Route guard:
//   - Guard runs a small state machine per navigation (unknown, checking and
//     one terminal state) and returns a Decision. Visiting the admin area
//     elevates the persisted role unless WithAdminElevation(false) is set.
//
// Activity sinks:
//   - ActivitySink receives login, registration, logout, rehydrate, role
//     elevation and guard decision events. Sinks run best-effort (errors are
//     logged) so they never change an outcome.
package session
