package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultPersistTimeout = time.Second

	opLogin     = "login"
	opRegister  = "register"
	opLogout    = "logout"
	opRehydrate = "rehydrate"
)

var conflictHints = []string{"already", "taken", "exists"}

// ControllerOption customizes a Controller
type ControllerOption func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = normalizeLogger(logger)
	}
}

// WithActivitySink configures an ActivitySink for session events.
func WithActivitySink(sink ActivitySink) ControllerOption {
	return func(c *Controller) {
		c.activitySink = normalizeActivitySink(sink)
	}
}

// WithMetrics sets the metrics recording lifecycle outcomes.
func WithMetrics(m *Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithCodec sets the codec used to decode credentials.
func WithCodec(codec *Codec) ControllerOption {
	return func(c *Controller) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock Clock) ControllerOption {
	return func(c *Controller) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithTimeout bounds every backend call. Timeouts surface as ServerError.
func WithTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPersistTimeout bounds each queued storage write.
func WithPersistTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.persistTimeout = d
		}
	}
}

// WithSubmitLimiter throttles Login and Register submissions.
func WithSubmitLimiter(l *rate.Limiter) ControllerOption {
	return func(c *Controller) {
		c.limiter = l
	}
}

// Controller owns the session. It is the only writer of session state,
// everything else reads snapshots.
type Controller struct {
	mu             sync.RWMutex
	state          state
	backend        Backend
	storage        Storage
	codec          *Codec
	logger         Logger
	activitySink   ActivitySink
	metrics        *Metrics
	now            Clock
	timeout        time.Duration
	persistTimeout time.Duration
	limiter        *rate.Limiter
	writes         *persister
}

var (
	_ SnapshotSource = (*Controller)(nil)
	_ RoleElevator   = (*Controller)(nil)
	_ TokenSource    = (*Controller)(nil)
)

// NewController returns a controller with an empty session. Call Rehydrate
// to load persisted state. A nil storage keeps state in memory only.
func NewController(backend Backend, storage Storage, opts ...ControllerOption) *Controller {
	if storage == nil {
		storage = NewMemoryStorage()
	}

	c := &Controller{
		backend:        backend,
		storage:        storage,
		codec:          &Codec{now: time.Now, logger: defLogger{}},
		logger:         defLogger{},
		activitySink:   noopActivitySink{},
		now:            time.Now,
		timeout:        DefaultTimeout,
		persistTimeout: DefaultPersistTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	c.writes = &persister{
		storage: c.storage,
		logger:  c.logger,
		timeout: c.persistTimeout,
	}

	return c
}

// Snapshot returns an immutable copy of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.snapshot()
}

// Guard returns a route guard wired to this controller.
func (c *Controller) Guard(opts ...GuardOption) *Guard {
	base := []GuardOption{
		WithGuardActivitySink(c.activitySink),
		WithGuardMetrics(c.metrics),
		WithGuardLogger(c.logger),
		WithGuardClock(c.now),
	}
	return NewGuard(c, append(base, opts...)...)
}

// Login authenticates against the backend. The session is written only
// after a successful response carrying a decodable, unexpired credential.
func (c *Controller) Login(ctx context.Context, username, password string) (Snapshot, error) {
	resp, err := c.login(ctx, username, password)
	if err != nil {
		c.fail(ctx, opLogin, ActivityEventLoginFailure, err, map[string]any{"username": username})
		return Snapshot{}, err
	}

	cred, err := c.codec.Decode(resp.Token)
	if err == nil && IsExpired(cred, c.now()) {
		err = newError(ErrTokenExpired, map[string]any{"expires_at": cred.ExpiresAt()})
	}
	if err != nil {
		err = newError(ErrInvalidCredential, map[string]any{
			metadataDecodeFailureKey: string(KindOf(err)),
		})
		c.fail(ctx, opLogin, ActivityEventLoginFailure, err, map[string]any{"username": username})
		return Snapshot{}, err
	}

	role, hasRole := ParseRole(resp.Role)

	c.mu.Lock()
	c.state.credential = cred
	c.state.userID = cred.Claims.UserID()
	if hasRole {
		c.state.persistedRole = role
	}
	snap := c.state.snapshot()

	entries := []entry{
		{KeyToken, cred.Raw},
		{KeyUserID, snap.UserID()},
	}
	if hasRole {
		entries = append(entries, entry{KeyUserRole, role.String()})
	}
	done := c.writes.enqueue(persistJob{set: entries})
	c.mu.Unlock()

	c.await(ctx, opLogin, done)

	c.metrics.observeLifecycle(opLogin, nil)
	c.record(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		UserID:    snap.UserID(),
		Role:      ResolveEffectiveRole(snap),
		Metadata:  map[string]any{"username": username},
	})

	return snap, nil
}

func (c *Controller) login(ctx context.Context, username, password string) (*LoginResponse, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.backend.Login(ctx, LoginRequest{
		Username: strings.TrimSpace(username),
		Password: password,
	})
	if err != nil {
		return nil, c.backendError(ctx, opLogin, err)
	}

	if resp == nil || strings.TrimSpace(resp.Token) == "" {
		return nil, newError(ErrNoCredential, nil)
	}

	return resp, nil
}

// Register validates profile and creates the account. It does not log the
// user in, it only records the chosen role as a hint for role resolution.
func (c *Controller) Register(ctx context.Context, profile RegisterProfile) error {
	if err := c.register(ctx, profile); err != nil {
		c.fail(ctx, opRegister, ActivityEventRegisterFailure, err, map[string]any{
			"username": profile.Username,
			"field":    ValidationField(err),
		})
		return err
	}

	role, _ := ParseRole(profile.Role)

	c.mu.Lock()
	c.state.lastRegisteredRole = role
	done := c.writes.enqueue(persistJob{set: []entry{{KeyLastRegisteredRole, role.String()}}})
	c.mu.Unlock()

	c.await(ctx, opRegister, done)

	c.metrics.observeLifecycle(opRegister, nil)
	c.record(ctx, ActivityEvent{
		EventType: ActivityEventRegisterSuccess,
		Role:      role,
		Metadata:  map[string]any{"username": profile.Username},
	})

	return nil
}

func (c *Controller) register(ctx context.Context, profile RegisterProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	if err := c.throttle(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.backend.Register(ctx, profile.Request()); err != nil {
		return c.backendError(ctx, opRegister, err)
	}

	return nil
}

// Logout clears the session and every persisted key. Calling it on an
// empty session is a no-op.
func (c *Controller) Logout(ctx context.Context) {
	c.mu.Lock()
	userID := c.state.userID
	c.state.reset()
	done := c.writes.enqueue(persistJob{delete: SessionKeys()})
	c.mu.Unlock()

	c.await(ctx, opLogout, done)

	c.metrics.observeLifecycle(opLogout, nil)
	c.record(ctx, ActivityEvent{
		EventType: ActivityEventLogout,
		UserID:    userID,
	})
}

// Rehydrate loads the persisted session at startup. A missing, corrupt or
// expired credential leaves the session logged out. It never fails.
func (c *Controller) Rehydrate(ctx context.Context) Snapshot {
	c.await(ctx, opRehydrate, c.writes.barrier())

	loaded, err := c.load(ctx)
	if err != nil {
		c.logger.Warn("rehydrate discarded persisted session: %s", print.MaybePrettyJSON(errorDetails(err)))
		c.Logout(ctx)
		snap := c.Snapshot()
		c.record(ctx, ActivityEvent{
			EventType: ActivityEventRehydrate,
			Metadata:  map[string]any{"authenticated": false, "error": string(KindOf(err))},
		})
		c.metrics.observeLifecycle(opRehydrate, err)
		return snap
	}

	c.mu.Lock()
	c.state = loaded
	snap := c.state.snapshot()
	c.mu.Unlock()

	c.metrics.observeLifecycle(opRehydrate, nil)
	c.record(ctx, ActivityEvent{
		EventType: ActivityEventRehydrate,
		UserID:    snap.UserID(),
		Role:      ResolveEffectiveRole(snap),
		Metadata:  map[string]any{"authenticated": snap.Authenticated()},
	})

	return snap
}

func (c *Controller) load(ctx context.Context) (state, error) {
	var loaded state

	raw, ok, err := c.storage.Get(ctx, KeyToken)
	if err != nil {
		return state{}, err
	}

	if ok && raw != "" {
		cred, err := c.codec.Decode(raw)
		if err != nil {
			return state{}, err
		}
		if IsExpired(cred, c.now()) {
			return state{}, newError(ErrTokenExpired, map[string]any{"expires_at": cred.ExpiresAt()})
		}
		loaded.credential = cred
		loaded.userID = cred.Claims.UserID()
	}

	if loaded.persistedRole, err = c.loadRole(ctx, KeyUserRole); err != nil {
		return state{}, err
	}

	if loaded.lastRegisteredRole, err = c.loadRole(ctx, KeyLastRegisteredRole); err != nil {
		return state{}, err
	}

	userID, ok, err := c.storage.Get(ctx, KeyUserID)
	if err != nil {
		return state{}, err
	}
	if ok && userID != "" {
		loaded.userID = userID
	}

	return loaded, nil
}

func (c *Controller) loadRole(ctx context.Context, key string) (Role, error) {
	raw, ok, err := c.storage.Get(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	role, valid := ParseRole(raw)
	if !valid {
		c.logger.Warn("ignoring unknown persisted role %q under %s", raw, key)
		return "", nil
	}
	return role, nil
}

// ElevateRole overwrites the persisted role. The route guard calls it for
// admin area visits. Unauthenticated sessions are left untouched. The
// storage write is queued, call Flush to wait for it.
func (c *Controller) ElevateRole(role Role) {
	if !role.IsValid() {
		return
	}

	c.mu.Lock()
	if c.state.credential == nil || c.state.persistedRole == role {
		c.mu.Unlock()
		return
	}
	previous := c.state.persistedRole
	c.state.persistedRole = role
	userID := c.state.userID
	c.writes.enqueue(persistJob{set: []entry{{KeyUserRole, role.String()}}})
	c.mu.Unlock()

	c.record(context.Background(), ActivityEvent{
		EventType: ActivityEventRoleElevated,
		UserID:    userID,
		Role:      role,
		Metadata:  map[string]any{"previous": previous},
	})
}

// BearerToken returns the raw credential while it is unexpired.
func (c *Controller) BearerToken() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.credential == nil || IsExpired(c.state.credential, c.now()) {
		return "", false
	}
	return c.state.credential.Raw, true
}

// HTTPClient returns a client that attaches the session credential to
// every request.
func (c *Controller) HTTPClient(base http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: &BearerTransport{Base: base, Source: c},
		Timeout:   c.timeout,
	}
}

func (c *Controller) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return newError(ErrServerError, map[string]any{"throttled": err.Error()})
	}
	return nil
}

// backendError maps a backend failure onto the session taxonomy and keeps
// the backend's own message.
func (c *Controller) backendError(ctx context.Context, op string, err error) error {
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		meta := map[string]any{"cause": err.Error()}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			meta[metadataTimeoutExceededKey] = c.timeout.String()
		}
		return newError(ErrServerError, meta)
	}

	meta := map[string]any{
		metadataStatusKey:         backendErr.Status,
		metadataBackendMessageKey: backendErr.Message,
	}
	msg := backendErr.Message

	switch {
	case backendErr.Status == http.StatusUnauthorized:
		return newErrorWithMessage(ErrUnauthorized, msg, meta)
	case backendErr.Status == http.StatusForbidden:
		return newErrorWithMessage(ErrForbidden, msg, meta)
	case backendErr.Status == http.StatusConflict:
		return newErrorWithMessage(ErrConflict, msg, meta)
	case backendErr.Status >= http.StatusInternalServerError:
		return newErrorWithMessage(ErrServerError, msg, meta)
	case op == opRegister && mentionsConflict(msg):
		return newErrorWithMessage(ErrConflict, msg, meta)
	case op == opRegister:
		meta[metadataFieldKey] = ""
		return newErrorWithMessage(ErrValidationFailed, msg, meta)
	default:
		return newErrorWithMessage(ErrUnauthorized, msg, meta)
	}
}

func mentionsConflict(msg string) bool {
	msg = strings.ToLower(msg)
	for _, hint := range conflictHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// Flush waits until every queued storage write has been applied.
func (c *Controller) Flush(ctx context.Context) error {
	return wait(ctx, c.writes.barrier())
}

// await blocks on a queued write. Write failures are logged by the queue,
// the in memory session stays authoritative for the running process.
func (c *Controller) await(ctx context.Context, op string, done <-chan struct{}) {
	if err := wait(ctx, done); err != nil {
		c.logger.Warn("%s returned before storage caught up: %v", op, err)
	}
}

func (c *Controller) fail(ctx context.Context, op string, event ActivityEventType, err error, meta map[string]any) {
	c.logger.Error("%s failed: %s", op, print.MaybePrettyJSON(errorDetails(err)))
	c.metrics.observeLifecycle(op, err)

	if meta == nil {
		meta = map[string]any{}
	}
	meta["error"] = err.Error()
	meta["kind"] = string(KindOf(err))

	c.record(ctx, ActivityEvent{
		EventType: event,
		Metadata:  meta,
	})
}

func (c *Controller) record(ctx context.Context, event ActivityEvent) {
	recordActivity(ctx, c.activitySink, c.logger, c.now, event)
}

func errorDetails(err error) map[string]any {
	details := map[string]any{"error": err.Error()}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		details["text_code"] = richErr.TextCode
		details["category"] = richErr.Category
		details["metadata"] = richErr.Metadata
	}
	return details
}
