// Package authtest provides an in process authentication backend for tests
// and local demos. It speaks the same routes as the real API.
package authtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-session"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// DefaultSigningKey signs tokens when no key is configured
var DefaultSigningKey = []byte("authtest-signing-key")

// User is a registered account
type User struct {
	ID           uuid.UUID
	FirstName    string
	LastName     string
	Username     string
	Email        string
	Role         string
	PasswordHash string
}

// Server is a fake authentication backend.
type Server struct {
	app        *fiber.App
	mu         sync.Mutex
	users      map[string]*User
	emails     map[string]string
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
	delay      time.Duration

	failStatus    int
	failMessage   string
	omitToken     bool
	omitRole      bool
	tokenOverride string

	loginCalls    int
	registerCalls int
}

// Option configures a Server
type Option func(*Server)

func WithSigningKey(key []byte) Option {
	return func(s *Server) {
		if len(key) > 0 {
			s.signingKey = key
		}
	}
}

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.ttl = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDelay makes every auth route wait before answering.
func WithDelay(d time.Duration) Option {
	return func(s *Server) {
		s.delay = d
	}
}

// NewServer returns a backend with no users.
func NewServer(opts ...Option) *Server {
	s := &Server{
		users:      map[string]*User{},
		emails:     map[string]string{},
		signingKey: DefaultSigningKey,
		ttl:        time.Hour,
		now:        time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	s.app.Post(session.DefaultLoginRoute, s.login)
	s.app.Post(session.DefaultRegisterRoute, s.register)
	s.app.Get("/api/me", s.me)

	return s
}

// App exposes the fiber application
func (s *Server) App() *fiber.App {
	return s.app
}

// Handler adapts the fiber application to net/http.
func (s *Server) Handler() http.HandlerFunc {
	return adaptor.FiberApp(s.app)
}

// Start serves the backend on a local listener. Close the returned server
// when done.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s.Handler())
}

// AddUser registers an account directly, bypassing the register route.
func (s *Server) AddUser(username, password, role string) (*User, error) {
	return s.addUser(&User{
		FirstName: "Test",
		LastName:  "User",
		Username:  username,
		Email:     username + "@example.com",
		Role:      role,
	}, password)
}

func (s *Server) addUser(u *User, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	id, err := hashid.NewUUID(u.Email)
	if err != nil {
		id = uuid.New()
	}

	u.ID = id
	u.PasswordHash = string(hash)
	u.Role = strings.ToLower(u.Role)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(u.Username)] = u
	s.emails[strings.ToLower(u.Email)] = u.Username
	return u, nil
}

// User returns a registered account by username.
func (s *Server) User(username string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[strings.ToLower(username)]
	return u, ok
}

// FailWith makes every auth route answer status with message. A zero
// status restores normal behavior.
func (s *Server) FailWith(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
	s.failMessage = message
}

// OmitToken drops the token from login responses.
func (s *Server) OmitToken(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitToken = omit
}

// OmitRole drops the role from login responses.
func (s *Server) OmitRole(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitRole = omit
}

// OverrideToken makes login return raw instead of a minted token.
func (s *Server) OverrideToken(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenOverride = raw
}

func (s *Server) LoginCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCalls
}

func (s *Server) RegisterCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerCalls
}

// Mint signs a token for u that expires after ttl.
func (s *Server) Mint(u *User, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &session.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UID:      u.ID.String(),
		UserRole: u.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(c *fiber.Ctx) error {
	s.wait()

	s.mu.Lock()
	s.loginCalls++
	failStatus, failMessage := s.failStatus, s.failMessage
	omitToken, omitRole, override := s.omitToken, s.omitRole, s.tokenOverride
	s.mu.Unlock()

	if failStatus != 0 {
		return c.Status(failStatus).JSON(fiber.Map{"message": failMessage})
	}

	var payload loginPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "invalid login payload"})
	}

	user, ok := s.User(payload.Username)
	if !ok || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(payload.Password)) != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "invalid username or password"})
	}

	resp := fiber.Map{}
	if !omitToken {
		token := override
		if token == "" {
			var err error
			if token, err = s.Mint(user, s.ttl); err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
			}
		}
		resp["token"] = token
	}
	if !omitRole {
		resp["role"] = user.Role
	}

	return c.JSON(resp)
}

type registerPayload struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      string `json:"role"`
}

func (s *Server) register(c *fiber.Ctx) error {
	s.wait()

	s.mu.Lock()
	s.registerCalls++
	failStatus, failMessage := s.failStatus, s.failMessage
	s.mu.Unlock()

	if failStatus != 0 {
		return c.Status(failStatus).JSON(fiber.Map{"message": failMessage})
	}

	var payload registerPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "invalid registration payload"})
	}

	if _, taken := s.User(payload.Username); taken {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": "username already taken"})
	}

	s.mu.Lock()
	_, emailTaken := s.emails[strings.ToLower(payload.Email)]
	s.mu.Unlock()
	if emailTaken {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": "email already registered"})
	}

	user, err := s.addUser(&User{
		FirstName: payload.FirstName,
		LastName:  payload.LastName,
		Username:  payload.Username,
		Email:     payload.Email,
		Role:      payload.Role,
	}, payload.Password)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": user.ID.String()})
}

func (s *Server) me(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "missing bearer token"})
	}

	claims := &session.Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": err.Error()})
	}

	return c.JSON(fiber.Map{
		"id":   claims.UserID(),
		"role": claims.UserRole,
	})
}

func (s *Server) wait() {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
}
