package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultLoginRoute    = "/auth/login"
	DefaultRegisterRoute = "/auth/register"
	maxErrorBodyBytes    = 4 << 10
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role,omitempty"`
}

type RegisterRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      string `json:"role"`
}

// BackendError is a non 2xx backend response. Message is the backend's own
// text, meant to be shown to the user verbatim.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend responded %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("backend responded %d: %s", e.Status, e.Message)
}

// HTTPBackend talks JSON to the authentication API.
type HTTPBackend struct {
	baseURL       string
	loginRoute    string
	registerRoute string
	httpClient    *http.Client
}

// ClientOption configures an HTTPBackend
type ClientOption func(*HTTPBackend)

// WithHTTPClient overrides the HTTP client used for backend calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(b *HTTPBackend) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// WithRoutes overrides the login and register routes.
func WithRoutes(login, register string) ClientOption {
	return func(b *HTTPBackend) {
		if login != "" {
			b.loginRoute = login
		}
		if register != "" {
			b.registerRoute = register
		}
	}
}

// NewHTTPBackend returns a backend rooted at baseURL.
func NewHTTPBackend(baseURL string, opts ...ClientOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL:       strings.TrimRight(baseURL, "/"),
		loginRoute:    DefaultLoginRoute,
		registerRoute: DefaultRegisterRoute,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	return b
}

// Login implements Backend.
func (b *HTTPBackend) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	body, err := b.post(ctx, b.loginRoute, req)
	if err != nil {
		return nil, err
	}

	out := &LoginResponse{}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}

	return out, nil
}

// Register implements Backend.
func (b *HTTPBackend) Register(ctx context.Context, req RegisterRequest) error {
	_, err := b.post(ctx, b.registerRoute, req)
	return err
}

func (b *HTTPBackend) post(ctx context.Context, route string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+route, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &BackendError{
			Status:  resp.StatusCode,
			Message: errorMessage(raw),
		}
	}

	return io.ReadAll(resp.Body)
}

// errorMessage extracts the message from {"message": ..} or {"error": ..}
// bodies, falling back to the raw text.
func errorMessage(raw []byte) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		return payload.Error
	}

	return string(raw)
}

// BearerTransport attaches the current credential to outgoing requests.
type BearerTransport struct {
	Base   http.RoundTripper
	Source TokenSource
}

// RoundTrip implements http.RoundTripper.
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if t.Source == nil {
		return base.RoundTrip(req)
	}

	token, ok := t.Source.BearerToken()
	if !ok {
		return base.RoundTrip(req)
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(clone)
}
