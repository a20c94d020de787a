// Package client is the typed REST client for the identity API. Responses
// are parsed and validated here so nothing past this boundary sees a raw
// payload.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/fleetops-session/querycache"
	"github.com/jrsteele09/fleetops-session/tenants"
	"github.com/jrsteele09/fleetops-session/users"
	"golang.org/x/oauth2"
)

const (
	IdentityPath = "/api/auth/user"
	LoginPath    = "/api/auth/login"
	RegisterPath = "/api/auth/register"
	LogoutPath   = "/api/auth/logout"
	CompanyPath  = "/api/company"

	defaultTimeout = 30 * time.Second
	maxBodySize    = 1 << 20
)

var (
	// ErrUnavailable wraps transport failures: the server was never reached
	// or the connection broke before a response was read.
	ErrUnavailable = errors.New("identity api unavailable")
	// ErrMalformedResponse means a response arrived but did not match the
	// expected shape.
	ErrMalformedResponse = errors.New("malformed response")
)

// ResponseError is a non-2xx response. Message is the server's own text.
type ResponseError struct {
	Status  int
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return e.Message
}

// IdentityStatus is the outcome of an identity check.
type IdentityStatus int

const (
	Unauthenticated IdentityStatus = iota
	Authenticated
)

func (s IdentityStatus) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// IdentityResult is a validated identity response. User is set only when
// Status is Authenticated.
type IdentityResult struct {
	Status IdentityStatus
	User   *users.User
}

// AuthResponse is the body returned by login and register.
type AuthResponse struct {
	User  *users.User `json:"user"`
	Token string      `json:"token,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
}

// Client talks to the identity API with credentials: a cookie jar for the
// server session cookie and, once known, a bearer token.
type Client struct {
	baseURL string
	base    http.RoundTripper
	timeout time.Duration

	mu         sync.RWMutex
	token      string
	httpClient *http.Client
}

// Option is a function that configures the Client.
type Option func(*Client)

// WithTransport sets the base round tripper the bearer transport wraps.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.base = rt
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithToken starts the client with a bearer token, e.g. one restored from
// durable storage.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// New creates an identity API client rooted at baseURL
// (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("[client New] invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		base:    http.DefaultTransport,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.rebuild(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken attaches token as a bearer credential to every later request.
// An empty token removes it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.httpClient = &http.Client{
		Jar:       c.httpClient.Jar,
		Timeout:   c.timeout,
		Transport: c.transport(),
	}
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ResetCredentials drops every cookie and the bearer token.
func (c *Client) ResetCredentials() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	// cookiejar.New only fails on a bad PublicSuffixList, and none is given.
	_ = c.rebuildLocked()
}

func (c *Client) rebuild() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildLocked()
}

func (c *Client) rebuildLocked() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("[client] cookie jar: %w", err)
	}
	c.httpClient = &http.Client{
		Jar:       jar,
		Timeout:   c.timeout,
		Transport: c.transport(),
	}
	return nil
}

func (c *Client) transport() http.RoundTripper {
	if c.token == "" {
		return c.base
	}
	return &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token, TokenType: "Bearer"}),
		Base:   c.base,
	}
}

func (c *Client) current() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.httpClient
}

// FetchIdentity asks the server who the caller is. 401 and 403 are a normal
// unauthenticated answer, not an error.
func (c *Client) FetchIdentity(ctx context.Context) (*IdentityResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, IdentityPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	status, body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch identity: %w", err)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &IdentityResult{Status: Unauthenticated}, nil
	case !success(status):
		return nil, fmt.Errorf("fetch identity: %w", responseError(status, body))
	}

	var user users.User
	if err := decode(body, &user); err != nil {
		return nil, fmt.Errorf("fetch identity: %w", err)
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("fetch identity: %w: %v", ErrMalformedResponse, err)
	}
	return &IdentityResult{Status: Authenticated, User: &user}, nil
}

// Login posts credentials. A rejection is returned as *ResponseError.
func (c *Client) Login(ctx context.Context, creds users.Credentials) (*AuthResponse, error) {
	resp, err := c.authenticate(ctx, LoginPath, creds)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return resp, nil
}

// Register creates a company and its owner account, returning the new session.
func (c *Client) Register(ctx context.Context, reg users.Registration) (*AuthResponse, error) {
	resp, err := c.authenticate(ctx, RegisterPath, reg)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return resp, nil
}

// Logout ends the server session.
func (c *Client) Logout(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, LogoutPath, nil)
	if err != nil {
		return err
	}
	status, body, err := c.do(req)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if !success(status) {
		return fmt.Errorf("logout: %w", responseError(status, body))
	}
	return nil
}

// Company reads the caller's company. key must carry a companyId segment,
// see tenants.Scope.EnsureTenantScope.
func (c *Client) Company(ctx context.Context, key querycache.Key) (*tenants.Tenant, error) {
	companyID, ok := key.Field(tenants.CompanyIDField)
	if !ok || companyID == "" {
		return nil, fmt.Errorf("company: key %q is not tenant scoped", key.String())
	}
	req, err := c.newRequest(ctx, http.MethodGet, CompanyPath+"?"+url.Values{tenants.CompanyIDField: {companyID}}.Encode(), nil)
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("company: %w", err)
	}
	if !success(status) {
		return nil, fmt.Errorf("company: %w", responseError(status, body))
	}
	var t tenants.Tenant
	if err := decode(body, &t); err != nil {
		return nil, fmt.Errorf("company: %w", err)
	}
	if t.ID != companyID {
		return nil, fmt.Errorf("company: %w: got company %q, asked for %q", ErrMalformedResponse, t.ID, companyID)
	}
	return &t, nil
}

func (c *Client) authenticate(ctx context.Context, path string, payload any) (*AuthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if !success(status) {
		return nil, responseError(status, body)
	}
	var resp AuthResponse
	if err := decode(body, &resp); err != nil {
		return nil, err
	}
	if err := resp.User.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and reads the body. Context cancellation is returned as is so
// callers can tell it apart from an unreachable server.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.current().Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	return resp.StatusCode, body, nil
}

func success(status int) bool {
	return status >= 200 && status < 300
}

func decode(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func responseError(status int, body []byte) *ResponseError {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return &ResponseError{Status: status}
	}
	return &ResponseError{Status: status, Message: eb.Message}
}
