// Package token issues and checks the signed bearer tokens returned by login
// and register.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/fleetops-session/users"
	"github.com/pkg/errors"
)

// Claims are the JWT claims of an access token. Subject is the user id.
type Claims struct {
	Email     string         `json:"email"`
	CompanyID string         `json:"companyId"`
	Role      users.RoleType `json:"role"`
	jwt.RegisteredClaims
}

// TokenIntrospection is the verified content of a token. When Active is false
// the other fields may be empty.
type TokenIntrospection struct {
	Active    bool      `json:"active"`
	Sub       string    `json:"sub,omitempty"`
	CompanyID string    `json:"companyId,omitempty"`
	Role      string    `json:"role,omitempty"`
	JTI       string    `json:"jti,omitempty"`
	Exp       time.Time `json:"exp,omitzero"`
}

// DefaultExpiry is the absolute lifetime of an access token.
const DefaultExpiry = 12 * time.Hour

type Manager struct {
	signer       Signer
	issuer       string
	expiry       time.Duration
	revokedCache RevokedTokenCache
	nowFunc      func() time.Time
}

type ManagerOption func(*Manager)

func WithTokenExpiry(expiry time.Duration) ManagerOption {
	return func(m *Manager) {
		m.expiry = expiry
	}
}

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithIssuer(issuer string) ManagerOption {
	return func(m *Manager) {
		m.issuer = issuer
	}
}

func WithRevokedTokenCache(cache RevokedTokenCache) ManagerOption {
	return func(m *Manager) {
		m.revokedCache = cache
	}
}

func New(signer Signer, options ...ManagerOption) (*Manager, error) {
	if signer == nil {
		return nil, errors.New("[token New] signer is required")
	}
	m := &Manager{
		signer:  signer,
		expiry:  DefaultExpiry,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.revokedCache == nil {
		m.revokedCache = NewInMemoryRevokedTokenCache()
	}
	if m.expiry <= 0 {
		return nil, errors.New("[token New] expiry must be positive")
	}
	return m, nil
}

// Issue signs an access token for user.
func (m *Manager) Issue(user *users.User) (string, *Claims, error) {
	if err := user.Validate(); err != nil {
		return "", nil, errors.Wrap(err, "[Manager.Issue]")
	}
	now := m.nowFunc()
	claims := &Claims{
		Email:     user.Email,
		CompanyID: user.CompanyID,
		Role:      user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			ID:        uuid.New().String(),
		},
	}
	signed, err := m.signer.Sign(claims)
	if err != nil {
		return "", nil, errors.Wrap(err, "[Manager.Issue]")
	}
	return signed, claims, nil
}

// Introspection verifies rawToken. An empty, expired or revoked token is
// reported inactive without an error; an error means the token could not be
// verified at all.
func (m *Manager) Introspection(rawToken string) (*TokenIntrospection, error) {
	if strings.TrimSpace(rawToken) == "" {
		return &TokenIntrospection{Active: false}, nil
	}
	claims, err := m.parse(rawToken)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return &TokenIntrospection{Active: false}, nil
	}
	if err != nil {
		return &TokenIntrospection{Active: false}, err
	}

	active := !m.revokedCache.IsRevoked(claims.ID)
	return &TokenIntrospection{
		Active:    active,
		Sub:       claims.Subject,
		CompanyID: claims.CompanyID,
		Role:      string(claims.Role),
		JTI:       claims.ID,
		Exp:       claims.ExpiresAt.Time,
	}, nil
}

// RevokeAccessToken revokes a token by its jti until it expires.
func (m *Manager) RevokeAccessToken(rawToken string) error {
	claims, err := m.parse(rawToken)
	if err != nil {
		return errors.Wrap(err, "invalid token")
	}
	if claims.ID == "" {
		return errors.New("token missing jti claim")
	}
	return m.revokedCache.Add(claims.ID, claims.ExpiresAt.Time)
}

// RevokeTokenID revokes a token known only by its jti, e.g. the token issued
// alongside a server session. exp bounds how long the entry is kept.
func (m *Manager) RevokeTokenID(jti string, exp time.Time) error {
	if jti == "" {
		return errors.New("jti is required")
	}
	return m.revokedCache.Add(jti, exp)
}

// CleanupRevokedTokens removes expired tokens from the revocation cache
func (m *Manager) CleanupRevokedTokens() int {
	return m.revokedCache.Cleanup(m.nowFunc())
}

func (m *Manager) Expiry() time.Duration {
	return m.expiry
}

func (m *Manager) parse(rawToken string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(m.nowFunc),
		jwt.WithValidMethods([]string{m.signer.GetSigningMethod().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(rawToken, claims, m.signer.GetVerificationKey, opts...); err != nil {
		return nil, err
	}
	if claims.ExpiresAt == nil || claims.Subject == "" {
		return nil, errors.New("token missing required claims")
	}
	return claims, nil
}
