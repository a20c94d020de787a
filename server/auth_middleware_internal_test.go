package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jrsteele09/fleetops-session/internal/config"
	apperrors "github.com/jrsteele09/fleetops-session/internal/errors"
	"github.com/jrsteele09/fleetops-session/server/loginsession"
	tenantrepofakes "github.com/jrsteele09/fleetops-session/tenants/repofakes"
	"github.com/jrsteele09/fleetops-session/token"
	"github.com/jrsteele09/fleetops-session/users"
	fakeuserrepo "github.com/jrsteele09/fleetops-session/users/repofake"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

type authFixture struct {
	now    time.Time
	server *Server
	tokens *token.Manager
	user   *users.User
}

func setupAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	v := viper.New()
	v.Set("ENV", "TEST")
	f := &authFixture{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	nowFunc := func() time.Time { return f.now }

	signer, err := token.NewHMACSigner("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	f.tokens, err = token.New(signer, token.WithNowFunc(nowFunc))
	require.NoError(t, err)

	repos := Repos{
		Users:    fakeuserrepo.NewFakeUserRepo(),
		Tenants:  tenantrepofakes.NewFakeTenantRepo(),
		Sessions: loginsession.NewInMemoryLoginSessionRepo(),
	}
	f.server, err = New(config.NewFromViper(v), repos, f.tokens, WithNowTime(nowFunc))
	require.NoError(t, err)

	hash, err := users.HashPassword("Passw0rd!")
	require.NoError(t, err)
	f.user = &users.User{
		ID:           "user-1",
		Email:        "owner@acme.test",
		PasswordHash: hash,
		CompanyID:    "company-1",
		Role:         users.RoleOwner,
		IsActive:     true,
	}
	require.NoError(t, repos.Users.Upsert(f.user))
	return f
}

func (f *authFixture) request(sessionID, bearer string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, RouteAuthUser, nil)
	if sessionID != "" {
		r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sessionID})
	}
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

func TestAuthenticate_Errors(t *testing.T) {
	t.Run("no credentials", func(t *testing.T) {
		f := setupAuthFixture(t)
		_, err := f.server.authenticate(f.request("", ""))
		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := setupAuthFixture(t)
		_, err := f.server.authenticate(f.request("missing", ""))
		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	})

	t.Run("expired session", func(t *testing.T) {
		f := setupAuthFixture(t)
		require.NoError(t, f.server.repos.Sessions.Upsert(loginsession.Session{
			ID: "s-1", CompanyID: f.user.CompanyID, UserID: f.user.ID, ExpiresAt: f.now.Add(-time.Second),
		}))
		_, err := f.server.authenticate(f.request("s-1", ""))
		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		_, err = f.server.repos.Sessions.Get("s-1")
		require.ErrorIs(t, err, loginsession.ErrNotFound)
	})

	t.Run("malformed token", func(t *testing.T) {
		f := setupAuthFixture(t)
		_, err := f.server.authenticate(f.request("", "not-a-jwt"))
		require.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("revoked token", func(t *testing.T) {
		f := setupAuthFixture(t)
		raw, _, err := f.tokens.Issue(f.user)
		require.NoError(t, err)
		require.NoError(t, f.tokens.RevokeAccessToken(raw))
		_, err = f.server.authenticate(f.request("", raw))
		require.ErrorIs(t, err, apperrors.ErrTokenRevoked)
	})

	t.Run("expired token", func(t *testing.T) {
		f := setupAuthFixture(t)
		raw, _, err := f.tokens.Issue(f.user)
		require.NoError(t, err)
		f.now = f.now.Add(f.tokens.Expiry() + time.Second)
		_, err = f.server.authenticate(f.request("", raw))
		require.ErrorIs(t, err, apperrors.ErrTokenExpired)
	})

	t.Run("valid session behind a revoked token", func(t *testing.T) {
		f := setupAuthFixture(t)
		raw, _, err := f.tokens.Issue(f.user)
		require.NoError(t, err)
		require.NoError(t, f.tokens.RevokeAccessToken(raw))
		require.NoError(t, f.server.repos.Sessions.Upsert(loginsession.Session{
			ID: "s-1", CompanyID: f.user.CompanyID, UserID: f.user.ID, ExpiresAt: f.now.Add(time.Hour),
		}))
		user, err := f.server.authenticate(f.request("s-1", raw))
		require.NoError(t, err)
		require.Equal(t, f.user.ID, user.ID)
	})

	t.Run("inactive user", func(t *testing.T) {
		f := setupAuthFixture(t)
		raw, _, err := f.tokens.Issue(f.user)
		require.NoError(t, err)
		require.NoError(t, f.server.repos.Users.SetActive(f.user.Email, false))
		_, err = f.server.authenticate(f.request("", raw))
		require.ErrorIs(t, err, apperrors.ErrUserInactive)
	})
}

func TestCheckCredentials(t *testing.T) {
	f := setupAuthFixture(t)

	user, err := f.server.checkCredentials(users.Credentials{Email: "OWNER@acme.test", Password: "Passw0rd!"})
	require.NoError(t, err)
	require.Equal(t, f.user.ID, user.ID)

	_, err = f.server.checkCredentials(users.Credentials{Email: "owner@acme.test", Password: "Wr0ng-pass"})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	_, err = f.server.checkCredentials(users.Credentials{Email: "nobody@acme.test", Password: "Passw0rd!"})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	require.NoError(t, f.server.repos.Users.SetActive(f.user.Email, false))
	_, err = f.server.checkCredentials(users.Credentials{Email: "owner@acme.test", Password: "Passw0rd!"})
	require.ErrorIs(t, err, apperrors.ErrUserInactive)
}

func TestAuthorizeCompany(t *testing.T) {
	user := &users.User{ID: "user-1", CompanyID: "company-1"}
	require.NoError(t, authorizeCompany(user, "company-1"))
	require.ErrorIs(t, authorizeCompany(user, "company-2"), apperrors.ErrUnauthorizedTenant)
}
