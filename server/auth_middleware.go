package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/jrsteele09/fleetops-session/internal/errors"
	"github.com/jrsteele09/fleetops-session/server/loginsession"
	"github.com/jrsteele09/fleetops-session/users"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyUser stores the authenticated user
	ContextKeyUser ContextKey = "user"
)

// credentials are what a request presented to identify itself.
type credentials struct {
	sessionID   string
	bearerToken string
}

func requestCredentials(r *http.Request) credentials {
	var c credentials
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		c.sessionID = cookie.Value
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			c.bearerToken = strings.TrimSpace(token)
		}
	}
	return c
}

// authenticate resolves the caller from the bearer token or, failing that,
// the session cookie. When neither identifies a user the error says why:
// ErrInvalidToken, ErrTokenExpired or ErrTokenRevoked for a presented token,
// otherwise ErrSessionExpired or ErrSessionNotFound. A disabled account gives
// ErrUserInactive.
func (s *Server) authenticate(r *http.Request) (*users.User, error) {
	creds := requestCredentials(r)

	userID := ""
	var bearerErr error
	if creds.bearerToken != "" {
		userID, bearerErr = s.bearerUser(creds.bearerToken)
	}

	sessionErr := apperrors.ErrSessionNotFound
	if userID == "" && creds.sessionID != "" {
		session, err := s.repos.Sessions.Get(creds.sessionID)
		switch {
		case err == nil && !session.Expired(s.nowTime()):
			userID = session.UserID
		case err == nil:
			_ = s.repos.Sessions.Delete(session.ID)
			sessionErr = apperrors.ErrSessionExpired
		case !errors.Is(err, loginsession.ErrNotFound):
			log.Warn().Err(err).Msg("session lookup failed")
		}
	}
	if userID == "" {
		if bearerErr != nil {
			return nil, bearerErr
		}
		return nil, sessionErr
	}

	user, err := s.repos.Users.GetByID(userID)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrUserNotFound, "user %s", userID)
	}
	if !user.IsActive {
		return nil, apperrors.ErrUserInactive
	}
	return user, nil
}

// bearerUser returns the subject of an active token.
func (s *Server) bearerUser(raw string) (string, error) {
	info, err := s.tokens.Introspection(raw)
	switch {
	case err != nil:
		return "", apperrors.Wrapf(apperrors.ErrInvalidToken, "%v", err)
	case info.Active:
		return info.Sub, nil
	case info.JTI != "":
		return "", apperrors.ErrTokenRevoked
	default:
		return "", apperrors.ErrTokenExpired
	}
}

// RequireAuth rejects requests without a valid session and stores the user
// in the request context.
func (s *Server) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyUser, user)
		next(w, r.WithContext(ctx))
	}
}

// UserFromContext returns the user stored by RequireAuth.
func UserFromContext(ctx context.Context) (*users.User, bool) {
	user, ok := ctx.Value(ContextKeyUser).(*users.User)
	return user, ok && user != nil
}

func writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, apperrors.ErrUserInactive) {
		writeError(w, http.StatusForbidden, "Account is inactive")
		return
	}
	writeError(w, http.StatusUnauthorized, "Not authenticated")
}
