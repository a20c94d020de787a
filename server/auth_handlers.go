package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/fleetops-session/internal/errors"
	"github.com/jrsteele09/fleetops-session/server/loginsession"
	"github.com/jrsteele09/fleetops-session/tenants"
	"github.com/jrsteele09/fleetops-session/users"
	"github.com/rs/zerolog/log"
)

// AuthResponse is returned by login and register.
type AuthResponse struct {
	User  *users.User `json:"user"`
	Token string      `json:"token"`
}

// IdentityHandler returns the caller's user record, 401 without a session
// and 403 for an inactive account.
func (s *Server) IdentityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

// LoginHandler checks credentials and starts a session.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var creds users.Credentials
		if err := decodeJSON(r, &creds); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := creds.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, capitalise(err.Error()))
			return
		}

		user, err := s.checkCredentials(creds)
		switch {
		case errors.Is(err, apperrors.ErrUserInactive):
			writeAuthError(w, err)
			return
		case err != nil:
			log.Info().Err(err).Str("email", users.NormalizeEmail(creds.Email)).Msg("login rejected")
			writeError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}

		resp, err := s.startSession(w, r, user)
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID).Msg("failed to start session")
			writeError(w, http.StatusInternalServerError, "Could not start session")
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// RegisterHandler creates a company and its owner account, then starts a
// session for the owner.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reg users.Registration
		if err := decodeJSON(r, &reg); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := reg.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, capitalise(err.Error()))
			return
		}
		user, err := s.registerAccount(reg)
		switch {
		case errors.Is(err, apperrors.ErrUserExists):
			writeError(w, http.StatusConflict, "An account with this email already exists")
			return
		case err != nil:
			log.Error().Err(err).Msg("registration failed")
			writeError(w, http.StatusInternalServerError, "Registration failed")
			return
		}

		resp, err := s.startSession(w, r, user)
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID).Msg("failed to start session")
			writeError(w, http.StatusInternalServerError, "Could not start session")
			return
		}
		log.Info().Str("user_id", user.ID).Str("company_id", user.CompanyID).Msg("company registered")
		writeJSON(w, http.StatusCreated, resp)
	}
}

// LogoutHandler ends the caller's session if there is one. It always
// succeeds and always expires the cookie.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds := requestCredentials(r)

		if creds.sessionID != "" {
			if session, err := s.repos.Sessions.Get(creds.sessionID); err == nil {
				if session.TokenID != "" {
					_ = s.tokens.RevokeTokenID(session.TokenID, s.nowTime().Add(s.tokens.Expiry()))
				}
				_ = s.repos.Sessions.Delete(session.ID)
				log.Info().Str("event", "SESSION_TERMINATED").Str("user_id", session.UserID).Msg("server session ended")
			}
		}
		if creds.bearerToken != "" {
			if err := s.tokens.RevokeAccessToken(creds.bearerToken); err != nil {
				log.Debug().Err(err).Msg("logout with unusable bearer token")
			}
		}

		s.clearSessionCookie(w, r)
		writeJSON(w, http.StatusOK, ErrorResponse{Message: "Logged out"})
	}
}

// checkCredentials returns the user creds identify. An unknown email and a
// wrong password both give ErrInvalidCredentials.
func (s *Server) checkCredentials(creds users.Credentials) (*users.User, error) {
	user, err := s.repos.Users.GetByEmail(creds.Email)
	if err != nil || !users.CheckPasswordHash(creds.Password, user.PasswordHash) {
		return nil, apperrors.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, apperrors.ErrUserInactive
	}
	return user, nil
}

// registerAccount creates the company and its owner. reg must be valid.
func (s *Server) registerAccount(reg users.Registration) (*users.User, error) {
	if _, err := s.repos.Users.GetByEmail(reg.Email); err == nil {
		return nil, apperrors.ErrUserExists
	}

	company, err := tenants.New(uuid.New().String(), reg.CompanyName, reg.Phone, reg.Address)
	if err != nil {
		return nil, err
	}
	company.CreatedAt = s.nowTime()
	if err := s.repos.Tenants.Upsert(company); err != nil {
		return nil, apperrors.Wrapf(err, "create company")
	}

	hash, err := users.HashPassword(reg.Password)
	if err != nil {
		return nil, apperrors.Wrapf(err, "hash password")
	}
	user := &users.User{
		ID:           uuid.New().String(),
		Email:        users.NormalizeEmail(reg.Email),
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(reg.FirstName),
		LastName:     strings.TrimSpace(reg.LastName),
		Phone:        reg.Phone,
		CompanyID:    company.ID,
		Role:         users.RoleOwner,
		IsActive:     true,
	}
	if err := s.repos.Users.Upsert(user); err != nil {
		_ = s.repos.Tenants.Delete(company.ID)
		return nil, apperrors.Wrapf(err, "create user")
	}
	return user, nil
}

// startSession issues a token and a server session for user and sets the
// session cookie.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user *users.User) (*AuthResponse, error) {
	raw, claims, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	now := s.nowTime()
	maxAge := s.config.GetServerSessionMaxAge()
	session := loginsession.Session{
		ID:        uuid.New().String(),
		CompanyID: user.CompanyID,
		UserID:    user.ID,
		TokenID:   claims.ID,
		ExpiresAt: now.Add(maxAge),
		CreatedAt: now,
	}
	if err := s.repos.Sessions.Upsert(session); err != nil {
		return nil, err
	}
	s.setSessionCookie(w, r, session.ID, maxAge)
	return &AuthResponse{User: user, Token: raw}, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func capitalise(msg string) string {
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
