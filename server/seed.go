package server

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jrsteele09/fleetops-session/internal/config"
	apperrors "github.com/jrsteele09/fleetops-session/internal/errors"
	"github.com/jrsteele09/fleetops-session/users"
	"github.com/rs/zerolog/log"
)

// SeedDemoAccount creates the configured demo company and owner if the
// email is set and not yet registered. A missing password is generated and
// logged once.
func (s *Server) SeedDemoAccount(cfg config.SeedConfig) error {
	email := cfg.GetDemoEmail()
	if email == "" {
		return nil
	}
	if _, err := s.repos.Users.GetByEmail(email); err == nil {
		return nil
	} else if !errors.Is(err, apperrors.ErrUserNotFound) {
		return fmt.Errorf("[Server SeedDemoAccount] %w", err)
	}

	password := cfg.GetDemoPassword()
	generated := password == ""
	if generated {
		password = generatePassword()
	}
	reg := users.Registration{
		Email:       email,
		Password:    password,
		FirstName:   "Demo",
		LastName:    "Owner",
		CompanyName: cfg.GetDemoCompany(),
	}
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("[Server SeedDemoAccount] invalid demo account: %w", err)
	}
	user, err := s.registerAccount(reg)
	if err != nil {
		return fmt.Errorf("[Server SeedDemoAccount] %w", err)
	}

	event := log.Info().Str("email", user.Email).Str("company_id", user.CompanyID)
	if generated {
		event = event.Str("password", password)
	}
	event.Msg("demo account created")
	return nil
}

// generatePassword returns a random password that passes the strength rules.
func generatePassword() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return "Fo1" + base64.RawURLEncoding.EncodeToString(b)
}
