package auth

import (
	"errors"
	"fmt"

	"github.com/jrsteele09/fleetops-session/sessions"
	"github.com/jrsteele09/fleetops-session/users"
)

var (
	// ErrUnauthenticated is returned by tenant-scoped operations attempted
	// without a user. It is the same value as users.ErrUnauthenticated.
	ErrUnauthenticated = users.ErrUnauthenticated
	// ErrNetworkUnavailable means the identity API could not be reached.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrSessionExpired is the reason given when the inactivity clock ends a session.
	ErrSessionExpired = sessions.ErrSessionExpired
	// ErrMalformedLocalState means durable storage held an unusable session.
	ErrMalformedLocalState = sessions.ErrMalformed
)

// CredentialsRejectedError is a login or register refusal. Message is the
// server's text, shown to the user unchanged.
type CredentialsRejectedError struct {
	Status  int
	Message string
}

func (e *CredentialsRejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request rejected (status %d)", e.Status)
	}
	return e.Message
}
