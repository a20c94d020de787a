// Package loginsession stores the server side of a browser session: the
// record behind the HTTP-only session cookie.
package loginsession

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID        string
	CompanyID string
	UserID    string
	TokenID   string // jti of the access token issued with this session

	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the session has passed its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type Repo interface {
	Upsert(session Session) error
	Get(sessionID string) (Session, error)
	Delete(sessionID string) error
	DeleteByUser(userID string) (int, error)
	DeleteExpired(now time.Time) (int, error)
}
