// Package sessions holds the client's durable session record and the clock
// that slides its expiry on user activity.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/fleetops-session/users"
)

// StorageKey is the durable storage key holding the session JSON.
const StorageKey = "fleetops.session"

var (
	// ErrNoSession means durable storage holds no session.
	ErrNoSession = errors.New("no session in durable storage")
	// ErrMalformed means the stored session could not be used. The entry is
	// wiped when this is returned, never repaired.
	ErrMalformed = errors.New("malformed session in durable storage")
)

// Session is the client's belief about authentication state.
type Session struct {
	User      *users.User `json:"user"`
	Token     string      `json:"token,omitempty"`
	ExpiresAt int64       `json:"expiresAt"` // epoch millis
}

func NewSession(user *users.User, token string, expiresAt time.Time) *Session {
	return &Session{User: user, Token: token, ExpiresAt: expiresAt.UnixMilli()}
}

func (s *Session) Expiry() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// Remaining is the time left before expiry; zero or negative once expired.
func (s *Session) Remaining(now time.Time) time.Duration {
	return s.Expiry().Sub(now)
}

func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.UnixMilli()
}

func (s *Session) validate() error {
	if s.ExpiresAt <= 0 {
		return fmt.Errorf("expiresAt missing")
	}
	return s.User.Validate()
}

// Load reads the session from store. A missing key yields ErrNoSession; a
// value that does not decode or validate is deleted and yields ErrMalformed.
func Load(store Store) (*Session, error) {
	raw, ok, err := store.Get(StorageKey)
	if err != nil {
		return nil, fmt.Errorf("[sessions Load] %w", err)
	}
	if !ok {
		return nil, ErrNoSession
	}
	s, err := decode(raw)
	if err != nil {
		_ = store.Delete(StorageKey)
		return nil, err
	}
	return s, nil
}

// Save overwrites the stored session.
func Save(store Store, s *Session) error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("[sessions Save] %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("[sessions Save] marshal: %w", err)
	}
	return store.Set(StorageKey, string(data))
}

// Remove deletes the stored session only.
func Remove(store Store) error {
	return store.Delete(StorageKey)
}

// Extend moves the stored expiry to at, unless it is already later. It
// returns the expiry in effect afterwards. Expiry never moves backwards.
func Extend(store Store, at time.Time) (time.Time, error) {
	var result time.Time
	err := store.Update(StorageKey, func(current string, exists bool) (string, bool, error) {
		if !exists {
			return "", false, ErrNoSession
		}
		s, err := decode(current)
		if err != nil {
			return "", false, nil
		}
		if at.UnixMilli() > s.ExpiresAt {
			s.ExpiresAt = at.UnixMilli()
		}
		result = s.Expiry()
		data, err := json.Marshal(s)
		if err != nil {
			return "", false, err
		}
		return string(data), true, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if result.IsZero() {
		return time.Time{}, ErrMalformed
	}
	return result, nil
}

// Reconcile stores a server-confirmed user, keeping the token and expiry of
// any existing session. Without one, a new session expiring at expiresAt is
// created.
func Reconcile(store Store, user *users.User, expiresAt time.Time) (*Session, error) {
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("[sessions Reconcile] %w", err)
	}
	var result *Session
	err := store.Update(StorageKey, func(current string, exists bool) (string, bool, error) {
		s := NewSession(user, "", expiresAt)
		if exists {
			if prev, err := decode(current); err == nil {
				s.Token = prev.Token
				s.ExpiresAt = prev.ExpiresAt
			}
		}
		data, err := json.Marshal(s)
		if err != nil {
			return "", false, err
		}
		result = s
		return string(data), true, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func decode(raw string) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &s, nil
}
