package loginsession

import (
	"fmt"
	"sync"
	"time"
)

var _ Repo = (*InMemoryLoginSessionRepo)(nil)

// InMemoryLoginSessionRepo is an in-memory implementation of Repo. Sessions
// are indexed by company as well so a tenant's sessions can be found together.
type InMemoryLoginSessionRepo struct {
	mu        sync.RWMutex
	sessions  map[string]Session             // sessionID -> Session
	byCompany map[string]map[string]struct{} // companyID -> sessionIDs
}

// NewInMemoryLoginSessionRepo creates a new in-memory login session repository
func NewInMemoryLoginSessionRepo() *InMemoryLoginSessionRepo {
	return &InMemoryLoginSessionRepo{
		sessions:  make(map[string]Session),
		byCompany: make(map[string]map[string]struct{}),
	}
}

// Upsert creates or updates a login session
func (r *InMemoryLoginSessionRepo) Upsert(session Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if session.CompanyID == "" {
		return fmt.Errorf("companyID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[session.ID]; ok && prev.CompanyID != session.CompanyID {
		r.unindexLocked(prev)
	}
	if _, ok := r.byCompany[session.CompanyID]; !ok {
		r.byCompany[session.CompanyID] = make(map[string]struct{})
	}
	r.byCompany[session.CompanyID][session.ID] = struct{}{}
	r.sessions[session.ID] = session
	return nil
}

// Get retrieves a login session by id
func (r *InMemoryLoginSessionRepo) Get(sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, fmt.Errorf("sessionID is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return session, nil
}

// Delete removes a login session. Deleting an unknown session is not an error.
func (r *InMemoryLoginSessionRepo) Delete(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[sessionID]; ok {
		r.deleteLocked(session)
	}
	return nil
}

// DeleteByUser removes every session of a user, e.g. when the account is
// deactivated.
func (r *InMemoryLoginSessionRepo) DeleteByUser(userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, session := range r.sessions {
		if session.UserID == userID {
			r.deleteLocked(session)
			removed++
		}
	}
	return removed, nil
}

// DeleteExpired removes sessions that expired at or before now.
func (r *InMemoryLoginSessionRepo) DeleteExpired(now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, session := range r.sessions {
		if session.Expired(now) {
			r.deleteLocked(session)
			removed++
		}
	}
	return removed, nil
}

// CountByCompany returns how many sessions a company has open.
func (r *InMemoryLoginSessionRepo) CountByCompany(companyID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCompany[companyID])
}

func (r *InMemoryLoginSessionRepo) deleteLocked(session Session) {
	delete(r.sessions, session.ID)
	r.unindexLocked(session)
}

func (r *InMemoryLoginSessionRepo) unindexLocked(session Session) {
	ids, ok := r.byCompany[session.CompanyID]
	if !ok {
		return
	}
	delete(ids, session.ID)
	// Clean up empty company map
	if len(ids) == 0 {
		delete(r.byCompany, session.CompanyID)
	}
}
