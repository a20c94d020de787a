package tenants

import (
	"fmt"
	"maps"

	"github.com/jrsteele09/fleetops-session/querycache"
	"github.com/jrsteele09/fleetops-session/users"
)

// CompanyIDField is the key used in cache keys and payloads to carry the tenant.
const CompanyIDField = "companyId"

// UserProvider exposes the currently authenticated user, or nil.
type UserProvider interface {
	CurrentUser() *users.User
}

// Scope stamps the current user's company onto cache keys and request payloads.
// The company is re-read from the provider on every call.
type Scope struct {
	users UserProvider
}

func NewScope(provider UserProvider) *Scope {
	return &Scope{users: provider}
}

// CompanyID returns the current tenant. It fails with users.ErrUnauthenticated
// when no user is present rather than scoping to an empty company.
func (s *Scope) CompanyID() (string, error) {
	var u *users.User
	if s != nil && s.users != nil {
		u = s.users.CurrentUser()
	}
	if u == nil {
		return "", users.ErrUnauthenticated
	}
	if u.CompanyID == "" {
		return "", fmt.Errorf("user %s has no company: %w", u.ID, users.ErrUnauthenticated)
	}
	return u.CompanyID, nil
}

// EnsureTenantScope returns baseKey extended with the company segment, so
// entries for different companies never share a cache slot.
func (s *Scope) EnsureTenantScope(baseKey querycache.Key) (querycache.Key, error) {
	companyID, err := s.CompanyID()
	if err != nil {
		return nil, fmt.Errorf("[Scope EnsureTenantScope] %v: %w", baseKey, err)
	}
	return baseKey.With(CompanyIDField, companyID), nil
}

// WithTenantFilter returns a shallow copy of payload with companyId set.
func (s *Scope) WithTenantFilter(payload map[string]any) (map[string]any, error) {
	companyID, err := s.CompanyID()
	if err != nil {
		return nil, fmt.Errorf("[Scope WithTenantFilter] %w", err)
	}
	scoped := make(map[string]any, len(payload)+1)
	maps.Copy(scoped, payload)
	scoped[CompanyIDField] = companyID
	return scoped, nil
}

// MustEnsureTenantScope panics instead of returning an error.
func (s *Scope) MustEnsureTenantScope(baseKey querycache.Key) querycache.Key {
	key, err := s.EnsureTenantScope(baseKey)
	if err != nil {
		panic(err)
	}
	return key
}

// MustWithTenantFilter panics instead of returning an error.
func (s *Scope) MustWithTenantFilter(payload map[string]any) map[string]any {
	scoped, err := s.WithTenantFilter(payload)
	if err != nil {
		panic(err)
	}
	return scoped
}
