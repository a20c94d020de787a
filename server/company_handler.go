package server

import (
	"errors"
	"net/http"

	apperrors "github.com/jrsteele09/fleetops-session/internal/errors"
	"github.com/jrsteele09/fleetops-session/tenants"
	"github.com/jrsteele09/fleetops-session/users"
	"github.com/rs/zerolog/log"
)

// CompanyHandler returns the caller's company. The companyId query parameter
// must name the caller's own company; any other value is refused.
func (s *Server) CompanyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		companyID := r.URL.Query().Get(tenants.CompanyIDField)
		if companyID == "" {
			writeError(w, http.StatusBadRequest, "companyId is required")
			return
		}
		if err := authorizeCompany(user, companyID); err != nil {
			log.Warn().
				Err(err).
				Str("user_id", user.ID).
				Str("company_id", user.CompanyID).
				Str("requested_company_id", companyID).
				Msg("cross-tenant request refused")
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}

		company, err := s.repos.Tenants.Get(companyID)
		if errors.Is(err, apperrors.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "Company not found")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("company_id", companyID).Msg("company lookup failed")
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, company)
	}
}

// authorizeCompany allows a user to read only their own company.
func authorizeCompany(user *users.User, companyID string) error {
	if companyID != user.CompanyID {
		return apperrors.Wrapf(apperrors.ErrUnauthorizedTenant, "company %s", companyID)
	}
	return nil
}
