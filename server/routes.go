package server

import "net/http"

func (s *Server) initRoutes() {
	s.RegisterRouteHandler("OPTIONS "+RouteAPIPrefix, ChainMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, s.APIMiddleware()...))

	// Identity must never be served from an intermediary cache
	s.RegisterRouteHandler("GET "+RouteAuthUser, ChainMiddleware(s.IdentityHandler(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteAuthRegister, ChainMiddleware(s.RegisterHandler(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.APIMiddleware(s.NoStoreMiddleware)...))

	s.RegisterRouteHandler("GET "+RouteCompany, ChainMiddleware(s.CompanyHandler(), s.APIMiddleware(s.RequireAuth)...))
}
