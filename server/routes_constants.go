package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Auth API
	RouteAuthUser     = "/api/auth/user"
	RouteAuthLogin    = "/api/auth/login"
	RouteAuthRegister = "/api/auth/register"
	RouteAuthLogout   = "/api/auth/logout"

	// Tenant-scoped API
	RouteCompany = "/api/company"

	// Preflight for every API route
	RouteAPIPrefix = "/api/"
)

const (
	// sessionCookieName is the HTTP-only cookie carrying the server session id
	sessionCookieName = "session_id"
)
