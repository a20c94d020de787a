// Package server is the reference identity API: login, register, logout,
// the identity endpoint the client checks on start, and a tenant-scoped
// company read.
package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/fleetops-session/internal/config"
	"github.com/jrsteele09/fleetops-session/server/loginsession"
	"github.com/jrsteele09/fleetops-session/tenants"
	"github.com/jrsteele09/fleetops-session/token"
	"github.com/jrsteele09/fleetops-session/users"
	"github.com/rs/zerolog/log"
)

// Repos holds all repository dependencies for the Server
type Repos struct {
	Users    users.UserRepo
	Tenants  tenants.Repo
	Sessions loginsession.Repo
}

type Server struct {
	env     string // Environment (e.g., "DEV", "PROD")
	mux     *http.ServeMux
	routes  []string
	config  config.Config
	repos   Repos
	tokens  *token.Manager
	nowTime func() time.Time
}

// ServerOption defines a function type to modify the Server instance.
type ServerOption func(*Server)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ServerOption {
	return func(s *Server) {
		s.nowTime = nowFunc
	}
}

func New(config config.Config, repos Repos, tokens *token.Manager, options ...ServerOption) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("[Server New] config is required")
	}
	if repos.Users == nil || repos.Tenants == nil || repos.Sessions == nil {
		return nil, fmt.Errorf("[Server New] users, tenants and sessions repos are required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("[Server New] token manager is required")
	}
	// Server credentials are absolute caps and must outlive the client's
	// sliding inactivity window.
	if window := config.GetSessionTimeout(); config.GetServerSessionMaxAge() <= window || tokens.Expiry() <= window {
		return nil, fmt.Errorf("[Server New] session max age %v and token expiry %v must exceed the session timeout %v",
			config.GetServerSessionMaxAge(), tokens.Expiry(), window)
	}

	s := &Server{
		mux:     http.NewServeMux(),
		config:  config,
		repos:   repos,
		tokens:  tokens,
		nowTime: time.Now,
	}
	s.env = config.GetEnv()
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Routes returns the registered route patterns.
func (s *Server) Routes() []string {
	return append([]string(nil), s.routes...)
}

// CleanupExpiredSessions removes server sessions and revoked token entries
// that have expired.
func (s *Server) CleanupExpiredSessions() (int, error) {
	removed, err := s.repos.Sessions.DeleteExpired(s.nowTime())
	if err != nil {
		return 0, fmt.Errorf("[Server CleanupExpiredSessions] %w", err)
	}
	revoked := s.tokens.CleanupRevokedTokens()
	log.Debug().Int("sessions", removed).Int("revoked_tokens", revoked).Msg("expired sessions cleaned up")
	return removed, nil
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	log.Debug().Msgf("[%-19s] %s", colourMethod(method), path)
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
