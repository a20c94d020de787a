// Package auth owns the client's authenticated user: the identity check on
// start, login, register and logout, and the inactivity clock that runs while
// a user is signed in.
package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jrsteele09/fleetops-session/client"
	"github.com/jrsteele09/fleetops-session/internal/config"
	"github.com/jrsteele09/fleetops-session/querycache"
	"github.com/jrsteele09/fleetops-session/sessions"
	"github.com/jrsteele09/fleetops-session/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// LoginPath is where the user is sent after logout.
const LoginPath = "/login"

const logoutCallTimeout = 5 * time.Second

// IdentityKey is the request cache key of the identity query.
var IdentityKey = querycache.Key{"api", "auth", "user"}

// Cache entries dropped when a user signs in, before the identity entry is
// primed, so nothing fetched for a previous user survives.
var loginInvalidations = []querycache.Key{
	{"api"},
}

// Cache entries dropped on logout. The empty key matches everything.
var logoutInvalidations = []querycache.Key{
	{},
}

// API is the identity API as seen by the Service. *client.Client implements it.
type API interface {
	FetchIdentity(ctx context.Context) (*client.IdentityResult, error)
	Login(ctx context.Context, creds users.Credentials) (*client.AuthResponse, error)
	Register(ctx context.Context, reg users.Registration) (*client.AuthResponse, error)
	Logout(ctx context.Context) error
	SetToken(token string)
	ResetCredentials()
}

var _ API = (*client.Client)(nil)

// Navigator performs the full reload that ends a session. Everything held in
// memory is expected to be discarded by it.
type Navigator interface {
	Reload(path string)
}

// Service is the authenticated session. Create one per application run.
type Service struct {
	api       API
	store     sessions.Store
	cache     *querycache.Cache
	navigator Navigator
	notifier  sessions.Notifier

	nowTime          func() time.Time
	timeout          time.Duration
	warningBefore    time.Duration
	pollInterval     time.Duration
	activityThrottle time.Duration
	clockOptions     []sessions.ClockOption

	mu        sync.RWMutex
	user      *users.User
	epoch     uint64
	loggedOut bool
	clock     *sessions.Clock

	readyOnce sync.Once
	ready     chan struct{}
}

// ServiceOption defines a function type to modify the Service instance.
type ServiceOption func(*Service)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

// WithSessionConfig applies the session timings from configuration.
func WithSessionConfig(cfg config.SessionConfig) ServiceOption {
	return func(s *Service) {
		s.timeout = cfg.GetSessionTimeout()
		s.warningBefore = cfg.GetSessionWarningBefore()
		s.pollInterval = cfg.GetSessionPollInterval()
		s.activityThrottle = cfg.GetActivityThrottle()
	}
}

// WithNotifier sets where session notices go, both from the clock and from
// an identity check that finds the stored session already expired.
func WithNotifier(n sessions.Notifier) ServiceOption {
	return func(s *Service) {
		s.notifier = n
		s.clockOptions = append(s.clockOptions, sessions.WithNotifier(n))
	}
}

// WithClockOptions passes extra options to every session clock the service
// starts.
func WithClockOptions(options ...sessions.ClockOption) ServiceOption {
	return func(s *Service) {
		s.clockOptions = append(s.clockOptions, options...)
	}
}

// NewService wires the session to its API, durable store, request cache and
// navigator. Call Init to run the first identity check.
func NewService(api API, store sessions.Store, cache *querycache.Cache, navigator Navigator, options ...ServiceOption) (*Service, error) {
	if api == nil {
		return nil, errors.New("[NewService] api is required")
	}
	if store == nil {
		return nil, errors.New("[NewService] store is required")
	}
	if cache == nil {
		return nil, errors.New("[NewService] cache is required")
	}
	if navigator == nil {
		return nil, errors.New("[NewService] navigator is required")
	}

	s := &Service{
		api:              api,
		store:            store,
		cache:            cache,
		navigator:        navigator,
		notifier:         sessions.LogNotifier{},
		nowTime:          time.Now,
		timeout:          sessions.DefaultTimeout,
		warningBefore:    sessions.DefaultWarningBefore,
		pollInterval:     sessions.DefaultPollInterval,
		activityThrottle: sessions.DefaultActivityThrottle,
		ready:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.timeout <= 0 {
		return nil, errors.New("[NewService] session timeout must be positive")
	}
	return s, nil
}

// CurrentUser returns the authenticated user, or nil.
func (s *Service) CurrentUser() *users.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Service) IsAuthenticated() bool {
	return s.CurrentUser() != nil
}

// Loading is true until the first identity check has resolved. It never
// becomes true again for this Service.
func (s *Service) Loading() bool {
	select {
	case <-s.ready:
		return false
	default:
		return true
	}
}

// WaitReady blocks until Loading is false or ctx is done.
func (s *Service) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init restores the bearer token of a stored session, if any, and runs the
// identity check.
func (s *Service) Init(ctx context.Context) *users.User {
	sess, err := sessions.Load(s.store)
	switch {
	case err == nil:
		if sess.Token != "" {
			s.api.SetToken(sess.Token)
		}
	case errors.Is(err, sessions.ErrMalformed):
		log.Warn().Err(err).Msg("discarded malformed local session")
	case !errors.Is(err, sessions.ErrNoSession):
		log.Error().Err(err).Msg("failed to read local session")
	}
	return s.Refetch(ctx)
}

// Refetch runs the identity query against the server, never the cache. The
// result replaces the current user: an authenticated answer is written back
// to durable storage, anything else clears it. A result that arrives after a
// logout is ignored.
func (s *Service) Refetch(ctx context.Context) *users.User {
	defer s.markReady()

	s.mu.RLock()
	epoch := s.epoch
	s.mu.RUnlock()

	res, err := querycache.FetchAs(ctx, s.cache, IdentityKey, querycache.FetchOptions{}, s.api.FetchIdentity)
	switch {
	case errors.Is(err, querycache.ErrDiscarded), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Debug().Err(err).Msg("identity check abandoned")
		return s.CurrentUser()
	case err != nil:
		log.Warn().Err(err).Msg("identity check failed, clearing local session")
		s.clearIdentity(epoch)
		return nil
	case res.Status != client.Authenticated:
		log.Debug().Msg("identity check: not authenticated")
		s.clearIdentity(epoch)
		return nil
	}

	s.mu.Lock()
	if s.epoch != epoch {
		user := s.user
		s.mu.Unlock()
		return user
	}
	now := s.nowTime()
	sess, err := sessions.Reconcile(s.store, res.User, now.Add(s.timeout))
	if err != nil {
		log.Error().Err(err).Msg("failed to store confirmed identity")
	} else if sess.Expired(now) {
		s.mu.Unlock()
		s.expire(ctx, sess)
		return nil
	}
	s.authenticateLocked(res.User)
	s.mu.Unlock()
	return res.User
}

// expire ends a session whose stored expiry has already passed, even though
// the server still recognises the user.
func (s *Service) expire(ctx context.Context, sess *sessions.Session) {
	log.Info().
		Str("event", "SESSION_EXPIRED").
		Str("user_id", sess.User.ID).
		Time("expired_at", sess.Expiry()).
		Msg("stored session already expired")
	if err := sessions.Remove(s.store); err != nil {
		log.Error().Err(err).Msg("failed to remove expired session")
	}
	s.notifier.SessionExpired()
	s.Logout(ctx)
}

// Login signs in with credentials. On success the session is stored with a
// fresh expiry, the identity cache entry is primed and the token is attached
// to later requests. On failure nothing local changes.
func (s *Service) Login(ctx context.Context, creds users.Credentials) (*users.User, error) {
	if err := creds.Validate(); err != nil {
		return nil, errors.Wrap(err, "[Service.Login] invalid credentials")
	}
	resp, err := s.api.Login(ctx, creds)
	if err != nil {
		return nil, mutationError("[Service.Login]", err)
	}
	if err := s.establish(resp); err != nil {
		return nil, errors.Wrap(err, "[Service.Login]")
	}
	log.Info().Str("user_id", resp.User.ID).Str("company_id", resp.User.CompanyID).Msg("logged in")
	return resp.User, nil
}

// Register creates a company with its owner account and signs that user in,
// on the same terms as Login.
func (s *Service) Register(ctx context.Context, reg users.Registration) (*users.User, error) {
	if err := reg.Validate(); err != nil {
		return nil, errors.Wrap(err, "[Service.Register] invalid registration")
	}
	resp, err := s.api.Register(ctx, reg)
	if err != nil {
		return nil, mutationError("[Service.Register]", err)
	}
	if err := s.establish(resp); err != nil {
		return nil, errors.Wrap(err, "[Service.Register]")
	}
	log.Info().Str("user_id", resp.User.ID).Str("company_id", resp.User.CompanyID).Msg("registered")
	return resp.User, nil
}

// Logout ends the session: a best-effort server call, then every durable key,
// cache entry, in-flight request and credential is dropped and the navigator
// reloads the login page. Calls after the first in an authenticated period do
// nothing.
func (s *Service) Logout(ctx context.Context) {
	s.mu.Lock()
	if s.loggedOut {
		s.mu.Unlock()
		return
	}
	s.loggedOut = true
	s.epoch++
	userID := ""
	if s.user != nil {
		userID = s.user.ID
	}
	s.user = nil
	clock := s.clock
	s.clock = nil
	s.mu.Unlock()

	if clock != nil {
		clock.Stop()
	}
	s.cache.CancelAll()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutCallTimeout)
	if err := s.api.Logout(callCtx); err != nil {
		log.Warn().Err(err).Msg("server logout failed, clearing local session anyway")
	}
	cancel()

	if err := s.store.Clear(); err != nil {
		log.Error().Err(err).Msg("failed to clear durable storage")
	}
	s.cache.Clear()
	s.cache.CancelAll()
	invalidate(s.cache, logoutInvalidations)
	s.api.ResetCredentials()

	log.Info().Str("event", "SESSION_TERMINATED").Str("user_id", userID).Msg("logged out")
	s.navigator.Reload(LoginPath)
}

// RecordActivity forwards a user interaction to the session clock. It
// reports false when no user is signed in or the event was throttled.
func (s *Service) RecordActivity(kind sessions.ActivityKind) bool {
	s.mu.RLock()
	clock := s.clock
	s.mu.RUnlock()
	if clock == nil {
		return false
	}
	return clock.RecordActivity(kind)
}

// CheckSession runs one session check immediately. Without a signed in user
// it reports SessionInvalid and does nothing.
func (s *Service) CheckSession(ctx context.Context) sessions.SessionState {
	s.mu.RLock()
	clock := s.clock
	s.mu.RUnlock()
	if clock == nil {
		return sessions.SessionInvalid
	}
	return clock.CheckSession(ctx)
}

// Close stops the session clock without logging out.
func (s *Service) Close() {
	s.mu.Lock()
	clock := s.clock
	s.clock = nil
	s.mu.Unlock()
	if clock != nil {
		clock.Stop()
	}
}

func (s *Service) establish(resp *client.AuthResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := sessions.NewSession(resp.User, resp.Token, s.nowTime().Add(s.timeout))
	if err := sessions.Save(s.store, sess); err != nil {
		return errors.Wrap(err, "persist session")
	}
	s.api.SetToken(resp.Token)

	invalidate(s.cache, loginInvalidations)
	s.cache.Set(IdentityKey, &client.IdentityResult{Status: client.Authenticated, User: resp.User})

	s.epoch++
	s.authenticateLocked(resp.User)
	return nil
}

// authenticateLocked makes user current and starts a clock for a new
// authenticated period. s.mu must be held.
func (s *Service) authenticateLocked(user *users.User) {
	s.user = user
	s.loggedOut = false
	if s.clock != nil {
		return
	}
	clock, err := s.newClock()
	if err != nil {
		log.Error().Err(err).Msg("failed to start session clock")
		return
	}
	s.clock = clock
	go func() {
		ctx := context.Background()
		if clock.CheckSession(ctx).RequiresLogout() {
			return
		}
		_ = clock.Run(ctx)
	}()
}

func (s *Service) newClock() (*sessions.Clock, error) {
	options := []sessions.ClockOption{
		sessions.WithClockNowTime(s.nowTime),
		sessions.WithTimeout(s.timeout, s.warningBefore),
		sessions.WithPollInterval(s.pollInterval),
		sessions.WithActivityThrottle(s.activityThrottle),
	}
	options = append(options, s.clockOptions...)
	return sessions.NewClock(s.store, s.forceLogout, options...)
}

func (s *Service) forceLogout(ctx context.Context, reason error) {
	log.Info().Err(reason).Msg("session ended by inactivity clock")
	s.Logout(ctx)
}

// clearIdentity drops the local session after a negative or failed identity
// check, unless a login or logout happened meanwhile.
func (s *Service) clearIdentity(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.user = nil
	clock := s.clock
	s.clock = nil
	s.mu.Unlock()

	if clock != nil {
		clock.Stop()
	}
	if err := sessions.Remove(s.store); err != nil {
		log.Error().Err(err).Msg("failed to remove local session")
	}
	s.cache.Invalidate(IdentityKey)
}

func (s *Service) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func invalidate(cache *querycache.Cache, keys []querycache.Key) {
	for _, k := range keys {
		cache.Invalidate(k)
	}
}

func mutationError(op string, err error) error {
	var respErr *client.ResponseError
	isResponse := errors.As(err, &respErr)
	switch {
	case isResponse && respErr.Status >= 400 && respErr.Status < 500:
		return &CredentialsRejectedError{Status: respErr.Status, Message: respErr.Message}
	case isResponse && gatewayStatus(respErr.Status):
		return errors.Wrapf(ErrNetworkUnavailable, "%s status %d", op, respErr.Status)
	case isResponse:
		return errors.Wrapf(err, "%s server error", op)
	case errors.Is(err, client.ErrUnavailable):
		return errors.Wrapf(ErrNetworkUnavailable, "%s %v", op, err)
	default:
		return errors.Wrap(err, op)
	}
}

// gatewayStatus reports statuses produced when the API is unreachable behind
// a proxy.
func gatewayStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
