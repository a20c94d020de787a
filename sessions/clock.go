package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the sliding inactivity window.
	DefaultTimeout = 2 * time.Hour

	// DefaultWarningBefore is how long before expiry the closing-soon notice is raised.
	DefaultWarningBefore = 5 * time.Minute

	// DefaultPollInterval is how often CheckSession runs while authenticated.
	DefaultPollInterval = time.Minute

	// DefaultActivityThrottle is the minimum spacing between accepted activity events.
	DefaultActivityThrottle = time.Second
)

// ActivityKind is the class of user interaction that counts as activity.
type ActivityKind string

const (
	ActivityPointerDown ActivityKind = "pointerdown"
	ActivityPointerMove ActivityKind = "pointermove"
	ActivityKeyPress    ActivityKind = "keypress"
	ActivityScroll      ActivityKind = "scroll"
	ActivityTouchStart  ActivityKind = "touchstart"
	ActivityClick       ActivityKind = "click"
)

// ActivityKinds lists every interaction class that extends the session.
var ActivityKinds = []ActivityKind{
	ActivityPointerDown, ActivityPointerMove, ActivityKeyPress,
	ActivityScroll, ActivityTouchStart, ActivityClick,
}

func (k ActivityKind) valid() bool {
	for _, a := range ActivityKinds {
		if a == k {
			return true
		}
	}
	return false
}

// SessionState is the outcome of a session check.
type SessionState int

const (
	// SessionActive indicates the session is valid and not near expiry.
	SessionActive SessionState = iota
	// SessionWarning indicates the session expires within the warning window.
	SessionWarning
	// SessionExpired indicates the expiry horizon has passed.
	SessionExpired
	// SessionInvalid indicates durable storage holds no usable session.
	SessionInvalid
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "ACTIVE"
	case SessionWarning:
		return "WARNING"
	case SessionExpired:
		return "EXPIRED"
	case SessionInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// RequiresLogout reports whether the state ends the session.
func (s SessionState) RequiresLogout() bool {
	return s == SessionExpired || s == SessionInvalid
}

// Notifier receives the user-visible session notices.
type Notifier interface {
	SessionExpiring(remaining time.Duration)
	SessionExpired()
}

// LogoutFunc forces a logout. reason is ErrSessionExpired or the storage error.
type LogoutFunc func(ctx context.Context, reason error)

// ErrSessionExpired is passed to the LogoutFunc when the expiry horizon passes.
var ErrSessionExpired = errors.New("session expired")

// Clock enforces the rolling inactivity timeout. The durable session's
// expiresAt is the single authoritative deadline; lastActivityAt only drives
// the warning reset.
type Clock struct {
	store         Store
	logout        LogoutFunc
	notifier      Notifier
	timeout       time.Duration
	warningBefore time.Duration
	pollInterval  time.Duration
	limiter       *rate.Limiter
	nowTime       func() time.Time

	mu             sync.Mutex
	lastActivityAt time.Time
	warningShown   bool

	stopOnce sync.Once
	stopped  chan struct{}
}

type ClockOption func(*Clock)

// WithClockNowTime sets the now time function (primarily for testing)
func WithClockNowTime(nowFunc func() time.Time) ClockOption {
	return func(c *Clock) {
		c.nowTime = nowFunc
	}
}

func WithTimeout(timeout, warningBefore time.Duration) ClockOption {
	return func(c *Clock) {
		c.timeout = timeout
		c.warningBefore = warningBefore
	}
}

func WithPollInterval(interval time.Duration) ClockOption {
	return func(c *Clock) {
		c.pollInterval = interval
	}
}

// WithActivityThrottle sets the minimum spacing between accepted activity
// events. Zero accepts every event.
func WithActivityThrottle(every time.Duration) ClockOption {
	return func(c *Clock) {
		if every <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
}

func WithNotifier(n Notifier) ClockOption {
	return func(c *Clock) {
		c.notifier = n
	}
}

func NewClock(store Store, logout LogoutFunc, options ...ClockOption) (*Clock, error) {
	if store == nil {
		return nil, errors.New("[NewClock] store is required")
	}
	if logout == nil {
		return nil, errors.New("[NewClock] logout is required")
	}
	c := &Clock{
		store:         store,
		logout:        logout,
		notifier:      LogNotifier{},
		timeout:       DefaultTimeout,
		warningBefore: DefaultWarningBefore,
		pollInterval:  DefaultPollInterval,
		limiter:       rate.NewLimiter(rate.Every(DefaultActivityThrottle), 1),
		nowTime:       time.Now,
		stopped:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.timeout <= 0 || c.pollInterval <= 0 {
		return nil, fmt.Errorf("[NewClock] timeout and poll interval must be positive")
	}
	if c.warningBefore < 0 || c.warningBefore >= c.timeout {
		return nil, fmt.Errorf("[NewClock] warning lead %v must be within timeout %v", c.warningBefore, c.timeout)
	}
	c.lastActivityAt = c.nowTime()
	return c, nil
}

// Timeout returns the sliding window length.
func (c *Clock) Timeout() time.Duration {
	return c.timeout
}

// RecordActivity registers a user interaction. Events arriving faster than
// the throttle are dropped and false is returned. An accepted event moves
// lastActivityAt forward, clears the warning and slides the durable expiry to
// now + timeout.
func (c *Clock) RecordActivity(kind ActivityKind) bool {
	if !kind.valid() {
		return false
	}
	now := c.nowTime()
	if !c.limiter.AllowN(now, 1) {
		return false
	}

	c.mu.Lock()
	if now.After(c.lastActivityAt) {
		c.lastActivityAt = now
	}
	c.warningShown = false
	c.mu.Unlock()

	expiry, err := Extend(c.store, now.Add(c.timeout))
	switch {
	case errors.Is(err, ErrNoSession):
		// not logged in; nothing to slide
	case err != nil:
		log.Warn().Err(err).Str("activity", string(kind)).Msg("failed to extend session")
	default:
		logSessionEvent("SESSION_EXTENDED").Str("activity", string(kind)).Time("expires_at", expiry).Send()
	}
	return true
}

// CheckSession evaluates the durable session once. A missing, malformed or
// expired session forces logout; a session inside the warning window raises
// the closing-soon notice once per activity cycle. A stopped clock reports
// SessionInvalid without acting.
func (c *Clock) CheckSession(ctx context.Context) SessionState {
	select {
	case <-c.stopped:
		return SessionInvalid
	default:
	}
	now := c.nowTime()
	s, err := Load(c.store)
	if err != nil {
		logSessionEvent("SESSION_INVALID").Err(err).Send()
		c.logout(ctx, err)
		return SessionInvalid
	}

	remaining := s.Remaining(now)
	if s.Expired(now) {
		logSessionEvent("SESSION_EXPIRED").Str("user_id", s.User.ID).Time("expired_at", s.Expiry()).Send()
		c.notifier.SessionExpired()
		c.logout(ctx, ErrSessionExpired)
		return SessionExpired
	}

	if remaining > c.warningBefore {
		return SessionActive
	}

	c.mu.Lock()
	notify := !c.warningShown
	c.warningShown = true
	c.mu.Unlock()

	if notify {
		logSessionEvent("SESSION_WARNING").Str("user_id", s.User.ID).Dur("expires_in", remaining).Send()
		c.notifier.SessionExpiring(remaining)
	}
	return SessionWarning
}

// Run calls CheckSession every poll interval until ctx is cancelled, Stop is
// called, or a check ends the session.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped:
			return nil
		case <-ticker.C:
			if c.CheckSession(ctx).RequiresLogout() {
				return nil
			}
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

func (c *Clock) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivityAt
}

func (c *Clock) WarningShown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warningShown
}

// LogNotifier writes session notices to the log.
type LogNotifier struct{}

func (LogNotifier) SessionExpiring(remaining time.Duration) {
	log.Warn().Dur("remaining", remaining).Msg("Your session will close soon due to inactivity")
}

func (LogNotifier) SessionExpired() {
	log.Warn().Msg("Your session has expired. Please log in again")
}

func logSessionEvent(event string) *zerolog.Event {
	return log.Info().Str("event", event)
}
