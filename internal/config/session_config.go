package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	sessionTimeoutVar   = "SESSION_TIMEOUT"
	sessionWarningVar   = "SESSION_WARNING_BEFORE"
	sessionPollVar      = "SESSION_POLL_INTERVAL"
	activityThrottleVar = "SESSION_ACTIVITY_THROTTLE"
	serverSessionAgeVar = "SERVER_SESSION_MAX_AGE"
)

type SessionConfig interface {
	GetSessionTimeout() time.Duration
	GetSessionWarningBefore() time.Duration
	GetSessionPollInterval() time.Duration
	GetActivityThrottle() time.Duration
	GetServerSessionMaxAge() time.Duration
}

type Session struct {
	v *viper.Viper
}

var _ SessionConfig = Session{}

// GetSessionTimeout is the sliding inactivity window.
func (s Session) GetSessionTimeout() time.Duration {
	return s.v.GetDuration(sessionTimeoutVar)
}

func (s Session) GetSessionWarningBefore() time.Duration {
	return s.v.GetDuration(sessionWarningVar)
}

func (s Session) GetSessionPollInterval() time.Duration {
	return s.v.GetDuration(sessionPollVar)
}

// GetActivityThrottle is the minimum spacing between accepted activity events.
func (s Session) GetActivityThrottle() time.Duration {
	return s.v.GetDuration(activityThrottleVar)
}

// GetServerSessionMaxAge is the absolute lifetime of a server session. The
// client's sliding window decides inactivity, so this must be longer than
// GetSessionTimeout.
func (s Session) GetServerSessionMaxAge() time.Duration {
	return s.v.GetDuration(serverSessionAgeVar)
}
