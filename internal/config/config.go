package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config interface {
	EnvConfig
	CorsConfig
	SessionConfig
	TokenConfig
	SeedConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetBaseURL() string
	GetStateFile() string
	GetEnv() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	Session
	Token
	Seed
}

// New resolves configuration from the environment, falling back to defaults.
func New() Config {
	return NewFromViper(NewViper())
}

// NewFromViper wraps an existing viper instance, used by tests and the CLI to
// override individual keys.
func NewFromViper(v *viper.Viper) Config {
	setDefaults(v)
	return mainConfig{
		EnvVars: EnvVars{v: v},
		Cors:    Cors{v: v},
		Session: Session{v: v},
		Token:   Token{v: v},
		Seed:    Seed{v: v},
	}
}

// NewViper returns a viper instance reading the process environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(portEnvVar, "8080")
	v.SetDefault(appNameVar, "FleetOps Auth")
	v.SetDefault(baseURLVar, "http://localhost:8080")
	v.SetDefault(stateFileVar, "./data/session.json")
	v.SetDefault(envVar, "DEV")

	v.SetDefault(allowedOriginsVar, "http://localhost:5173")

	v.SetDefault(sessionTimeoutVar, 2*time.Hour)
	v.SetDefault(sessionWarningVar, 5*time.Minute)
	v.SetDefault(sessionPollVar, time.Minute)
	v.SetDefault(activityThrottleVar, time.Second)
	v.SetDefault(serverSessionAgeVar, 12*time.Hour)

	v.SetDefault(tokenSecretVar, "")
	v.SetDefault(tokenExpiryVar, 12*time.Hour)
	v.SetDefault(tokenIssuerVar, "fleetops")

	v.SetDefault(demoEmailVar, "")
	v.SetDefault(demoPasswordVar, "")
	v.SetDefault(demoCompanyVar, "Demo Haulage")
}
