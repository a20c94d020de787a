package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	tokenSecretVar = "TOKEN_SECRET"
	tokenExpiryVar = "TOKEN_EXPIRY"
	tokenIssuerVar = "TOKEN_ISSUER"
)

type TokenConfig interface {
	GetTokenSecret() string
	GetTokenExpiry() time.Duration
	GetTokenIssuer() string
}

type Token struct {
	v *viper.Viper
}

var _ TokenConfig = Token{}

// GetTokenSecret returns the HMAC secret. Empty means the server generates one
// at startup, which invalidates issued tokens on restart.
func (t Token) GetTokenSecret() string {
	return t.v.GetString(tokenSecretVar)
}

func (t Token) GetTokenExpiry() time.Duration {
	return t.v.GetDuration(tokenExpiryVar)
}

func (t Token) GetTokenIssuer() string {
	return t.v.GetString(tokenIssuerVar)
}
