package config

import "github.com/spf13/viper"

const (
	demoEmailVar    = "DEMO_EMAIL"
	demoPasswordVar = "DEMO_PASSWORD"
	demoCompanyVar  = "DEMO_COMPANY"
)

// SeedConfig describes the demo account created when the server starts.
// An empty email disables seeding.
type SeedConfig interface {
	GetDemoEmail() string
	GetDemoPassword() string
	GetDemoCompany() string
}

type Seed struct {
	v *viper.Viper
}

var _ SeedConfig = Seed{}

func (s Seed) GetDemoEmail() string {
	return s.v.GetString(demoEmailVar)
}

// GetDemoPassword returns the configured password. Empty means one is
// generated and logged at startup.
func (s Seed) GetDemoPassword() string {
	return s.v.GetString(demoPasswordVar)
}

func (s Seed) GetDemoCompany() string {
	return s.v.GetString(demoCompanyVar)
}
