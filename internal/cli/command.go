// Package cli is fleetctl: a terminal client for the identity API that keeps
// its session in a local state file.
package cli

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jrsteele09/fleetops-session/auth"
	"github.com/jrsteele09/fleetops-session/client"
	"github.com/jrsteele09/fleetops-session/internal/config"
	"github.com/jrsteele09/fleetops-session/internal/logging"
	"github.com/jrsteele09/fleetops-session/querycache"
	"github.com/jrsteele09/fleetops-session/sessions"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootOptions struct {
	apiURL    string
	stateFile string
	env       string
}

// NewRootCommand builds the fleetctl command tree. Each invocation gets its
// own flag state, so tests can build and run several.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "fleetctl",
		Short:        "FleetOps session client",
		Long:         `fleetctl signs in to the FleetOps identity API, shows the current user and company, and keeps the session alive while you work.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.apiURL, "api", "", "Identity API base URL (default: BASE_URL or http://localhost:8080)")
	cmd.PersistentFlags().StringVar(&opts.stateFile, "state", "", "Session state file (default: STATE_FILE or ./data/session.json)")
	cmd.PersistentFlags().StringVar(&opts.env, "env", "", "Environment, DEV enables debug logging (default: ENV or DEV)")

	cmd.AddCommand(
		newLoginCommand(opts),
		newRegisterCommand(opts),
		newWhoAmICommand(opts),
		newCompanyCommand(opts),
		newWatchCommand(opts),
		newLogoutCommand(opts),
	)
	return cmd
}

// loadConfig layers the command line flags over the environment.
func (o *rootOptions) loadConfig() config.Config {
	v := config.NewViper()
	overrides := map[string]string{
		"BASE_URL":   o.apiURL,
		"STATE_FILE": o.stateFile,
		"ENV":        o.env,
	}
	for key, value := range overrides {
		if value != "" {
			v.Set(key, value)
		}
	}
	return config.NewFromViper(v)
}

// runtime is everything a command needs to talk to the API as the stored
// session.
type runtime struct {
	cfg       config.Config
	api       *client.Client
	store     *sessions.FileStore
	cache     *querycache.Cache
	service   *auth.Service
	navigator *terminalNavigator
}

func (o *rootOptions) newRuntime(out io.Writer, serviceOptions ...auth.ServiceOption) (*runtime, error) {
	cfg := o.loadConfig()
	logging.Setup(cfg.GetEnv())

	api, err := client.New(cfg.GetBaseURL())
	if err != nil {
		return nil, err
	}
	store, err := sessions.NewFileStore(cfg.GetStateFile())
	if err != nil {
		return nil, err
	}
	cache := querycache.New()
	nav := newTerminalNavigator(out)

	serviceOptions = append([]auth.ServiceOption{auth.WithSessionConfig(cfg)}, serviceOptions...)
	service, err := auth.NewService(api, store, cache, nav, serviceOptions...)
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:       cfg,
		api:       api,
		store:     store,
		cache:     cache,
		service:   service,
		navigator: nav,
	}, nil
}

// requireUser runs the identity check and fails when nobody is signed in.
func (r *runtime) requireUser(ctx context.Context) error {
	if r.service.Init(ctx) == nil {
		return fmt.Errorf("not signed in, run `fleetctl login`")
	}
	return nil
}

// terminalNavigator stands in for the browser reload: it tells the user the
// session is over and signals anyone waiting on Ended.
type terminalNavigator struct {
	out   io.Writer
	once  sync.Once
	ended chan struct{}
}

var _ auth.Navigator = (*terminalNavigator)(nil)

func newTerminalNavigator(out io.Writer) *terminalNavigator {
	return &terminalNavigator{out: out, ended: make(chan struct{})}
}

func (n *terminalNavigator) Reload(path string) {
	n.once.Do(func() {
		fmt.Fprintf(n.out, "Signed out. Sign in again with `fleetctl login` (%s).\n", path)
		close(n.ended)
	})
}

func (n *terminalNavigator) Ended() <-chan struct{} {
	return n.ended
}

// bindEnv lets a flag fall back to an environment variable.
func bindEnv(cmd *cobra.Command, flag, env string) {
	v := viper.New()
	_ = v.BindEnv(flag, env)
	if value := v.GetString(flag); value != "" && !cmd.Flags().Changed(flag) {
		_ = cmd.Flags().Set(flag, value)
	}
}
