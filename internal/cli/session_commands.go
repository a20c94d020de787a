package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jrsteele09/fleetops-session/auth"
	"github.com/jrsteele09/fleetops-session/querycache"
	"github.com/jrsteele09/fleetops-session/sessions"
	"github.com/jrsteele09/fleetops-session/tenants"
	"github.com/jrsteele09/fleetops-session/users"
	"github.com/spf13/cobra"
)

const passwordEnv = "FLEETCTL_PASSWORD"

// companyKey is the unscoped cache key of the company read.
var companyKey = querycache.Key{"api", "company"}

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var creds users.Credentials
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		PreRun: func(cmd *cobra.Command, args []string) {
			bindEnv(cmd, "password", passwordEnv)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.newRuntime(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.service.Close()

			user, err := rt.service.Login(cmd.Context(), creds)
			if err != nil {
				return err
			}
			return printSignedIn(cmd.OutOrStdout(), rt, user)
		},
	}
	cmd.Flags().StringVar(&creds.Email, "email", "", "Account email")
	cmd.Flags().StringVar(&creds.Password, "password", "", "Account password (or "+passwordEnv+")")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCommand(opts *rootOptions) *cobra.Command {
	var reg users.Registration
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a company and its owner account, then sign in",
		PreRun: func(cmd *cobra.Command, args []string) {
			bindEnv(cmd, "password", passwordEnv)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.newRuntime(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.service.Close()

			user, err := rt.service.Register(cmd.Context(), reg)
			if err != nil {
				return err
			}
			return printSignedIn(cmd.OutOrStdout(), rt, user)
		},
	}
	cmd.Flags().StringVar(&reg.Email, "email", "", "Account email")
	cmd.Flags().StringVar(&reg.Password, "password", "", "Account password (or "+passwordEnv+")")
	cmd.Flags().StringVar(&reg.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&reg.LastName, "last-name", "", "Last name")
	cmd.Flags().StringVar(&reg.CompanyName, "company", "", "Company name")
	cmd.Flags().StringVar(&reg.Phone, "phone", "", "Company phone")
	cmd.Flags().StringVar(&reg.Address, "address", "", "Company address")
	for _, name := range []string{"email", "first-name", "last-name", "company"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newWhoAmICommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed in user and when the session expires",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.newRuntime(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.service.Close()

			if err := rt.requireUser(cmd.Context()); err != nil {
				return err
			}
			return printSignedIn(cmd.OutOrStdout(), rt, rt.service.CurrentUser())
		},
	}
}

func newCompanyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "company",
		Short: "Show the signed in user's company",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.newRuntime(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.service.Close()

			ctx := cmd.Context()
			if err := rt.requireUser(ctx); err != nil {
				return err
			}
			key, err := tenants.NewScope(rt.service).EnsureTenantScope(companyKey)
			if err != nil {
				return err
			}
			company, err := querycache.FetchAs(ctx, rt.cache, key, querycache.FetchOptions{StaleTime: time.Minute},
				func(ctx context.Context) (*tenants.Tenant, error) {
					return rt.api.Company(ctx, key)
				})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Company:\t%s\n", company.Name)
			fmt.Fprintf(w, "ID:\t%s\n", company.ID)
			if company.Phone != "" {
				fmt.Fprintf(w, "Phone:\t%s\n", company.Phone)
			}
			if company.Address != "" {
				fmt.Fprintf(w, "Address:\t%s\n", company.Address)
			}
			return w.Flush()
		},
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session open while you type",
		Long: `Watch runs the inactivity clock in the foreground. Every line read from
standard input counts as activity and slides the session expiry. The command
ends when the session expires or on interrupt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.newRuntime(cmd.OutOrStdout(), auth.WithNotifier(&terminalNotifier{out: cmd.OutOrStdout()}))
			if err != nil {
				return err
			}
			defer rt.service.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := rt.requireUser(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Watching session for %s. Press Enter to stay signed in.\n", rt.service.CurrentUser().Email)

			go forwardActivity(ctx, cmd.InOrStdin(), rt.service)

			select {
			case <-ctx.Done():
			case <-rt.navigator.Ended():
			}
			return nil
		},
	}
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session on the server and remove local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.newRuntime(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			// Restores the stored token so the server session can be ended.
			rt.service.Init(cmd.Context())
			rt.service.Logout(cmd.Context())
			return nil
		},
	}
}

func forwardActivity(ctx context.Context, in io.Reader, service *auth.Service) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		service.RecordActivity(sessions.ActivityKeyPress)
	}
}

func printSignedIn(out io.Writer, rt *runtime, user *users.User) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Signed in as:\t%s <%s>\n", user.FullName(), user.Email)
	fmt.Fprintf(w, "Role:\t%s\n", user.Role)
	fmt.Fprintf(w, "Company ID:\t%s\n", user.CompanyID)
	if sess, err := sessions.Load(rt.store); err == nil {
		fmt.Fprintf(w, "Session expires:\t%s\n", sess.Expiry().Local().Format(time.RFC1123))
	}
	return w.Flush()
}

// terminalNotifier prints the closing-soon and expired notices.
type terminalNotifier struct {
	out io.Writer
}

var _ sessions.Notifier = (*terminalNotifier)(nil)

func (n *terminalNotifier) SessionExpiring(remaining time.Duration) {
	fmt.Fprintf(n.out, "Your session will close in %s due to inactivity. Press Enter to stay signed in.\n", remaining.Round(time.Second))
}

func (n *terminalNotifier) SessionExpired() {
	fmt.Fprintln(n.out, "Your session has expired. Please log in again.")
}
