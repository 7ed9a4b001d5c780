package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/ssoctl/pkg/session"
	"github.com/telekom/ssoctl/pkg/ssoctl/config"
	"github.com/telekom/ssoctl/pkg/ssoctl/output"
)

// defaultOIDCRegion labels sessions of generic OIDC profiles, which have no
// regional endpoints.
const defaultOIDCRegion = "global"

func NewLoginCommand() *cobra.Command {
	var (
		region   string
		startURL string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with the device authorization flow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, func(ctx context.Context, rt *runtimeState, ctrl *session.Controller) error {
				profile, err := rt.Profile()
				if err != nil {
					return err
				}
				region, startURL = loginTarget(profile, region, startURL)

				if st := ctrl.Status(); st.Authenticated && !force && sameTarget(st, region, startURL) {
					_, _ = fmt.Fprintf(rt.Writer(), "Already logged in to %s (%s remaining)\n", st.StartURL, output.FormatRemaining(st.Remaining))
					return nil
				}
				if err := ctrl.Login(ctx, region, startURL); err != nil {
					return err
				}

				if profile.Region != region || profile.StartURL != startURL {
					profile.Region = region
					profile.StartURL = startURL
					if err := rt.SaveProfile(profile); err != nil {
						_, _ = fmt.Fprintf(rt.ErrWriter(), "Warning: could not save profile: %v\n", err)
					}
				}
				st := ctrl.Status()
				_, _ = fmt.Fprintf(rt.Writer(), "Logged in to %s (session valid for %s)\n", st.StartURL, output.FormatRemaining(st.Remaining))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "Identity provider region (defaults to the profile)")
	cmd.Flags().StringVar(&startURL, "start-url", "", "SSO start URL (defaults to the profile)")
	cmd.Flags().BoolVar(&force, "force", false, "Log in again even if a session is active")
	return cmd
}

// loginTarget fills region and startURL from the profile when not given.
func loginTarget(p config.Profile, region, startURL string) (string, string) {
	if region == "" {
		region = p.Region
	}
	if startURL == "" {
		startURL = p.StartURL
	}
	if p.ProviderOrDefault() == config.ProviderOIDC {
		if region == "" {
			region = defaultOIDCRegion
		}
		if startURL == "" {
			startURL = p.Issuer
		}
	}
	return region, startURL
}

func NewLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget the client registration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, func(ctx context.Context, rt *runtimeState, ctrl *session.Controller) error {
				if err := ctrl.Logout(ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(rt.Writer(), "Logged out")
				return nil
			})
		},
	}
}

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, func(_ context.Context, rt *runtimeState, ctrl *session.Controller) error {
				format, err := rt.OutputFormat()
				if err != nil {
					return err
				}
				st := ctrl.Status()
				if format == output.FormatTable {
					output.WriteStatusTable(rt.Writer(), st)
					return nil
				}
				return output.WriteObject(rt.Writer(), format, st)
			})
		},
	}
}

// withController runs fn with the profile's controller and flushes the event
// sinks afterwards.
func withController(cmd *cobra.Command, fn func(ctx context.Context, rt *runtimeState, ctrl *session.Controller) error) error {
	rt, err := getRuntime(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	ctrl, err := rt.Controller(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			_, _ = fmt.Fprintf(rt.ErrWriter(), "Warning: %v\n", cerr)
		}
	}()
	return fn(ctx, rt, ctrl)
}
