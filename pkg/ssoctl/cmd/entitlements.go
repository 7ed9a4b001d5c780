package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/telekom/ssoctl/pkg/session"
	"github.com/telekom/ssoctl/pkg/ssoctl/output"
)

func NewAccountsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the accounts of the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, func(ctx context.Context, rt *runtimeState, ctrl *session.Controller) error {
				format, err := rt.OutputFormat()
				if err != nil {
					return err
				}
				accounts, err := ctrl.Accounts(ctx)
				if err != nil {
					return err
				}
				if format == output.FormatTable {
					output.WriteAccountTable(rt.Writer(), accounts)
					return nil
				}
				return output.WriteObject(rt.Writer(), format, accounts)
			})
		},
	}
}

func NewRolesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "roles ACCOUNT_ID",
		Short: "List the roles available in an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd, func(ctx context.Context, rt *runtimeState, ctrl *session.Controller) error {
				format, err := rt.OutputFormat()
				if err != nil {
					return err
				}
				roles, err := ctrl.Roles(ctx, args[0])
				if err != nil {
					return err
				}
				if format == output.FormatTable {
					output.WriteRoleTable(rt.Writer(), roles)
					return nil
				}
				return output.WriteObject(rt.Writer(), format, roles)
			})
		},
	}
}

func NewCredentialsCommand() *cobra.Command {
	var formatName string
	cmd := &cobra.Command{
		Use:   "credentials ACCOUNT_ID ROLE",
		Short: "Print temporary credentials for a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := output.ParseFormat(formatName)
			if err != nil {
				return err
			}
			return withController(cmd, func(ctx context.Context, rt *runtimeState, ctrl *session.Controller) error {
				creds, err := ctrl.Credentials(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				switch format {
				case output.FormatEnv:
					output.WriteCredentialsEnv(rt.Writer(), *creds, ctrl.Region())
					return nil
				case output.FormatTable:
					output.WriteCredentialsTable(rt.Writer(), *creds)
					return nil
				default:
					return output.WriteObject(rt.Writer(), format, creds)
				}
			})
		},
	}
	cmd.Flags().StringVar(&formatName, "format", string(output.FormatEnv), "Credential format: env, json, yaml, table")
	return cmd
}
