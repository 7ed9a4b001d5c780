package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/ssoctl/pkg/ssoctl/output"
	"github.com/telekom/ssoctl/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	var formatName string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show ssoctl version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetBuildInfo()

			// runtime is absent when the command runs on its own
			writer := cmd.OutOrStdout()
			if rt, err := getRuntime(cmd); err == nil {
				writer = rt.Writer()
			}

			format, err := output.ParseFormat(formatName)
			if err != nil {
				return err
			}
			if format == output.FormatTable {
				_, _ = fmt.Fprintf(writer, "ssoctl %s (commit: %s, built: %s)\n", info.Version, info.GitCommit, info.BuildDate)
				return nil
			}
			return output.WriteObject(writer, format, info)
		},
	}

	cmd.Flags().StringVarP(&formatName, "output", "o", "", "Output format: json, yaml")

	return cmd
}
