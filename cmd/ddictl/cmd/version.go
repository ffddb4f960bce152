package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kawamuray/ddi/internal/cli"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Show ddictl and, when reachable, ddid version information.

Examples:
  ddictl version
  ddictl version -o json`,
	RunE: runVersion,
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := &cli.VersionInfo{
		ClientVersion: cli.Version,
	}

	if client != nil {
		ctx, cancel := getContext()
		v, err := client.Version(ctx)
		cancel()
		if err == nil {
			info.ServerVersion = v.Version
		}
	}

	return formatter.FormatVersion(info)
}
