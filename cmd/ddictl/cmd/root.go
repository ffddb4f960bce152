// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// GLOBAL FLAGS:
//   --server, -s    Daemon URL (default: http://localhost:7070)
//   --host, -H      Known host from the config file
//   --output, -o    Output format: table, json, yaml (default: table)
//   --timeout       Request timeout, e.g. 10s (default: 30s)
//
// SUBCOMMANDS:
//   targets     List targets
//   describe    Show one target
//   status      Print the INFO or TABLE status line
//   devices     Show backing devices
//   delay       Read or change a delay
//   attrs       List control attributes
//   suspend     Drain a target
//   resume      Resume a drained target
//   probe       Measure latency through a target
//   health      Check the daemon
//   config      Manage CLI configuration
//   version     Show version information
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kawamuray/ddi/internal/cli"
)

var (
	// Global flags
	serverFlag  string
	hostFlag    string
	outputFlag  string
	timeoutFlag time.Duration

	// Shared instances
	client    *cli.Client
	formatter *cli.Formatter
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "ddictl",
	Short: "Control a disk delay injection daemon",
	Long: `ddictl - inspect and steer the delay targets of a running ddid.

Each target sits in front of one or two block devices and holds reads and
writes for a configurable number of milliseconds before passing them on.
Delays can be changed at any time; a change applies to requests that
arrive afterwards.

Use "ddictl [command] --help" for more information about a command.`,
	PersistentPreRunE: initializeClient,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "",
		"Daemon URL (env: DDI_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&hostFlag, "host", "H", "",
		"Known host to talk to (env: DDI_HOST)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 0,
		"Request timeout (env: DDI_TIMEOUT, default 30s)")

	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(delayCmd)
	rootCmd.AddCommand(attrsCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// =============================================================================
// CLIENT INITIALIZATION
// =============================================================================

// initializeClient sets up the HTTP client and formatter before each command.
func initializeClient(cmd *cobra.Command, args []string) error {
	// config commands manage the file themselves
	if cmd.Name() == "config" || cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	cfg, err := cli.LoadConfig(cli.DefaultConfigPath())
	if err != nil {
		if cmd.Name() != "version" {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = cli.DefaultConfig()
	}

	settings, err := cfg.Resolve(cli.Overrides{
		Host:    hostFlag,
		Server:  serverFlag,
		Timeout: timeoutFlag,
	})
	if err != nil {
		return err
	}

	timeout = settings.Timeout
	client = cli.NewClient(cli.ClientConfig{
		ServerURL: settings.Server,
		Timeout:   settings.Timeout,
		TLS:       settings.TLS,
	})

	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format)

	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// getContext returns a context bounded by the request timeout.
func getContext() (context.Context, context.CancelFunc) {
	return getContextFor(timeout)
}

func getContextFor(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// handleError prints an error and returns it.
func handleError(err error) error {
	cli.PrintError("%v", err)
	return err
}
