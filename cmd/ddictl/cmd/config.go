// =============================================================================
// CONFIG COMMANDS - KNOWN HOSTS
// =============================================================================
//
// COMMANDS:
//   ddictl config view              Show the config file
//   ddictl config hosts             List known hosts
//   ddictl config set <host>        Add or update a host (validates the URL)
//   ddictl config use <host>        Make a host the default
//   ddictl config remove <host>     Forget a host
//
// EXAMPLES:
//   ddictl config set ci-3 --server 10.0.4.3 --verify
//   ddictl config use ci-3
//   ddictl -H local targets
//
// =============================================================================

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kawamuray/ddi/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage known hosts",
	Long: `Manage the ddid daemons ddictl knows about.

Hosts are stored in ~/.ddi/config.yaml (or $DDICTL_CONFIG). Each one names
the control API of a test host; commands go to the current host unless
--host or --server says otherwise.`,
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configHostsCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUseCmd)
	configCmd.AddCommand(configRemoveCmd)
}

// editConfig loads the config file, applies fn and saves the result.
func editConfig(fn func(cfg *cli.Config) error) error {
	path := cli.DefaultConfigPath()
	cfg, err := cli.LoadConfig(path)
	if err != nil {
		return handleError(err)
	}
	if err := fn(cfg); err != nil {
		return handleError(err)
	}
	if err := cfg.Save(path); err != nil {
		return handleError(err)
	}
	return nil
}

func writeHosts(f *cli.Formatter, cfg *cli.Config) error {
	table := f.Table()
	table.SetHeaders("", "HOST", "SERVER", "TIMEOUT", "TLS")
	table.WriteHeaders()

	for _, name := range cfg.Names() {
		h := cfg.Hosts[name]
		current := ""
		if name == cfg.CurrentHost {
			current = "*"
		}
		timeout := "-"
		if h.Timeout > 0 {
			timeout = h.Timeout.String()
		}
		tlsMode := "-"
		switch {
		case h.InsecureSkipVerify:
			tlsMode = "insecure"
		case h.CAFile != "":
			tlsMode = h.CAFile
		}
		table.WriteRow(current, name, h.Server, timeout, tlsMode)
	}
	return table.Flush()
}

func loadForDisplay() (*cli.Config, *cli.Formatter, bool, error) {
	cfg, err := cli.LoadConfig(cli.DefaultConfigPath())
	if err != nil {
		return nil, nil, false, handleError(err)
	}
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return nil, nil, false, err
	}
	return cfg, cli.NewFormatter(format), format == cli.OutputTable, nil
}

// =============================================================================
// CONFIG VIEW / HOSTS
// =============================================================================

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, f, table, err := loadForDisplay()
		if err != nil {
			return err
		}
		if !table {
			return f.Format(cfg)
		}
		fmt.Printf("Config file:  %s\n", cli.DefaultConfigPath())
		fmt.Printf("Current host: %s\n\n", orDash(cfg.CurrentHost))
		return writeHosts(f, cfg)
	},
}

var configHostsCmd = &cobra.Command{
	Use:     "hosts",
	Aliases: []string{"ls"},
	Short:   "List known hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, f, table, err := loadForDisplay()
		if err != nil {
			return err
		}
		if !table {
			return f.Format(cfg.Hosts)
		}
		return writeHosts(f, cfg)
	},
}

// =============================================================================
// CONFIG SET
// =============================================================================

var (
	setServer   string
	setTimeout  time.Duration
	setCAFile   string
	setInsecure bool
	setVerify   bool
)

var configSetCmd = &cobra.Command{
	Use:   "set <host>",
	Short: "Add or update a host",
	Long: `Add a host or change an existing one.

--server accepts a full URL or host[:port] shorthand for http on port 7070.
ca-file and insecure-skip-verify require an https server. With --verify the
daemon must answer /version before the host is saved.

Examples:
  ddictl config set ci-3 --server 10.0.4.3
  ddictl config set rig --server https://rig.lan --ca-file /etc/ddi/ca.pem --verify
  ddictl config set ci-3 --timeout 1m`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigSet,
}

func init() {
	configSetCmd.Flags().StringVar(&setServer, "server", "", "Daemon URL or host[:port]")
	configSetCmd.Flags().DurationVar(&setTimeout, "timeout", 0, "Request timeout, e.g. 30s")
	configSetCmd.Flags().StringVar(&setCAFile, "ca-file", "", "CA certificate for an https daemon")
	configSetCmd.Flags().BoolVar(&setInsecure, "insecure-skip-verify", false, "Skip server certificate verification")
	configSetCmd.Flags().BoolVar(&setVerify, "verify", false, "Contact the daemon before saving")
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	flags := cmd.Flags()

	var saved *cli.Host
	err := editConfig(func(cfg *cli.Config) error {
		h := &cli.Host{}
		if existing, err := cfg.Host(name); err == nil {
			copied := *existing
			h = &copied
		} else if setServer == "" {
			return fmt.Errorf("--server is required for new host %q", name)
		}

		if flags.Changed("server") {
			h.Server = setServer
		}
		if flags.Changed("timeout") {
			h.Timeout = setTimeout
		}
		if flags.Changed("ca-file") {
			h.CAFile = setCAFile
		}
		if flags.Changed("insecure-skip-verify") {
			h.InsecureSkipVerify = setInsecure
		}

		if err := cfg.Put(name, h); err != nil {
			return fmt.Errorf("host %q: %w", name, err)
		}

		if setVerify {
			if err := verifyHost(cfg, name); err != nil {
				return err
			}
		}
		saved = h
		return nil
	})
	if err != nil {
		return err
	}

	cli.PrintSuccess("Host %q saved (%s)", name, saved.Server)
	return nil
}

// verifyHost asks the daemon behind name for its version.
func verifyHost(cfg *cli.Config, name string) error {
	s, err := cfg.Resolve(cli.Overrides{Host: name})
	if err != nil {
		return err
	}
	c := cli.NewClient(cli.ClientConfig{ServerURL: s.Server, Timeout: s.Timeout, TLS: s.TLS})

	ctx, cancel := getContextFor(s.Timeout)
	defer cancel()
	v, err := c.Version(ctx)
	if err != nil {
		return fmt.Errorf("verify %s: %w", s.Server, err)
	}
	cli.PrintInfo("%s runs ddid %s", s.Server, v.Version)
	return nil
}

// =============================================================================
// CONFIG USE / REMOVE
// =============================================================================

var configUseCmd = &cobra.Command{
	Use:   "use <host>",
	Short: "Make a host the default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := editConfig(func(cfg *cli.Config) error { return cfg.Switch(args[0]) }); err != nil {
			return err
		}
		cli.PrintSuccess("Now using host %q", args[0])
		return nil
	},
}

var configRemoveCmd = &cobra.Command{
	Use:     "remove <host>",
	Aliases: []string{"rm"},
	Short:   "Forget a host",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var noCurrent bool
		err := editConfig(func(cfg *cli.Config) error {
			if err := cfg.Remove(args[0]); err != nil {
				return err
			}
			noCurrent = cfg.CurrentHost == ""
			return nil
		})
		if err != nil {
			return err
		}
		cli.PrintSuccess("Host %q removed", args[0])
		if noCurrent {
			cli.PrintInfo("No current host; run 'ddictl config use <host>'")
		}
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
