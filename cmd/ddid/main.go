// =============================================================================
// DDID - DISK DELAY INJECTION DAEMON
// =============================================================================
//
// ddid builds the delay targets listed in its configuration, serves the
// control API and gRPC health, and destroys every target on shutdown.
//
// USAGE:
//   ddid [--config ddid.yaml]            Serve
//   ddid check --config ddid.yaml        Validate and print the table
//   ddid probe --config ddid.yaml        Build targets, time reads, exit
//   ddid version
//
// CONFIGURATION:
//   --config or DDI_CONFIG names the YAML file; without one the defaults
//   apply and no targets are built. DDI_* variables override the file.
//
// =============================================================================

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kawamuray/ddi/internal/api"
	"github.com/kawamuray/ddi/internal/config"
	"github.com/kawamuray/ddi/internal/delay"
)

var (
	configFlag    string
	logLevelFlag  string
	logFormatFlag string

	probeCount  int
	probeSector uint64
	probeTarget string
)

var rootCmd = &cobra.Command{
	Use:   "ddid",
	Short: "Disk delay injection daemon",
	Long: `ddid sits in front of block devices and holds reads and writes for a
configured number of milliseconds before passing them on.

Send SIGUSR1 to suspend every target and SIGUSR2 to resume them.`,
	Args:          cobra.NoArgs,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	Long: `Validate the configuration and print each target as a table line,
without opening any device.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Build the configured targets and time reads through them",
	Long: `Build the configured targets in-process, issue single-sector reads
through each and report the latency observed. No server is started and
every target is destroyed before exiting.

Examples:
  ddid probe --config ddid.yaml
  ddid probe --config ddid.yaml --target slowdisk --count 20`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ddid %s (commit %s, built %s)\n", api.Version, api.GitCommit, api.BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"Configuration file (env: DDI_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"Log level: debug, info, warn, error (overrides the file)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "",
		"Log format: text or json (overrides the file)")

	probeCmd.Flags().IntVarP(&probeCount, "count", "n", 5, "Reads per target")
	probeCmd.Flags().Uint64Var(&probeSector, "sector", 0, "First sector to read")
	probeCmd.Flags().StringVarP(&probeTarget, "target", "t", "", "Probe only this target")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ddid: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// SETUP
// =============================================================================

// loadConfig reads --config (or DDI_CONFIG), else validates the defaults
// with environment overrides applied.
func loadConfig() (*config.Config, error) {
	path := configFlag
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	if path != "" {
		return config.Load(path)
	}

	cfg := config.Default()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger; flags win over the file.
func newLogger(cfg config.LogConfig) *slog.Logger {
	level := cfg.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	format := cfg.Format
	if logFormatFlag != "" {
		format = logFormatFlag
	}

	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	return d.run(context.Background(), sigs)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTABLE")
	for _, tc := range cfg.Targets {
		name, length, argv, err := tc.Resolved()
		if err != nil {
			return err
		}
		if name == "" {
			name = "(read device)"
		}
		fmt.Fprintf(w, "%s\t0 %d ddi %s\n", name, length, strings.Join(argv, " "))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("configuration ok: %d target(s)\n", len(cfg.Targets))
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Metrics.Enabled = false
	logger := newLogger(cfg.Log)

	d, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.destroyAll(); err != nil {
			logger.Error("destroy targets", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	targets := d.reg.Targets()
	if probeTarget != "" {
		t, ok := d.reg.Lookup(probeTarget)
		if !ok {
			return fmt.Errorf("target %q not found", probeTarget)
		}
		targets = []*delay.Target{t}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tCONFIGURED\tMIN\tMEAN\tMAX")
	for _, t := range targets {
		res, err := delay.Probe(ctx, t, delay.ProbeOptions{Count: probeCount, Sector: probeSector})
		if err != nil {
			w.Flush()
			return err
		}
		fmt.Fprintf(w, "%s\t%dms\t%s\t%s\t%s\n", res.Target, res.Configured, res.Min, res.Mean, res.Max)
	}
	return w.Flush()
}
