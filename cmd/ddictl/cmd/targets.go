// =============================================================================
// TARGET COMMANDS - INSPECT TARGETS
// =============================================================================
//
// COMMANDS:
//   ddictl targets                      List targets
//   ddictl describe <target>            Counters, delays, table line
//   ddictl status <target> [--type]     INFO or TABLE status line
//   ddictl devices <target>             Backing devices
//   ddictl attrs <target>               Control attributes
//
// =============================================================================

package cmd

import (
	"github.com/spf13/cobra"
)

var targetsCmd = &cobra.Command{
	Use:     "targets",
	Aliases: []string{"ls", "list"},
	Short:   "List targets",
	Long: `List every target the daemon is serving.

Columns:
  STATE    active, draining (suspended) or destroyed
  READ     read delay
  WRITE    write delay ("-" when zero)
  QUEUED   reads/writes currently held

Examples:
  ddictl targets
  ddictl targets -o json`,
	Args: cobra.NoArgs,
	RunE: runTargets,
}

func runTargets(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	targets, err := client.ListTargets(ctx)
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatTargets(targets)
}

var describeCmd = &cobra.Command{
	Use:   "describe <target>",
	Short: "Show one target",
	Long: `Show a target's state, delays, queue counters and table line.

Examples:
  ddictl describe slowdisk
  ddictl describe slowdisk -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runDescribe,
}

func runDescribe(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	info, err := client.GetTarget(ctx, args[0])
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatTarget(info)
}

var statusType string

var statusCmd = &cobra.Command{
	Use:   "status <target>",
	Short: "Print a status line",
	Long: `Print a target's status line.

Types:
  info     "<queued reads> <queued writes>"
  table    the construction arguments, as they would be passed again

Examples:
  ddictl status slowdisk
  ddictl status slowdisk --type table`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusType, "type", "t", "info",
		"Status type: info or table")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	st, err := client.Status(ctx, args[0], statusType)
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatStatus(st)
}

var devicesCmd = &cobra.Command{
	Use:   "devices <target>",
	Short: "Show backing devices",
	Long: `Show the read device and, when configured, the write device of a
target, with the offset and length each one is mapped at.

Examples:
  ddictl devices slowdisk`,
	Args: cobra.ExactArgs(1),
	RunE: runDevices,
}

func runDevices(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	devices, err := client.Devices(ctx, args[0])
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatDevices(devices)
}

var attrsCmd = &cobra.Command{
	Use:   "attrs <target>",
	Short: "List control attributes",
	Long: `List a target's control attributes and their current values.

read_delay and write_delay are writable (see "ddictl delay set"); reads
and writes are the number of requests currently held.

Examples:
  ddictl attrs slowdisk`,
	Args: cobra.ExactArgs(1),
	RunE: runAttrs,
}

func runAttrs(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	attrs, err := client.ListAttrs(ctx, args[0])
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatAttrs(attrs)
}
