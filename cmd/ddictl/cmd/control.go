// =============================================================================
// CONTROL COMMANDS - LIFECYCLE AND PROBING
// =============================================================================
//
// COMMANDS:
//   ddictl suspend <target>...          Release held requests, stop delaying
//   ddictl resume <target>...           Start delaying again
//   ddictl probe <target> [--count]     Time single-sector reads
//   ddictl health                       Daemon liveness
//
// =============================================================================

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kawamuray/ddi/internal/cli"
)

var suspendCmd = &cobra.Command{
	Use:   "suspend <target>...",
	Short: "Drain targets",
	Long: `Suspend targets. Every held request is released immediately and new
requests pass straight through until the target is resumed.

Examples:
  ddictl suspend slowdisk
  ddictl suspend slowdisk otherdisk`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSuspend,
}

func runSuspend(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	for _, name := range args {
		info, err := client.Suspend(ctx, name)
		if err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("%s: %s", info.Name, info.State)
	}
	return nil
}

var resumeCmd = &cobra.Command{
	Use:   "resume <target>...",
	Short: "Resume drained targets",
	Long: `Resume suspended targets so new requests are delayed again.

Examples:
  ddictl resume slowdisk`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	for _, name := range args {
		info, err := client.Resume(ctx, name)
		if err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("%s: %s", info.Name, info.State)
	}
	return nil
}

var (
	probeCount  int
	probeSector uint64
)

var probeCmd = &cobra.Command{
	Use:   "probe <target>",
	Short: "Measure latency through a target",
	Long: `Issue single-sector reads through a target and report how long each
took. With a read delay of N ms every sample should be at least N ms.

Examples:
  ddictl probe slowdisk
  ddictl probe slowdisk --count 20 --sector 4096`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().IntVarP(&probeCount, "count", "n", 5, "Number of reads (max 100)")
	probeCmd.Flags().Uint64Var(&probeSector, "sector", 0, "First sector to read")
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	res, err := client.Probe(ctx, args[0], cli.ProbeRequest{
		Count:  probeCount,
		Sector: probeSector,
	})
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatProbe(res)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the daemon",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	h, err := client.Health(ctx)
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatHealth(h)
}
