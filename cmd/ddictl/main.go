// =============================================================================
// DDICTL - MAIN ENTRY POINT
// =============================================================================
//
// ddictl drives a running ddid over its HTTP control API.
//
// USAGE:
//   ddictl [command] [subcommand] [flags]
//
// EXAMPLES:
//   ddictl targets                         # List targets
//   ddictl describe slowdisk               # Counters, delays and table line
//   ddictl delay set slowdisk read 50      # Hold reads for 50ms
//   ddictl suspend slowdisk                # Release everything queued
//   ddictl probe slowdisk --count 10       # Measure the injected latency
//
// CONFIGURATION:
//   Config file: ~/.ddi/config.yaml (known hosts, see "ddictl config")
//   Env vars: DDICTL_CONFIG, DDI_HOST, DDI_SERVER, DDI_TIMEOUT
//
// =============================================================================

package main

import (
	"os"

	"github.com/kawamuray/ddi/cmd/ddictl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
