// =============================================================================
// DELAY COMMANDS - READ AND CHANGE DELAYS
// =============================================================================
//
// COMMANDS:
//   ddictl delay get <target> [read|write]
//   ddictl delay set <target> <read|write> <ms>
//
// A set goes through the same attribute the kernel-style control file
// exposes, so a malformed value is ignored by the daemon and the value
// printed afterwards is the one still in effect.
//
// =============================================================================

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kawamuray/ddi/internal/cli"
)

var delayCmd = &cobra.Command{
	Use:   "delay",
	Short: "Read or change a delay",
	Long: `Read or change the read and write delays of a target.

Examples:
  ddictl delay get slowdisk
  ddictl delay set slowdisk read 50
  ddictl delay set slowdisk write 0`,
}

func init() {
	delayCmd.AddCommand(delayGetCmd)
	delayCmd.AddCommand(delaySetCmd)
}

// delayAttr maps "read"/"write" to the attribute name.
func delayAttr(op string) (string, error) {
	switch op {
	case "read", "r":
		return "read_delay", nil
	case "write", "w":
		return "write_delay", nil
	default:
		return "", fmt.Errorf("unknown operation %q (want read or write)", op)
	}
}

var delayGetCmd = &cobra.Command{
	Use:   "get <target> [read|write]",
	Short: "Show delays",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runDelayGet,
}

func runDelayGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	ops := []string{"read", "write"}
	if len(args) == 2 {
		ops = args[1:]
	}

	result := make(map[string]uint32, len(ops))
	for _, op := range ops {
		name, err := delayAttr(op)
		if err != nil {
			return handleError(err)
		}
		v, err := client.ReadAttr(ctx, args[0], name)
		if err != nil {
			return handleError(err)
		}
		ms, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return handleError(fmt.Errorf("%s: unexpected value %q", name, v))
		}
		result[name] = uint32(ms)
	}

	if format, _ := cli.ParseOutputFormat(outputFlag); format != cli.OutputTable {
		return formatter.Format(result)
	}

	table := formatter.Table()
	table.SetHeaders("ATTRIBUTE", "MILLISECONDS")
	table.WriteHeaders()
	for _, op := range ops {
		name, _ := delayAttr(op)
		table.WriteRow(name, result[name])
	}
	return table.Flush()
}

var delaySetCmd = &cobra.Command{
	Use:   "set <target> <read|write> <ms>",
	Short: "Change a delay",
	Long: `Change the read or write delay of a target.

The new delay applies to requests that arrive afterwards; requests already
held keep their original release time. Setting a write delay on a target
without a write device is rejected.

Examples:
  ddictl delay set slowdisk read 200
  ddictl delay set slowdisk write 0`,
	Args: cobra.ExactArgs(3),
	RunE: runDelaySet,
}

func runDelaySet(cmd *cobra.Command, args []string) error {
	target, op, value := args[0], args[1], args[2]

	name, err := delayAttr(op)
	if err != nil {
		return handleError(err)
	}
	ms, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return handleError(fmt.Errorf("invalid delay %q: want milliseconds", value))
	}
	value = strconv.FormatUint(ms, 10)

	ctx, cancel := getContext()
	defer cancel()

	now, err := client.WriteAttr(ctx, target, name, value)
	if err != nil {
		return handleError(err)
	}
	if now != value {
		return handleError(fmt.Errorf("%s is %s, daemon did not accept %s", name, now, value))
	}

	cli.PrintSuccess("%s %s = %sms", target, name, now)
	return nil
}
