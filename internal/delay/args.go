package delay

import (
	"fmt"
	"strconv"
	"strings"
)

// Args are the parsed construction parameters of a target:
//
//	<device> <offset> <delay> [<write_device> <write_offset> <write_delay>]
//
// With separate write parameters the first set is only used for reads.
// Offsets are in sectors, delays in milliseconds.
type Args struct {
	ReadDevice string
	ReadStart  uint64
	ReadDelay  uint32

	WriteDevice string
	WriteStart  uint64
	WriteDelay  uint32
}

// HasWrite reports whether a separate write endpoint was given.
func (a Args) HasWrite() bool {
	return a.WriteDevice != ""
}

// String renders the arguments in table form.
func (a Args) String() string {
	s := fmt.Sprintf("%s %d %d", a.ReadDevice, a.ReadStart, a.ReadDelay)
	if a.HasWrite() {
		s += fmt.Sprintf(" %s %d %d", a.WriteDevice, a.WriteStart, a.WriteDelay)
	}
	return s
}

// ParseArgs validates and converts the raw parameter tokens.
//
// Devices are not resolved here; that happens during construction so that
// a bad number is reported before any device is opened.
func ParseArgs(argv []string) (Args, error) {
	var a Args

	if len(argv) != 3 && len(argv) != 6 {
		return a, configErr("Requires exactly 3 or 6 arguments",
			fmt.Errorf("%w: got %d", ErrInvalidArgCount, len(argv)))
	}

	var err error
	a.ReadDevice = argv[0]
	if a.ReadStart, err = parseSector(argv[1]); err != nil {
		return a, configErr("Invalid device sector", err)
	}
	if a.ReadDelay, err = parseDelay(argv[2]); err != nil {
		return a, configErr("Invalid delay", err)
	}

	if len(argv) == 3 {
		return a, nil
	}

	a.WriteDevice = argv[3]
	if a.WriteStart, err = parseSector(argv[4]); err != nil {
		return a, configErr("Invalid write device sector", err)
	}
	if a.WriteDelay, err = parseDelay(argv[5]); err != nil {
		return a, configErr("Invalid write delay", err)
	}

	return a, nil
}

// SplitArgs tokenises a table line ("loop0 0 50 loop1 0 100").
func SplitArgs(line string) []string {
	return strings.Fields(line)
}

func parseSector(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSector, s)
	}
	return v, nil
}

func parseDelay(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDelay, s)
	}
	return uint32(v), nil
}
