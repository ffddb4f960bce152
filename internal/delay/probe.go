package delay

import (
	"context"
	"fmt"
	"time"
)

// ProbeOptions configures Probe.
type ProbeOptions struct {
	// Count is the number of single-sector reads (default 5)
	Count int

	// Sector is the first sector read; successive reads walk forward and
	// wrap at the end of the mapping
	Sector uint64
}

// ProbeResult summarizes the latency observed through a target.
type ProbeResult struct {
	Target     string          `json:"target" yaml:"target"`
	Count      int             `json:"count" yaml:"count"`
	Configured uint32          `json:"configured_ms" yaml:"configured_ms"`
	Min        time.Duration   `json:"min" yaml:"min"`
	Max        time.Duration   `json:"max" yaml:"max"`
	Mean       time.Duration   `json:"mean" yaml:"mean"`
	Samples    []time.Duration `json:"samples" yaml:"samples"`
}

// Probe issues Count sequential single-sector reads through t and times
// each one end to end, the way a path checker would.
func Probe(ctx context.Context, t *Target, opts ProbeOptions) (ProbeResult, error) {
	if opts.Count <= 0 {
		opts.Count = 5
	}
	if t.length == 0 {
		return ProbeResult{}, fmt.Errorf("probe %s: empty mapping", t.name)
	}

	res := ProbeResult{
		Target:     t.name,
		Configured: t.ReadDelay(),
		Samples:    make([]time.Duration, 0, opts.Count),
	}

	bd := NewBlockDevice(t)
	buf := make([]byte, SectorSize)
	var total time.Duration

	for i := 0; i < opts.Count; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		sector := (opts.Sector + uint64(i)) % t.length
		start := time.Now()
		if _, err := bd.ReadAt(buf, int64(sector)*SectorSize); err != nil {
			return res, fmt.Errorf("probe %s sector %d: %w", t.name, sector, err)
		}
		took := time.Since(start)

		res.Samples = append(res.Samples, took)
		total += took
		if i == 0 || took < res.Min {
			res.Min = took
		}
		if took > res.Max {
			res.Max = took
		}
	}

	res.Count = len(res.Samples)
	res.Mean = total / time.Duration(res.Count)
	return res, nil
}
