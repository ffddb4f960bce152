// =============================================================================
// CLI OUTPUT FORMATTER - TABLE, JSON, YAML OUTPUT SUPPORT
// =============================================================================
//
//   Human (Terminal):
//     $ ddictl targets
//     NAME      STATE   READ  WRITE  QUEUED  SIZE
//     slowdisk  active  50ms  200ms  3/0     1.0 GiB
//
//   Script (JSON + jq):
//     $ ddictl targets -o json | jq '.[].read_delay'
//
//   Config (YAML):
//     $ ddictl status slowdisk -o yaml
//
// =============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// OUTPUT FORMAT
// =============================================================================

// OutputFormat represents the output format type.
type OutputFormat string

// Supported output formats
const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// ParseOutputFormat parses an output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	case "yaml", "yml":
		return OutputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter handles output formatting for CLI commands.
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a new formatter with the specified format.
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{
		format: format,
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer (for testing).
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// Format outputs data in the configured format.
func (f *Formatter) Format(data interface{}) error {
	switch f.format {
	case OutputJSON:
		return f.formatJSON(data)
	case OutputYAML:
		return f.formatYAML(data)
	default:
		// Table format requires specific handling per data type
		return fmt.Errorf("use specific table method for data type")
	}
}

// formatJSON outputs data as JSON.
func (f *Formatter) formatJSON(data interface{}) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// formatYAML outputs data as YAML.
func (f *Formatter) formatYAML(data interface{}) error {
	encoder := yaml.NewEncoder(f.writer)
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

// =============================================================================
// TABLE FORMATTING
// =============================================================================

// Table creates a new table writer.
func (f *Formatter) Table() *TableWriter {
	return &TableWriter{
		tw:      tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0),
		headers: nil,
	}
}

// TableWriter wraps tabwriter for convenient table output.
type TableWriter struct {
	tw      *tabwriter.Writer
	headers []string
}

// SetHeaders sets the table headers.
func (t *TableWriter) SetHeaders(headers ...string) {
	t.headers = headers
}

// WriteHeaders writes the headers row.
func (t *TableWriter) WriteHeaders() {
	if len(t.headers) == 0 {
		return
	}
	// Convert to uppercase for visual distinction
	upper := make([]string, len(t.headers))
	for i, h := range t.headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(t.tw, strings.Join(upper, "\t"))
}

// WriteRow writes a single row.
func (t *TableWriter) WriteRow(values ...interface{}) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	fmt.Fprintln(t.tw, strings.Join(strs, "\t"))
}

// Flush flushes the table writer.
func (t *TableWriter) Flush() error {
	return t.tw.Flush()
}

// =============================================================================
// SPECIFIC DATA TYPE FORMATTERS
// =============================================================================

// structured handles the json and yaml formats; ok is false for table.
func (f *Formatter) structured(data interface{}) (bool, error) {
	switch f.format {
	case OutputJSON:
		return true, f.formatJSON(data)
	case OutputYAML:
		return true, f.formatYAML(data)
	}
	return false, nil
}

// FormatTargets outputs a list of targets.
func (f *Formatter) FormatTargets(targets []TargetInfo) error {
	if ok, err := f.structured(targets); ok {
		return err
	}

	if len(targets) == 0 {
		fmt.Fprintln(f.writer, "No targets")
		return nil
	}

	table := f.Table()
	table.SetHeaders("name", "state", "read", "write", "queued", "size", "device")
	table.WriteHeaders()
	for _, t := range targets {
		table.WriteRow(
			t.Name,
			t.State,
			formatDelay(t.ReadDelay),
			formatDelay(t.WriteDelay),
			fmt.Sprintf("%d/%d", t.Reads, t.Writes),
			formatSectors(t.Length),
			t.Group,
		)
	}
	return table.Flush()
}

// FormatTarget outputs one target in detail.
func (f *Formatter) FormatTarget(t *TargetInfo) error {
	if ok, err := f.structured(t); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Name:         %s\n", t.Name)
	fmt.Fprintf(f.writer, "Device ID:    %s\n", t.Group)
	fmt.Fprintf(f.writer, "State:        %s\n", t.State)
	fmt.Fprintf(f.writer, "Size:         %s (%s sectors)\n", formatSectors(t.Length), humanize.Comma(int64(t.Length)))
	fmt.Fprintf(f.writer, "Read delay:   %s\n", formatDelay(t.ReadDelay))
	fmt.Fprintf(f.writer, "Write delay:  %s\n", formatDelay(t.WriteDelay))
	fmt.Fprintf(f.writer, "Queued:       %d reads, %d writes\n", t.Reads, t.Writes)
	if !t.NextWake.IsZero() {
		fmt.Fprintf(f.writer, "Next wake:    %s\n", t.NextWake.Format(time.RFC3339Nano))
	}
	fmt.Fprintf(f.writer, "Table:        %s\n", t.Table)
	return nil
}

// FormatStatus outputs a bare status line, as dmsetup status would.
func (f *Formatter) FormatStatus(st *StatusResponse) error {
	if ok, err := f.structured(st); ok {
		return err
	}
	fmt.Fprintln(f.writer, st.Status)
	return nil
}

// FormatDevices outputs a target's backing devices.
func (f *Formatter) FormatDevices(devices []DeviceInfo) error {
	if ok, err := f.structured(devices); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("role", "device", "id", "start", "length", "capacity")
	table.WriteHeaders()
	for _, d := range devices {
		capacity := "-"
		if d.Size > 0 {
			capacity = humanize.IBytes(uint64(d.Size))
		}
		table.WriteRow(d.Role, d.Name, d.ID, d.Start, formatSectors(d.Length), capacity)
	}
	return table.Flush()
}

// FormatAttrs outputs a target's attributes.
func (f *Formatter) FormatAttrs(attrs []AttrInfo) error {
	if ok, err := f.structured(attrs); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("attribute", "value", "mode")
	table.WriteHeaders()
	for _, a := range attrs {
		mode := "ro"
		if a.Writable {
			mode = "rw"
		}
		table.WriteRow(a.Name, a.Value, mode)
	}
	return table.Flush()
}

// FormatProbe outputs probe latencies.
func (f *Formatter) FormatProbe(res *ProbeResult) error {
	if ok, err := f.structured(res); ok {
		return err
	}

	for i, s := range res.Samples {
		fmt.Fprintf(f.writer, "read %d: %s\n", i+1, s.Round(time.Microsecond))
	}
	fmt.Fprintf(f.writer, "\n%s: %d reads, configured %s, min/mean/max = %s/%s/%s\n",
		res.Target, res.Count, formatDelay(res.Configured),
		res.Min.Round(time.Microsecond), res.Mean.Round(time.Microsecond), res.Max.Round(time.Microsecond))
	return nil
}

// FormatHealth outputs health status.
func (f *Formatter) FormatHealth(health *HealthResponse) error {
	if ok, err := f.structured(health); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Status:    %s\n", health.Status)
	fmt.Fprintf(f.writer, "Targets:   %d\n", health.Targets)
	fmt.Fprintf(f.writer, "Timestamp: %s\n", health.Timestamp)
	return nil
}

// Version is the ddictl version, set at build time with
// -ldflags "-X github.com/kawamuray/ddi/internal/cli.Version=...".
var Version = "v0.1.0"

// VersionInfo is the output of ddictl version.
type VersionInfo struct {
	ClientVersion string `json:"client_version" yaml:"client_version"`
	ServerVersion string `json:"server_version,omitempty" yaml:"server_version,omitempty"`
}

// FormatVersion outputs version information.
func (f *Formatter) FormatVersion(info *VersionInfo) error {
	if ok, err := f.structured(info); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Client Version: %s\n", info.ClientVersion)
	if info.ServerVersion != "" {
		fmt.Fprintf(f.writer, "Server Version: %s\n", info.ServerVersion)
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// formatSectors renders a sector count as a binary size.
func formatSectors(sectors uint64) string {
	return humanize.IBytes(sectors * 512)
}

func formatDelay(ms uint32) string {
	if ms == 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).String()
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintSuccess prints a success message.
func PrintSuccess(format string, args ...interface{}) {
	fmt.Printf("✓ "+format+"\n", args...)
}

// PrintInfo prints an info message.
func PrintInfo(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
