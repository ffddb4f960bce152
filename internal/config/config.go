// =============================================================================
// DAEMON CONFIGURATION - TABLE FILE AND SERVER SETTINGS
// =============================================================================
//
// ddid reads one YAML file describing the targets to build and the surfaces
// to serve:
//
//   http:
//     addr: ":7070"
//   grpc:
//     addr: ":7071"
//   tls:                      # both surfaces
//     enabled: false
//   attrs:
//     backend: dir            # memory | dir
//     dir: /run/ddi
//   targets:
//     - name: slowdisk
//       length: 2097152       # sectors
//       args: "/dev/loop0 0 50 /dev/loop1 0 200"
//     - table: "0 2048 ddi /dev/loop2 0 10"
//
// A target is given either as args plus length, or as a single dmsetup-style
// table line "<start> <length> ddi <args...>".
//
// PRECEDENCE: environment > file > defaults
//
//   DDI_HTTP_ADDR   http.addr
//   DDI_GRPC_ADDR   grpc.addr
//   DDI_ATTR_DIR    attrs.dir (and selects the dir backend)
//   DDI_LOG_LEVEL   log.level
//
// =============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kawamuray/ddi/internal/metrics"
	"github.com/kawamuray/ddi/internal/security"
)

// Environment variable names.
const (
	EnvConfig   = "DDI_CONFIG"
	EnvHTTPAddr = "DDI_HTTP_ADDR"
	EnvGRPCAddr = "DDI_GRPC_ADDR"
	EnvAttrDir  = "DDI_ATTR_DIR"
	EnvLogLevel = "DDI_LOG_LEVEL"
)

// Attribute store backends.
const (
	AttrBackendMemory = "memory"
	AttrBackendDir    = "dir"
)

// Config is the full daemon configuration.
type Config struct {
	HTTP    HTTPConfig         `yaml:"http"`
	GRPC    GRPCConfig         `yaml:"grpc"`
	TLS     security.TLSConfig `yaml:"tls"`
	Metrics metrics.Config     `yaml:"metrics"`
	Attrs   AttrConfig         `yaml:"attrs"`
	Devices DeviceConfig       `yaml:"devices"`
	Log     LogConfig          `yaml:"log"`
	Targets []TargetConfig     `yaml:"targets" validate:"dive"`
}

// HTTPConfig configures the control API.
type HTTPConfig struct {
	// Addr is the listen address; empty disables the API
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// GRPCConfig configures the health endpoint.
type GRPCConfig struct {
	// Addr is the listen address; empty disables gRPC
	Addr       string `yaml:"addr"`
	Reflection bool   `yaml:"reflection"`
}

// AttrConfig selects where control attributes are published.
type AttrConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory dir"`

	// Dir is the namespace root for the dir backend
	Dir string `yaml:"dir" validate:"required_if=Backend dir"`

	// Debounce coalesces bursts of file events
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`

	// Refresh is how often read-only attribute files are re-rendered
	Refresh time.Duration `yaml:"refresh" validate:"gte=0"`
}

// DeviceConfig configures device resolution.
type DeviceConfig struct {
	DevDir   string `yaml:"dev_dir"`
	ReadOnly bool   `yaml:"read_only"`

	// Workers bounds concurrent device I/O
	Workers int `yaml:"workers" validate:"min=1,max=1024"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TargetConfig is one target entry.
type TargetConfig struct {
	// Name keys the target (default: read device identity)
	Name string `yaml:"name" validate:"omitempty,excludesall=/\\"`

	// Length is the mapping size in sectors
	Length uint64 `yaml:"length"`

	// Args are the 3 or 6 construction tokens, space separated
	Args string `yaml:"args"`

	// Table is a dmsetup-style line; mutually exclusive with Args
	Table string `yaml:"table" validate:"excluded_with=Args"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	m := metrics.DefaultConfig()
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":7070",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:       ":7071",
			Reflection: true,
		},
		TLS:     security.DefaultTLSConfig(),
		Metrics: m,
		Attrs: AttrConfig{
			Backend:  AttrBackendMemory,
			Debounce: 50 * time.Millisecond,
			Refresh:  time.Second,
		},
		Devices: DeviceConfig{DevDir: "/dev", Workers: 16},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays DDI_* environment variables.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvHTTPAddr); ok {
		c.HTTP.Addr = v
	}
	if v, ok := os.LookupEnv(EnvGRPCAddr); ok {
		c.GRPC.Addr = v
	}
	if v := os.Getenv(EnvAttrDir); v != "" {
		c.Attrs.Backend = AttrBackendDir
		c.Attrs.Dir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// Resolved returns the target's name, length and construction tokens,
// parsing Table when set.
func (t TargetConfig) Resolved() (name string, length uint64, args []string, err error) {
	if t.Table == "" {
		return t.Name, t.Length, strings.Fields(t.Args), nil
	}
	length, args, err = ParseTableLine(t.Table)
	return t.Name, length, args, err
}

// ParseTableLine parses "<start> <length> ddi <args...>".
//
// The start sector only positions the target inside a larger table and is
// ignored here; every target maps its own address space from zero.
func ParseTableLine(line string) (length uint64, args []string, err error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, nil, fmt.Errorf("table line %q: want <start> <length> ddi <args>", line)
	}
	if _, err := strconv.ParseUint(fields[0], 10, 64); err != nil {
		return 0, nil, fmt.Errorf("table line %q: invalid start %q", line, fields[0])
	}
	length, err = strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("table line %q: invalid length %q", line, fields[1])
	}
	if fields[2] != "ddi" {
		return 0, nil, fmt.Errorf("table line %q: target type %q is not ddi", line, fields[2])
	}
	return length, fields[3:], nil
}
