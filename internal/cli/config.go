// =============================================================================
// CLI CONFIGURATION - KNOWN HOSTS
// =============================================================================
//
// ddictl steers one ddid per test host. The config file names those hosts
// and remembers which one commands go to by default:
//
//   current-host: local
//   hosts:
//     local:
//       server: http://localhost:7070
//     ci-3:
//       server: https://10.0.4.3:7070
//       timeout: 1m
//       ca-file: /etc/ddi/ca.pem
//
// Servers are validated when a host is saved or loaded, so a typo fails at
// `ddictl config set` rather than on the next request. "10.0.4.3" and
// "10.0.4.3:7071" are accepted as shorthand for http URLs.
//
// PRECEDENCE (highest to lowest):
//   --server / --host / --timeout flags
//   DDI_SERVER / DDI_HOST / DDI_TIMEOUT
//   the selected host entry
//   http://localhost:7070, 30s
//
// =============================================================================

package cli

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kawamuray/ddi/internal/security"
)

// Environment variables read by ddictl.
const (
	EnvConfig  = "DDICTL_CONFIG"
	EnvServer  = "DDI_SERVER"
	EnvHost    = "DDI_HOST"
	EnvTimeout = "DDI_TIMEOUT"
)

const (
	// DefaultServer is used when nothing names a daemon.
	DefaultServer = "http://localhost:7070"

	// DefaultTimeout bounds each request when nothing else does.
	DefaultTimeout = 30 * time.Second

	// defaultPort is the ddid HTTP port assumed by server shorthand.
	defaultPort = "7070"
)

var (
	// ErrUnknownHost means no host entry has the requested name.
	ErrUnknownHost = errors.New("unknown host")

	// ErrNoHost means no host is selected.
	ErrNoHost = errors.New("no host selected")

	// ErrInvalidServer means a server address cannot be used as a base URL.
	ErrInvalidServer = errors.New("invalid server")
)

// Config is the ddictl configuration file.
type Config struct {
	CurrentHost string           `yaml:"current-host" json:"current-host"`
	Hosts       map[string]*Host `yaml:"hosts" json:"hosts"`
}

// Host is one ddid daemon.
type Host struct {
	// Server is the normalized base URL of the control API
	Server string `yaml:"server" json:"server"`

	// Timeout bounds each request (zero means the default)
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	CAFile             string `yaml:"ca-file,omitempty" json:"ca-file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure-skip-verify,omitempty" json:"insecure-skip-verify,omitempty"`
}

// Validate normalizes h.Server and checks the TLS settings against it.
func (h *Host) Validate() error {
	server, err := ParseServer(h.Server)
	if err != nil {
		return err
	}
	h.Server = server
	if h.Timeout < 0 {
		return fmt.Errorf("timeout %v is negative", h.Timeout)
	}
	if (h.CAFile != "" || h.InsecureSkipVerify) && !strings.HasPrefix(server, "https://") {
		return fmt.Errorf("ca-file and insecure-skip-verify need an https server, got %s", server)
	}
	return nil
}

// ParseServer turns a server flag or config value into a base URL:
// scheme http or https, a host, an explicit port, no path.
func ParseServer(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidServer)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServer, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q, want http or https", ErrInvalidServer, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidServer, raw)
	}
	if u.Path != "" && u.Path != "/" || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: %q must not have a path or query", ErrInvalidServer, raw)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("%w: port %q", ErrInvalidServer, port)
	}
	return u.Scheme + "://" + net.JoinHostPort(u.Hostname(), port), nil
}

// DefaultConfig has a single "local" host.
func DefaultConfig() *Config {
	return &Config{
		CurrentHost: "local",
		Hosts:       map[string]*Host{"local": {Server: DefaultServer}},
	}
}

// DefaultConfigPath is $DDICTL_CONFIG or ~/.ddi/config.yaml.
func DefaultConfigPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ddi", "config.yaml")
	}
	return filepath.Join(home, ".ddi", "config.yaml")
}

// LoadConfig reads path. A missing file yields DefaultConfig. Unknown keys
// and invalid hosts are errors.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = make(map[string]*Host)
	}
	for _, name := range cfg.Names() {
		if err := cfg.Hosts[name].Validate(); err != nil {
			return nil, fmt.Errorf("%s: host %q: %w", path, name, err)
		}
	}
	return cfg, nil
}

// Save writes c to path through a temporary file, so a failed write never
// leaves a truncated config behind.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Names returns the host names, sorted.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Hosts))
	for name := range c.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Host returns the named entry.
func (c *Config) Host(name string) (*Host, error) {
	h, ok := c.Hosts[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownHost, name)
	}
	return h, nil
}

// Put validates h and stores it under name. The first host added to an
// empty config becomes current.
func (c *Config) Put(name string, h *Host) error {
	if name == "" {
		return errors.New("host name is empty")
	}
	if err := h.Validate(); err != nil {
		return err
	}
	if c.Hosts == nil {
		c.Hosts = make(map[string]*Host)
	}
	c.Hosts[name] = h
	if c.CurrentHost == "" {
		c.CurrentHost = name
	}
	return nil
}

// Remove deletes a host. Removing the current host leaves none selected.
func (c *Config) Remove(name string) error {
	if _, err := c.Host(name); err != nil {
		return err
	}
	delete(c.Hosts, name)
	if c.CurrentHost == name {
		c.CurrentHost = ""
	}
	return nil
}

// Switch makes name the current host.
func (c *Config) Switch(name string) error {
	if _, err := c.Host(name); err != nil {
		return err
	}
	c.CurrentHost = name
	return nil
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Overrides are the command-line values; zero means unset.
type Overrides struct {
	Host    string
	Server  string
	Timeout time.Duration
}

// Settings is what a command connects with.
type Settings struct {
	// Host is the entry used, empty when none applied
	Host    string
	Server  string
	Timeout time.Duration
	TLS     *tls.Config
}

// Resolve applies flags, then environment, then the selected host entry,
// then defaults.
func (c *Config) Resolve(o Overrides) (Settings, error) {
	name := firstNonEmpty(o.Host, os.Getenv(EnvHost), c.CurrentHost)

	var entry *Host
	if name != "" {
		h, err := c.Host(name)
		switch {
		case err == nil:
			entry = h
		case o.Host != "" || os.Getenv(EnvHost) != "":
			// an explicitly requested host must exist
			return Settings{}, err
		default:
			name = ""
		}
	}

	s := Settings{Host: name, Server: DefaultServer, Timeout: DefaultTimeout}
	if entry != nil {
		s.Server = entry.Server
		if entry.Timeout > 0 {
			s.Timeout = entry.Timeout
		}
	}

	if server := firstNonEmpty(o.Server, os.Getenv(EnvServer)); server != "" {
		parsed, err := ParseServer(server)
		if err != nil {
			return Settings{}, err
		}
		s.Server = parsed
	}

	if env := os.Getenv(EnvTimeout); env != "" {
		d, err := parseTimeout(env)
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		s.Timeout = d
	}
	if o.Timeout > 0 {
		s.Timeout = o.Timeout
	}

	if entry != nil && (entry.CAFile != "" || entry.InsecureSkipVerify) && strings.HasPrefix(s.Server, "https://") {
		tlsConfig, err := security.ClientConfig(entry.CAFile, entry.InsecureSkipVerify)
		if err != nil {
			return Settings{}, fmt.Errorf("host %q: %w", name, err)
		}
		s.TLS = tlsConfig
	}
	return s, nil
}

// parseTimeout accepts a Go duration or a bare number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid timeout %q", v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
