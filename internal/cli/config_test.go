package cli

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// CONFIG TESTS
// =============================================================================
//
// Host entries are validated on the way in and out of the file, and every
// command resolves its daemon through Config.Resolve.
// =============================================================================

func TestParseServer(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "localhost", want: "http://localhost:7070"},
		{in: "10.0.4.3:7071", want: "http://10.0.4.3:7071"},
		{in: "https://ci-3", want: "https://ci-3:7070"},
		{in: " https://ci-3:8443/ ", want: "https://ci-3:8443"},
		{in: "[::1]:7070", want: "http://[::1]:7070"},
		{in: "", wantErr: true},
		{in: "ftp://ci-3", wantErr: true},
		{in: "http://", wantErr: true},
		{in: "http://ci-3/api", wantErr: true},
		{in: "http://ci-3?x=1", wantErr: true},
		{in: "http://ci-3:99999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseServer(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidServer) {
					t.Errorf("ParseServer(%q) = %q, %v; want ErrInvalidServer", tt.in, got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseServer(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ddi", "config.yaml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	// missing file yields the local host
	if cfg.CurrentHost != "local" || cfg.Hosts["local"].Server != DefaultServer {
		t.Fatalf("default config = %+v", cfg)
	}

	if err := cfg.Put("ci-3", &Host{Server: "10.0.0.3", Timeout: 5 * time.Second}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Switch("ci-3"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	// WHAT: only the config file is left behind
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("config dir holds %d entries, want 1", len(entries))
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded.Names(); len(got) != 2 || got[0] != "ci-3" {
		t.Errorf("hosts = %v", got)
	}

	s, err := loaded.Resolve(Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Host != "ci-3" || s.Server != "http://10.0.0.3:7070" || s.Timeout != 5*time.Second || s.TLS != nil {
		t.Errorf("resolved = %+v", s)
	}

	if err := loaded.Remove("ci-3"); err != nil || loaded.CurrentHost != "" {
		t.Errorf("Remove: %v, current %q", err, loaded.CurrentHost)
	}
	if err := loaded.Remove("ci-3"); !errors.Is(err, ErrUnknownHost) {
		t.Errorf("second Remove = %v, want ErrUnknownHost", err)
	}
}

func TestConfig_LoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad scheme", "hosts:\n  a:\n    server: ftp://a\n"},
		{"unknown key", "hosts:\n  a:\n    server: http://a\n    token: x\n"},
		{"old contexts layout", "contexts:\n  a:\n    server: http://a\n"},
		{"tls over http", "hosts:\n  a:\n    server: http://a\n    insecure-skip-verify: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Error("LoadConfig accepted the file")
			}
		})
	}
}

func TestConfig_PutValidates(t *testing.T) {
	cfg := &Config{}

	if err := cfg.Put("a", &Host{Server: "http://a/path"}); !errors.Is(err, ErrInvalidServer) {
		t.Errorf("Put with a path = %v, want ErrInvalidServer", err)
	}
	if err := cfg.Put("a", &Host{Server: "http://a", CAFile: "/ca.pem"}); err == nil {
		t.Error("Put accepted ca-file for an http server")
	}
	if len(cfg.Hosts) != 0 {
		t.Errorf("rejected hosts were stored: %v", cfg.Names())
	}

	// WHAT: the first host becomes current
	if err := cfg.Put("a", &Host{Server: "a:9000"}); err != nil {
		t.Fatal(err)
	}
	if cfg.CurrentHost != "a" || cfg.Hosts["a"].Server != "http://a:9000" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestResolve_Precedence(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Put("other", &Host{Server: "http://other", Timeout: time.Minute}); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvHost, "other")
	s, err := cfg.Resolve(Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Host != "other" || s.Server != "http://other:7070" || s.Timeout != time.Minute {
		t.Errorf("env host: %+v", s)
	}

	// WHAT: flag > env > file
	t.Setenv(EnvServer, "env:7070")
	t.Setenv(EnvTimeout, "2")
	s, err = cfg.Resolve(Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Server != "http://env:7070" || s.Timeout != 2*time.Second {
		t.Errorf("env overrides: %+v", s)
	}

	s, err = cfg.Resolve(Overrides{Host: "local", Server: "https://flag", Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if s.Host != "local" || s.Server != "https://flag:7070" || s.Timeout != time.Second {
		t.Errorf("flags: %+v", s)
	}

	t.Setenv(EnvTimeout, "soon")
	if _, err := cfg.Resolve(Overrides{}); err == nil {
		t.Error("invalid DDI_TIMEOUT accepted")
	}
}

func TestResolve_Hosts(t *testing.T) {
	cfg := DefaultConfig()

	// WHAT: a host asked for by name must exist
	if _, err := cfg.Resolve(Overrides{Host: "nope"}); !errors.Is(err, ErrUnknownHost) {
		t.Errorf("unknown --host = %v, want ErrUnknownHost", err)
	}

	// WHY: a current-host left dangling by hand edits falls back to defaults
	cfg.CurrentHost = "gone"
	s, err := cfg.Resolve(Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Host != "" || s.Server != DefaultServer || s.Timeout != DefaultTimeout {
		t.Errorf("dangling current host: %+v", s)
	}
}

func TestResolve_TLS(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Put("rig", &Host{Server: "https://rig", InsecureSkipVerify: true}); err != nil {
		t.Fatal(err)
	}

	s, err := cfg.Resolve(Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if s.TLS == nil || !s.TLS.InsecureSkipVerify {
		t.Errorf("https host TLS = %+v", s.TLS)
	}

	// an http --server override talks plaintext
	s, err = cfg.Resolve(Overrides{Server: "http://rig"})
	if err != nil {
		t.Fatal(err)
	}
	if s.TLS != nil {
		t.Error("TLS settings applied to an http server")
	}

	if err := cfg.Put("bad-ca", &Host{Server: "https://rig", CAFile: filepath.Join(t.TempDir(), "missing.pem")}); err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Resolve(Overrides{Host: "bad-ca"}); err == nil {
		t.Error("missing CA file accepted")
	}
}
