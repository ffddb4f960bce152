package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// CONFIG TESTS
// =============================================================================
//
// Validation must catch mistakes BEFORE any device is opened. Each case
// gives a YAML document and the substrings the error must contain; every
// problem in a document is reported at once.
// =============================================================================

func TestParse_Validation(t *testing.T) {
	tmpDir := t.TempDir()
	notADir := filepath.Join(tmpDir, "file")
	if err := os.WriteFile(notADir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		yaml        string
		wantErr     bool
		errContains []string
	}{
		{
			name:    "empty document uses defaults",
			yaml:    "",
			wantErr: false,
		},
		{
			name: "valid targets",
			yaml: `
targets:
  - name: slow
    length: 2048
    args: "/dev/loop0 0 50"
  - table: "0 4096 ddi /dev/loop1 0 0 /dev/loop2 100 200"
`,
			wantErr: false,
		},
		{
			name: "bad argument count",
			yaml: `
targets:
  - length: 10
    args: "/dev/loop0 0"
`,
			wantErr:     true,
			errContains: []string{"targets[0].args", "Requires exactly 3 or 6 arguments"},
		},
		{
			name: "bad delay and zero length",
			yaml: `
targets:
  - args: "/dev/loop0 0 fast"
`,
			wantErr:     true,
			errContains: []string{"targets[0].length: must be > 0", "Invalid delay"},
		},
		{
			name: "worker pool bounds",
			yaml: `
devices:
  workers: 0
`,
			wantErr:     true,
			errContains: []string{"devices.workers: must be >= 1"},
		},
		{
			name: "duplicate names",
			yaml: `
targets:
  - {name: a, length: 1, args: "/dev/loop0 0 1"}
  - {name: a, length: 1, args: "/dev/loop1 0 1"}
`,
			wantErr:     true,
			errContains: []string{`duplicate target "a"`},
		},
		{
			name: "unnamed targets on the same device",
			yaml: `
targets:
  - {length: 1, args: "/dev/loop0 0 1"}
  - {length: 1, args: "/dev/loop0 8 1"}
`,
			wantErr:     true,
			errContains: []string{`duplicate target "/dev/loop0"`},
		},
		{
			name: "table and args together",
			yaml: `
targets:
  - {args: "/dev/loop0 0 1", table: "0 1 ddi /dev/loop0 0 1"}
`,
			wantErr:     true,
			errContains: []string{"mutually exclusive"},
		},
		{
			name: "wrong target type in table",
			yaml: `
targets:
  - table: "0 1 delay /dev/loop0 0 1"
`,
			wantErr:     true,
			errContains: []string{"is not ddi"},
		},
		{
			name: "bad enums",
			yaml: `
log: {level: loud, format: xml}
attrs: {backend: sysfs}
`,
			wantErr:     true,
			errContains: []string{"log.level", "log.format", "attrs.backend"},
		},
		{
			name:        "dir backend without dir",
			yaml:        "attrs: {backend: dir}",
			wantErr:     true,
			errContains: []string{"attrs.dir: must not be empty"},
		},
		{
			name:        "attr dir is a file",
			yaml:        "attrs: {backend: dir, dir: " + notADir + "}",
			wantErr:     true,
			errContains: []string{"is not a directory"},
		},
		{
			name:        "bad addresses",
			yaml:        `http: {addr: "localhost"}` + "\n" + `grpc: {addr: "nope"}`,
			wantErr:     true,
			errContains: []string{"http.addr: invalid", "grpc.addr: invalid"},
		},
		{
			name:        "same address twice",
			yaml:        `http: {addr: ":9000"}` + "\n" + `grpc: {addr: ":9000"}`,
			wantErr:     true,
			errContains: []string{"already used by http.addr"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			for _, substr := range tt.errContains {
				if !strings.Contains(err.Error(), substr) {
					t.Errorf("error %q does not contain %q", err.Error(), substr)
				}
			}

			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("expected *ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestParse_UnknownKey(t *testing.T) {
	// WHAT: typos are rejected instead of silently ignored
	_, err := Parse([]byte("targetz: []"))
	if err == nil || !strings.Contains(err.Error(), "targetz") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHTTPAddr, "127.0.0.1:1234")
	t.Setenv(EnvGRPCAddr, "")
	t.Setenv(EnvAttrDir, dir)
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg, err := Parse([]byte(`http: {addr: ":7070"}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HTTP.Addr != "127.0.0.1:1234" {
		t.Errorf("http.addr = %q", cfg.HTTP.Addr)
	}
	// WHY: an empty DDI_GRPC_ADDR disables gRPC
	if cfg.GRPC.Addr != "" {
		t.Errorf("grpc.addr = %q, want empty", cfg.GRPC.Addr)
	}
	if cfg.Attrs.Backend != AttrBackendDir || cfg.Attrs.Dir != dir {
		t.Errorf("attrs = %+v", cfg.Attrs)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
}

func TestTargetConfig_Resolved(t *testing.T) {
	tc := TargetConfig{Name: "x", Table: "0 4096 ddi /dev/loop1 0 0 /dev/loop2 100 200"}
	name, length, args, err := tc.Resolved()
	if err != nil {
		t.Fatal(err)
	}
	if name != "x" || length != 4096 || len(args) != 6 || args[3] != "/dev/loop2" {
		t.Errorf("got %q %d %v", name, length, args)
	}

	tc = TargetConfig{Length: 8, Args: " /dev/loop0  0   5 "}
	_, length, args, _ = tc.Resolved()
	if length != 8 || len(args) != 3 {
		t.Errorf("got %d %v", length, args)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestValidationError_Format(t *testing.T) {
	single := &ValidationError{Errors: []string{"a: bad"}}
	if single.Error() != "configuration validation failed: a: bad" {
		t.Errorf("single = %q", single.Error())
	}

	multi := &ValidationError{Errors: []string{"a: bad", "b: worse"}}
	if !strings.Contains(multi.Error(), "1. a: bad") || !strings.Contains(multi.Error(), "2. b: worse") {
		t.Errorf("multi = %q", multi.Error())
	}
}
