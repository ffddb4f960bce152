package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/kawamuray/ddi/internal/config"
	"github.com/kawamuray/ddi/internal/delay"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a config with one target over a fresh image file and
// both surfaces on loopback ephemeral ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	img := writeImage(t, "rd.img")

	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.GRPC.Reflection = false
	cfg.Targets = []config.TargetConfig{
		{Name: "slow", Length: 32, Args: img + " 0 5"},
	}
	return cfg
}

func writeImage(t *testing.T, name string) string {
	t.Helper()
	img := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(img, make([]byte, 64*delay.SectorSize), 0o644); err != nil {
		t.Fatal(err)
	}
	return img
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewEngine_BuildsTargets(t *testing.T) {
	cfg := testConfig(t)
	other := writeImage(t, "other.img")
	cfg.Targets = append(cfg.Targets, config.TargetConfig{
		Table: fmt.Sprintf("0 16 ddi %s 32 0", other),
	})

	d, err := newEngine(cfg, quietLogger())
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	t.Cleanup(func() { d.destroyAll() })

	if d.reg.Len() != 2 {
		t.Fatalf("targets = %d, want 2", d.reg.Len())
	}
	tgt, ok := d.reg.Lookup("slow")
	if !ok || tgt.ReadDelay() != 5 || tgt.Length() != 32 {
		t.Errorf("slow = %+v", tgt)
	}

	// WHY: an unnamed target is keyed by its read device
	if _, ok := d.reg.Lookup("other.img"); !ok {
		t.Errorf("table-line target not registered under its device name")
	}
}

func TestNewEngine_UnwindsOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Targets = append(cfg.Targets, config.TargetConfig{
		Name: "broken", Length: 8, Args: "/nonexistent/disk 0 5",
	})

	d, err := newEngine(cfg, quietLogger())
	if err == nil {
		d.destroyAll()
		t.Fatal("newEngine succeeded with a missing device")
	}
}

func TestDaemon_RunSignalsAndShutdown(t *testing.T) {
	d, err := newDaemon(testConfig(t), quietLogger())
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	tgt, _ := d.reg.Lookup("slow")

	sigs := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- d.run(context.Background(), sigs) }()

	waitFor(t, "ready", d.health.IsReady)

	resp, err := http.Get("http://" + d.http.Addr() + "/targets/slow")
	if err != nil {
		t.Fatalf("GET target: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET target status = %d", resp.StatusCode)
	}

	sigs <- syscall.SIGUSR1
	waitFor(t, "suspend", func() bool { return tgt.State() == delay.StateDraining })

	sigs <- syscall.SIGUSR2
	waitFor(t, "resume", func() bool { return tgt.State() == delay.StateActive })

	sigs <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after SIGTERM")
	}

	if tgt.State() != delay.StateDestroyed || d.reg.Len() != 0 {
		t.Errorf("after shutdown: state %s, %d targets", tgt.State(), d.reg.Len())
	}
	if d.health.IsReady() {
		t.Error("still ready after shutdown")
	}
}

func TestDaemon_ContextCancelShutsDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPC.Addr = "" // HTTP only

	d, err := newDaemon(cfg, quietLogger())
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	if d.grpc != nil {
		t.Fatal("gRPC built with an empty address")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx, nil) }()

	waitFor(t, "ready", d.health.IsReady)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if d.reg.Len() != 0 {
		t.Errorf("%d targets left", d.reg.Len())
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	configFlag = ""
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvHTTPAddr, "127.0.0.1:9999")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9999" || len(cfg.Targets) != 0 {
		t.Errorf("cfg = %+v", cfg)
	}
}
