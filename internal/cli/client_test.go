package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kawamuray/ddi/internal/api"
	"github.com/kawamuray/ddi/internal/delay"
	"github.com/kawamuray/ddi/internal/device"
)

// =============================================================================
// CLIENT TESTS
// =============================================================================
//
// The client is exercised against the real control API served by httptest,
// with one target over an image file.
// =============================================================================

func newTestDaemon(t *testing.T) (*Client, *delay.Target) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	img := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(img, make([]byte, 16*delay.SectorSize), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := delay.NewRegistry(delay.RegistryConfig{Logger: logger})
	sink := device.NewTransport(device.TransportConfig{Logger: logger})
	t.Cleanup(sink.Close)

	tgt, err := delay.NewTarget(reg, delay.Config{
		Name:     "slow",
		Length:   16,
		Args:     []string{img, "0", "5"},
		Resolver: device.NewResolver(device.ResolverConfig{}),
		Sink:     sink,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	t.Cleanup(func() { tgt.Destroy() })

	config := api.DefaultServerConfig()
	config.Logger = logger
	srv := httptest.NewServer(api.NewServer(reg, config).Handler())
	t.Cleanup(srv.Close)

	return NewClient(ClientConfig{ServerURL: srv.URL, Timeout: 5 * time.Second}), tgt
}

func TestClient_Targets(t *testing.T) {
	c, _ := newTestDaemon(t)
	ctx := context.Background()

	targets, err := c.ListTargets(ctx)
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if len(targets) != 1 || targets[0].Name != "slow" || targets[0].ReadDelay != 5 {
		t.Fatalf("targets = %+v", targets)
	}

	info, err := c.GetTarget(ctx, "slow")
	if err != nil || info.State != "active" || info.Length != 16 {
		t.Errorf("GetTarget = %+v, %v", info, err)
	}

	st, err := c.Status(ctx, "slow", "info")
	if err != nil || st.Status != "0 0" {
		t.Errorf("Status = %+v, %v", st, err)
	}

	devs, err := c.Devices(ctx, "slow")
	if err != nil || len(devs) != 1 || devs[0].ID != "disk.img" {
		t.Errorf("Devices = %+v, %v", devs, err)
	}
}

func TestClient_NotFound(t *testing.T) {
	c, _ := newTestDaemon(t)

	_, err := c.GetTarget(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 APIError", err)
	}
	if apiErr.Message != `target "missing" not found` {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestClient_Attributes(t *testing.T) {
	c, tgt := newTestDaemon(t)
	ctx := context.Background()

	v, err := c.WriteAttr(ctx, "slow", "read_delay", "40")
	if err != nil || v != "40" || tgt.ReadDelay() != 40 {
		t.Fatalf("WriteAttr = %q, %v (delay %d)", v, err, tgt.ReadDelay())
	}

	// WHY: malformed input is swallowed; the echo shows the old value
	v, err = c.WriteAttr(ctx, "slow", "read_delay", "soon")
	if err != nil || v != "40" {
		t.Errorf("malformed WriteAttr = %q, %v", v, err)
	}

	v, err = c.ReadAttr(ctx, "slow", "reads")
	if err != nil || v != "0" {
		t.Errorf("ReadAttr(reads) = %q, %v", v, err)
	}

	_, err = c.WriteAttr(ctx, "slow", "write_delay", "1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("write_delay without device = %v", err)
	}

	attrs, err := c.ListAttrs(ctx, "slow")
	if err != nil || len(attrs) != 4 {
		t.Errorf("ListAttrs = %+v, %v", attrs, err)
	}
}

func TestClient_SuspendResumeProbe(t *testing.T) {
	c, tgt := newTestDaemon(t)
	ctx := context.Background()

	info, err := c.Suspend(ctx, "slow")
	if err != nil || info.State != "draining" || tgt.State() != delay.StateDraining {
		t.Fatalf("Suspend = %+v, %v", info, err)
	}
	if _, err := c.Resume(ctx, "slow"); err != nil || tgt.State() != delay.StateActive {
		t.Fatalf("Resume: %v, state %s", err, tgt.State())
	}

	res, err := c.Probe(ctx, "slow", ProbeRequest{Count: 2})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Count != 2 || res.Min < 5*time.Millisecond {
		t.Errorf("probe = %+v", res)
	}
}

func TestClient_HealthVersion(t *testing.T) {
	c, _ := newTestDaemon(t)
	ctx := context.Background()

	h, err := c.Health(ctx)
	if err != nil || h.Status != "ok" || h.Targets != 1 {
		t.Errorf("Health = %+v, %v", h, err)
	}
	v, err := c.Version(ctx)
	if err != nil || v.Version == "" {
		t.Errorf("Version = %+v, %v", v, err)
	}
}
