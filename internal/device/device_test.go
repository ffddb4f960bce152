package device

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kawamuray/ddi/internal/delay"
)

func newImage(t *testing.T, sectors int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, sectors*delay.SectorSize), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolver_OpenFile(t *testing.T) {
	path := newImage(t, 8)
	r := NewResolver(ResolverConfig{})

	dev, err := r.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	h := dev.(*Handle)
	if h.Kind() != KindFile {
		t.Errorf("kind = %s, want file", h.Kind())
	}
	if h.ID() != "disk.img" {
		t.Errorf("id = %q, want disk.img", h.ID())
	}
	if h.Size() != 8*delay.SectorSize {
		t.Errorf("size = %d", h.Size())
	}
}

func TestResolver_NotFound(t *testing.T) {
	r := NewResolver(ResolverConfig{DevDir: t.TempDir()})

	for _, name := range []string{"", "no-such-loop", filepath.Join(t.TempDir(), "missing.img")} {
		if _, err := r.Open(name); !errors.Is(err, delay.ErrDeviceNotFound) {
			t.Errorf("Open(%q) = %v, want ErrDeviceNotFound", name, err)
		}
	}
}

func TestResolver_BareNameUnderDevDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "loopX"), make([]byte, delay.SectorSize), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(ResolverConfig{DevDir: dir})
	dev, err := r.Open("loopX")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if dev.Name() != "loopX" {
		t.Errorf("name = %q", dev.Name())
	}
}

func TestResolver_SharedWithinResolver(t *testing.T) {
	path := newImage(t, 8)
	r := NewResolver(ResolverConfig{})

	a, err := r.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Open(path)
	if err != nil {
		t.Fatalf("second open from same resolver: %v", err)
	}

	a.Close()
	a.Close() // no-op

	// b still usable after a is closed
	if _, err := b.(*Handle).WriteAt(make([]byte, delay.SectorSize), 0); err != nil {
		t.Errorf("write through remaining handle: %v", err)
	}

	b.Close()
	if len(r.Held()) != 0 {
		t.Errorf("still held: %v", r.Held())
	}
	if _, err := b.(*Handle).ReadAt(make([]byte, 1), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("read after close = %v, want ErrClosed", err)
	}
}

func TestResolver_BusyAcrossResolvers(t *testing.T) {
	path := newImage(t, 8)

	first := NewResolver(ResolverConfig{})
	dev, err := first.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	// WHAT: a second holder is refused
	// WHY: flock locks belong to the open file description, so a second
	// open in the same process conflicts just like another process would
	second := NewResolver(ResolverConfig{})
	if _, err := second.Open(path); !errors.Is(err, delay.ErrDeviceBusy) {
		t.Fatalf("second resolver Open = %v, want ErrDeviceBusy", err)
	}

	dev.Close()
	dev2, err := second.Open(path)
	if err != nil {
		t.Fatalf("Open after release: %v", err)
	}
	dev2.Close()
}
