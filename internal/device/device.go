// =============================================================================
// DEVICE - BACKING DEVICES FOR DELAY TARGETS
// =============================================================================
//
// WHAT IS THIS?
// The resolver turns a device identifier from a table line into an open
// handle the engine can redirect requests to. Identifiers are:
//
//   /dev/loop0        path to a block device
//   loop0             bare name, looked up under /dev
//   /var/lib/d.img    regular file (image-backed testing)
//
// EXCLUSIVITY:
//
//   ┌──────────────────────┬───────────────────────────────────────────────┐
//   │ Holder               │ Result                                        │
//   ├──────────────────────┼───────────────────────────────────────────────┤
//   │ same Resolver        │ shared handle (refcounted), like two targets  │
//   │                      │ of one table mapping the same disk            │
//   │ another process      │ ErrDeviceBusy via flock(LOCK_EX|LOCK_NB)      │
//   │ mounted block device │ ErrDeviceBusy via O_EXCL (EBUSY)              │
//   └──────────────────────┴───────────────────────────────────────────────┘
//
// IDENTITY:
// Block devices are identified by "major:minor", regular files by base
// name. The identity keys the attribute namespace.
//
// =============================================================================

package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kawamuray/ddi/internal/delay"
	"github.com/kawamuray/ddi/internal/metrics"
)

// Kind distinguishes block devices from image files.
type Kind string

const (
	KindBlock Kind = "block"
	KindFile  Kind = "file"
)

// ErrClosed means I/O was attempted on a released handle.
var ErrClosed = errors.New("device closed")

// =============================================================================
// RESOLVER
// =============================================================================

// ResolverConfig holds resolver configuration.
type ResolverConfig struct {
	// DevDir is where bare names are looked up (default: /dev)
	DevDir string

	// ReadOnly opens devices without write access
	ReadOnly bool

	Metrics *metrics.DeviceMetrics
	Logger  *slog.Logger
}

// Resolver opens and shares backing devices. It implements delay.Resolver.
type Resolver struct {
	config ResolverConfig
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*file
}

var _ delay.Resolver = (*Resolver)(nil)

// NewResolver creates a resolver.
func NewResolver(config ResolverConfig) *Resolver {
	if config.DevDir == "" {
		config.DevDir = "/dev"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		config: config,
		logger: logger.With("component", "device"),
		open:   make(map[string]*file),
	}
}

// Open resolves name and returns a handle. Opening a path this resolver
// already holds shares the underlying descriptor.
func (r *Resolver) Open(name string) (delay.Device, error) {
	path, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.open[path]; ok {
		f.refs++
		return &Handle{file: f, name: name}, nil
	}

	f, err := r.openFile(path)
	if err != nil {
		return nil, err
	}
	r.open[path] = f
	r.config.Metrics.DeviceOpened(string(f.kind))

	r.logger.Debug("device opened", "name", name, "path", path, "id", f.id, "kind", f.kind)
	return &Handle{file: f, name: name}, nil
}

// Held returns the paths currently open, for diagnostics.
func (r *Resolver) Held() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.open))
	for p := range r.open {
		out = append(out, p)
	}
	return out
}

func (r *Resolver) lookup(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", delay.ErrDeviceNotFound)
	}

	candidates := []string{name}
	if !strings.ContainsRune(name, os.PathSeparator) {
		candidates = append(candidates, filepath.Join(r.config.DevDir, name))
	}

	for _, c := range candidates {
		abs, err := filepath.Abs(c)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: %s", delay.ErrDeviceNotFound, name)
}

func (r *Resolver) openFile(path string) (*file, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %s", delay.ErrDeviceNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	kind := KindFile
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		kind = KindBlock
	case unix.S_IFREG:
	default:
		return nil, fmt.Errorf("%w: %s is neither a block device nor a regular file",
			delay.ErrDeviceNotFound, path)
	}

	flags := unix.O_RDWR | unix.O_CLOEXEC
	if r.config.ReadOnly {
		flags = unix.O_RDONLY | unix.O_CLOEXEC
	}
	if kind == KindBlock {
		// Linux: O_EXCL on a block device fails with EBUSY while mounted
		flags |= unix.O_EXCL
	}

	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return nil, fmt.Errorf("%w: %s", delay.ErrDeviceBusy, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", delay.ErrDeviceBusy, path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	f := &file{
		res:  r,
		path: path,
		kind: kind,
		fd:   fd,
		refs: 1,
	}

	if kind == KindBlock {
		f.id = fmt.Sprintf("%d:%d", unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)))
		size, err := unix.Seek(fd, 0, io.SeekEnd)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("size %s: %w", path, err)
		}
		f.size = size
	} else {
		f.id = filepath.Base(path)
		f.size = st.Size
	}

	return f, nil
}

// release drops one reference, closing the descriptor on the last one.
func (r *Resolver) release(f *file) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f.refs--
	if f.refs > 0 {
		return nil
	}
	delete(r.open, f.path)
	r.config.Metrics.DeviceClosed(string(f.kind))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	unix.Flock(f.fd, unix.LOCK_UN)
	return unix.Close(f.fd)
}

// =============================================================================
// HANDLES
// =============================================================================

// file is one open descriptor shared by every handle on the same path.
type file struct {
	res  *Resolver
	path string
	id   string
	kind Kind
	size int64

	// refs is guarded by res.mu
	refs int

	// mu guards closed against concurrent I/O
	mu     sync.RWMutex
	fd     int
	closed bool
}

// Handle is one reference to an open backing device. It implements
// delay.Device plus io.ReaderAt and io.WriterAt for the transport.
type Handle struct {
	*file
	name string
	once sync.Once
}

var (
	_ delay.Device = (*Handle)(nil)
	_ io.ReaderAt  = (*Handle)(nil)
	_ io.WriterAt  = (*Handle)(nil)
)

// Name returns the identifier the device was opened with.
func (h *Handle) Name() string { return h.name }

// ID returns "major:minor" for block devices, the base name otherwise.
func (h *Handle) ID() string { return h.id }

// Path returns the resolved path.
func (h *Handle) Path() string { return h.path }

// Kind reports block device or file.
func (h *Handle) Kind() Kind { return h.kind }

// Size returns the device size in bytes at open time.
func (h *Handle) Size() int64 { return h.size }

// Close releases this reference. Further calls are no-ops.
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() { err = h.res.release(h.file) })
	return err
}

// ReadAt reads len(p) bytes at off with pread.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrClosed
	}

	n := 0
	for n < len(p) {
		m, err := unix.Pread(h.fd, p[n:], off+int64(n))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return n, err
		}
		if m == 0 {
			return n, io.EOF
		}
		n += m
	}
	return n, nil
}

// WriteAt writes len(p) bytes at off with pwrite.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrClosed
	}

	n := 0
	for n < len(p) {
		m, err := unix.Pwrite(h.fd, p[n:], off+int64(n))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return n, err
		}
		n += m
	}
	return n, nil
}

// Sync flushes the device's write cache.
func (h *Handle) Sync() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	return unix.Fsync(h.fd)
}
