// =============================================================================
// DIRECTORY ATTRIBUTE STORE - SYSFS-STYLE FILES WATCHED WITH FSNOTIFY
// =============================================================================
//
// WHAT IS THIS?
// Dir mirrors every registered attribute as a small text file under a root
// directory and watches writable files for external edits:
//
//   $ cat /run/ddi/loop0/read_delay
//   0
//   $ echo 50 > /run/ddi/loop0/read_delay      # applied live
//
// FLOW:
//
//   external write ──► fsnotify event ──► debounce ──► Store(content)
//                                                          │
//                                  rewrite file with Show()◄┘
//
// The rewrite keeps the file canonical: a rejected value is replaced with the
// value actually in force, just as reading a sysfs attribute always reports
// the live value.
//
// DEBOUNCE:
// Shell redirection truncates and then writes, which produces two events.
// Handling is delayed by a short window per file and empty content is treated
// as a write still in progress.
//
// =============================================================================

package attr

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DirConfig holds directory store configuration.
type DirConfig struct {
	// Root is the namespace directory (e.g. /run/ddi)
	Root string

	// Debounce is how long to wait after the last event on a file
	// Default: 50ms
	Debounce time.Duration

	// RefreshInterval is how often read-only files are re-rendered
	// Default: 1s
	RefreshInterval time.Duration

	// Logger for store operations (nil uses slog.Default)
	Logger *slog.Logger
}

// Dir is a Store backed by a directory tree.
type Dir struct {
	*Memory

	config  DirConfig
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewDir creates a directory store. Call Init before registering groups.
func NewDir(config DirConfig) *Dir {
	if config.Debounce <= 0 {
		config.Debounce = 50 * time.Millisecond
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dir{
		Memory:  NewMemory(),
		config:  config,
		logger:  logger.With("component", "attr", "root", config.Root),
		pending: make(map[string]*time.Timer),
	}
}

// Root returns the namespace directory.
func (d *Dir) Root() string {
	return d.config.Root
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Init creates the root directory and starts the watcher.
func (d *Dir) Init() error {
	if d.config.Root == "" {
		return errors.New("attr: dir store requires a root directory")
	}
	if err := os.MkdirAll(d.config.Root, 0o755); err != nil {
		return fmt.Errorf("create attribute root: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	d.watcher = watcher
	d.done = make(chan struct{})

	d.wg.Add(2)
	go d.watchLoop()
	go d.refreshLoop()

	d.logger.Info("attribute directory ready")
	return d.Memory.Init()
}

// Teardown stops the watcher and removes the root if it is empty.
func (d *Dir) Teardown() error {
	if d.watcher == nil {
		return d.Memory.Teardown()
	}

	close(d.done)
	err := d.watcher.Close()
	d.wg.Wait()
	d.watcher = nil

	d.mu.Lock()
	for path, t := range d.pending {
		t.Stop()
		delete(d.pending, path)
	}
	d.mu.Unlock()

	for _, group := range d.Groups() {
		os.RemoveAll(filepath.Join(d.config.Root, group))
	}
	// Only removes an empty directory; foreign content is left alone.
	os.Remove(d.config.Root)

	if terr := d.Memory.Teardown(); terr != nil && err == nil {
		err = terr
	}
	return err
}

// =============================================================================
// GROUPS
// =============================================================================

// Register publishes a group and materialises its files.
func (d *Dir) Register(group string, attrs []Attribute) error {
	if strings.ContainsAny(group, `/\`) || group == "." || group == ".." {
		return fmt.Errorf("attr: invalid group name %q", group)
	}
	if err := d.Memory.Register(group, attrs); err != nil {
		return err
	}

	dir := filepath.Join(d.config.Root, group)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.Memory.Unregister(group)
		return fmt.Errorf("create group directory: %w", err)
	}

	for _, a := range attrs {
		if err := d.sync(group, a); err != nil {
			os.RemoveAll(dir)
			d.Memory.Unregister(group)
			return err
		}
	}

	if err := d.watcher.Add(dir); err != nil {
		os.RemoveAll(dir)
		d.Memory.Unregister(group)
		return fmt.Errorf("watch group directory: %w", err)
	}
	return nil
}

// Unregister removes a group and its files.
func (d *Dir) Unregister(group string) error {
	dir := filepath.Join(d.config.Root, group)
	if d.watcher != nil {
		// Remove fails for paths that were never watched; that is fine.
		_ = d.watcher.Remove(dir)
	}
	if err := d.Memory.Unregister(group); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Write applies a value and rewrites the file with the value in force.
func (d *Dir) Write(group, name, value string) error {
	if err := d.Memory.Write(group, name, value); err != nil {
		return err
	}
	a, err := d.lookup(group, name)
	if err != nil {
		return err
	}
	return d.sync(group, a)
}

// sync rewrites an attribute file when its content differs from Show().
func (d *Dir) sync(group string, a Attribute) error {
	path := filepath.Join(d.config.Root, group, a.Name)
	want := a.Show()

	if got, err := os.ReadFile(path); err == nil && string(got) == want {
		return nil
	}

	mode := os.FileMode(0o444)
	if a.Writable() {
		mode = 0o666
	}
	if err := os.WriteFile(path, []byte(want), mode); err != nil {
		return fmt.Errorf("write attribute %s/%s: %w", group, a.Name, err)
	}
	return nil
}

// =============================================================================
// WATCHING
// =============================================================================

func (d *Dir) watchLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			d.schedule(event.Name)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("attribute watcher error", "error", err)
		}
	}
}

// schedule (re)starts the debounce timer for one file.
func (d *Dir) schedule(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.pending[path]; ok {
		t.Reset(d.config.Debounce)
		return
	}
	d.pending[path] = time.AfterFunc(d.config.Debounce, func() {
		d.mu.Lock()
		delete(d.pending, path)
		d.mu.Unlock()
		d.apply(path)
	})
}

// apply feeds the content of a changed file to its attribute.
func (d *Dir) apply(path string) {
	rel, err := filepath.Rel(d.config.Root, path)
	if err != nil {
		return
	}
	group, name := filepath.Split(rel)
	group = filepath.Clean(group)

	a, err := d.lookup(group, name)
	if err != nil || !a.Writable() {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return
	}

	if string(content) != a.Show() {
		if err := a.Store(string(content)); err != nil {
			d.logger.Warn("attribute write rejected",
				"group", group,
				"attr", name,
				"error", err)
		}
	}

	if err := d.sync(group, a); err != nil {
		d.logger.Warn("attribute resync failed", "group", group, "attr", name, "error", err)
	}
}

// refreshLoop keeps read-only files current.
func (d *Dir) refreshLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			for _, group := range d.Groups() {
				attrs, err := d.Attributes(group)
				if err != nil {
					continue
				}
				for _, a := range attrs {
					if a.Writable() {
						continue
					}
					if err := d.sync(group, a); err != nil {
						d.logger.Debug("attribute refresh failed", "group", group, "attr", a.Name, "error", err)
					}
				}
			}
		}
	}
}
