// =============================================================================
// ATTRIBUTE STORE - PLAINTEXT CONTROL-PLANE EXPOSURE
// =============================================================================
//
// WHAT IS THIS?
// A tiny key/value surface that lets an external process read and write the
// live tunables of every delay target as newline-terminated decimal text,
// the way sysfs exposes kobject attributes:
//
//   ddi/
//   ├── loop0/
//   │   ├── read_delay     "50\n"   (rw)
//   │   ├── write_delay    "0\n"    (rw)
//   │   ├── reads          "3\n"    (ro, in-flight delayed reads)
//   │   └── writes         "0\n"    (ro, in-flight delayed writes)
//   └── loop1/
//       └── ...
//
// Each group is keyed by a stable device identity so that several targets can
// live side by side. The store never interprets values: Show and Store
// callbacks belong to the owner of the group.
//
// IMPLEMENTATIONS:
//   - Memory: in-process map, used by the HTTP API and by tests
//   - Dir:    Memory plus a directory tree watched with fsnotify, so that
//             `echo 50 > /run/ddi/loop0/read_delay` takes effect live
//
// =============================================================================

package attr

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrGroupExists means another owner already registered the group
	ErrGroupExists = errors.New("attribute group already exists")

	// ErrGroupNotFound means no group with that name is registered
	ErrGroupNotFound = errors.New("attribute group not found")

	// ErrAttrNotFound means the group has no attribute with that name
	ErrAttrNotFound = errors.New("attribute not found")

	// ErrReadOnly means the attribute has no Store callback
	ErrReadOnly = errors.New("attribute is read-only")

	// ErrNotInitialized means Init was not called (or Teardown already was)
	ErrNotInitialized = errors.New("attribute store not initialized")
)

// =============================================================================
// ATTRIBUTE
// =============================================================================

// Attribute is a single named value inside a group.
type Attribute struct {
	// Name is the attribute file name (e.g. "read_delay")
	Name string

	// Show renders the current value, newline terminated
	Show func() string

	// Store applies a new textual value. Nil means read-only.
	Store func(value string) error
}

// Writable reports whether the attribute accepts writes.
func (a Attribute) Writable() bool {
	return a.Store != nil
}

// Store is the collaborator interface delay targets register with.
//
// THREAD SAFETY: All methods are safe for concurrent use. Show and Store
// callbacks are invoked without any store lock held.
type Store interface {
	// Init creates the namespace root. Called when the first target registers.
	Init() error

	// Register publishes a group of attributes.
	Register(group string, attrs []Attribute) error

	// Unregister removes a group. Unknown groups are ignored.
	Unregister(group string) error

	// Read returns the rendered value of one attribute.
	Read(group, name string) (string, error)

	// Write applies a value to one attribute.
	Write(group, name, value string) error

	// Groups lists registered group names in sorted order.
	Groups() []string

	// Attributes lists the attributes of one group in registration order.
	Attributes(group string) ([]Attribute, error)

	// Teardown removes the namespace root. Called after the last target leaves.
	Teardown() error
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory is an in-process attribute store.
type Memory struct {
	mu          sync.RWMutex
	initialized bool
	groups      map[string][]Attribute
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{groups: make(map[string][]Attribute)}
}

// Init marks the namespace as available.
func (m *Memory) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

// Register publishes a group.
func (m *Memory) Register(group string, attrs []Attribute) error {
	if group == "" {
		return fmt.Errorf("%w: empty group name", ErrGroupNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrNotInitialized
	}
	if _, exists := m.groups[group]; exists {
		return fmt.Errorf("%w: %s", ErrGroupExists, group)
	}

	cp := make([]Attribute, len(attrs))
	copy(cp, attrs)
	m.groups[group] = cp
	return nil
}

// Unregister removes a group.
func (m *Memory) Unregister(group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, group)
	return nil
}

// Read renders one attribute.
func (m *Memory) Read(group, name string) (string, error) {
	a, err := m.lookup(group, name)
	if err != nil {
		return "", err
	}
	return a.Show(), nil
}

// Write applies a value to one attribute.
func (m *Memory) Write(group, name, value string) error {
	a, err := m.lookup(group, name)
	if err != nil {
		return err
	}
	if !a.Writable() {
		return fmt.Errorf("%w: %s/%s", ErrReadOnly, group, name)
	}
	return a.Store(value)
}

// Groups lists registered groups.
func (m *Memory) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attributes lists one group's attributes.
func (m *Memory) Attributes(group string) ([]Attribute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attrs, ok := m.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	cp := make([]Attribute, len(attrs))
	copy(cp, attrs)
	return cp, nil
}

// Teardown drops every group and marks the namespace gone.
func (m *Memory) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.groups = make(map[string][]Attribute)
	return nil
}

func (m *Memory) lookup(group, name string) (Attribute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attrs, ok := m.groups[group]
	if !ok {
		return Attribute{}, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	for _, a := range attrs {
		if a.Name == name {
			return a, nil
		}
	}
	return Attribute{}, fmt.Errorf("%w: %s/%s", ErrAttrNotFound, group, name)
}
