package mounttest

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// NewMounter returns fake mounter keeping content of devices in subdirectories of root.
func NewMounter(root string) *Mounter {
	return &Mounter{
		root:   root,
		mounts: map[string]string{},
	}
}

// Mounter simulates filesystems with directories. Mounting moves content of the device directory into the
// target, unmounting moves it back, so content written to the target survives remounts.
type Mounter struct {
	mu           sync.Mutex
	root         string
	mounts       map[string]string
	history      []string
	failMount    error
	failUnmount  error
	unmountCalls int
}

// FailMount makes all subsequent mounts fail.
func (m *Mounter) FailMount(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failMount = err
}

// FailUnmount makes all subsequent unmounts fail.
func (m *Mounter) FailUnmount(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failUnmount = err
}

// Dir returns the directory keeping content of the device.
func (m *Mounter) Dir(source string) string {
	return filepath.Join(m.root, strings.ReplaceAll(strings.TrimPrefix(source, "/"), "/", "_"))
}

// Mount mounts the device.
func (m *Mounter) Mount(source, target, fsType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failMount != nil {
		return m.failMount
	}
	if _, exists := m.mounts[target]; exists {
		return errors.Errorf("%s is already mounted", target)
	}
	for _, s := range m.mounts {
		if s == source {
			return errors.Errorf("%s is already mounted", source)
		}
	}

	dir := m.Dir(source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	if err := move(dir, target); err != nil {
		return err
	}

	m.mounts[target] = source
	m.history = append(m.history, source)
	return nil
}

// Unmount unmounts the device.
func (m *Mounter) Unmount(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unmountCalls++
	if m.failUnmount != nil {
		return m.failUnmount
	}
	source, exists := m.mounts[target]
	if !exists {
		return errors.Errorf("%s is not mounted", target)
	}
	if err := move(target, m.Dir(source)); err != nil {
		return err
	}
	delete(m.mounts, target)
	return nil
}

// Active returns the sources of active mounts.
func (m *Mounter) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	sources := make([]string, 0, len(m.mounts))
	for _, s := range m.mounts {
		sources = append(sources, s)
	}
	return sources
}

// History returns the sources of all mounts in order.
func (m *Mounter) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.history...)
}

// UnmountCalls returns the number of unmount attempts.
func (m *Mounter) UnmountCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.unmountCalls
}

func move(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
