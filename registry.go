package vfs

import (
	"fmt"
	"sync"

	"github.com/jacobsa/syncutil"

	"github.com/0xUINTBEEF/uintvfs/blockdev"
)

// MaxDrivers caps the size of the registered-driver table.
const MaxDrivers = 16

// Mount is one entry of the active mount table. It's created by a successful
// [Registry.Mount] and destroyed by [Registry.Unmount] once no open handles
// remain against it.
type Mount struct {
	// mu guards refs and corrupted. In the lock hierarchy it sits
	// below the registry lock and above handle locks.
	mu sync.Mutex

	path       string
	driverName string
	dev        blockdev.Device
	flags      MountFlags
	fs         FileSystem

	refs      int
	corrupted bool
}

// Path returns the canonical mount-point path.
func (m *Mount) Path() string {
	return m.path
}

// DriverName returns the name the mount's driver was registered under.
func (m *Mount) DriverName() string {
	return m.driverName
}

// DeviceID returns the identifier of the backing device, if any.
func (m *Mount) DeviceID() string {
	if m.dev == nil {
		return ""
	}
	return m.dev.ID()
}

func (m *Mount) acquire() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

func (m *Mount) release() {
	m.mu.Lock()
	m.refs--
	m.mu.Unlock()
}

// markCorrupted latches the mount read-only after a corruption error. Every
// subsequent mutation fails ErrReadOnlyFileSystem until unmount.
func (m *Mount) markCorrupted() {
	m.mu.Lock()
	m.corrupted = true
	m.mu.Unlock()
}

// canWrite tells whether mutations are currently admissible on this mount.
func (m *Mount) canWrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags.CanWrite() && !m.corrupted
}

// Registry holds the process-wide driver table and the active mount table.
// Reads and writes of both are serialized by the registry lock; the lock is
// never held across driver operations or device I/O.
type Registry struct {
	mu syncutil.InvariantMutex

	// drivers and mounts are guarded by mu. The mount table is an ordered
	// slice scanned linearly; longest-prefix dispatch over a handful of
	// mounts doesn't warrant anything fancier.
	drivers map[string]DriverType
	mounts  []*Mount
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	registry := &Registry{
		drivers: make(map[string]DriverType),
	}
	registry.mu = syncutil.NewInvariantMutex(registry.checkInvariants)
	return registry
}

func (registry *Registry) checkInvariants() {
	if len(registry.drivers) > MaxDrivers {
		panic(fmt.Sprintf(
			"driver table holds %d entries, limit is %d",
			len(registry.drivers),
			MaxDrivers,
		))
	}
	seen := make(map[string]bool, len(registry.mounts))
	for _, m := range registry.mounts {
		if seen[m.path] {
			panic(fmt.Sprintf("duplicate mount point %q", m.path))
		}
		seen[m.path] = true
	}
}

// RegisterDriver binds a driver name to its implementation. Driver names are
// static per boot: registration fails ErrExists on a duplicate and
// ErrNoSpaceOnDevice once the table is full, and there is no unregister.
func (registry *Registry) RegisterDriver(name string, driver DriverType) DriverError {
	if name == "" || driver == nil {
		return ErrInvalidArgument.WithMessage("driver name and implementation are required")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.drivers[name]; exists {
		return ErrExists.WithMessage(
			fmt.Sprintf("driver %q is already registered", name),
		)
	}
	if len(registry.drivers) >= MaxDrivers {
		return ErrNoSpaceOnDevice.WithMessage("driver table is full")
	}

	registry.drivers[name] = driver
	return nil
}

// Mount attaches a volume at `path` using the named driver. The path must
// normalize to one that is not already a mount point.
func (registry *Registry) Mount(
	driverName string,
	dev blockdev.Device,
	path string,
	flags MountFlags,
) DriverError {
	mountPath, err := NormalizePath(path)
	if err != nil {
		return err
	}

	registry.mu.Lock()
	driver, known := registry.drivers[driverName]
	if !known {
		registry.mu.Unlock()
		return ErrNotFound.WithMessage(
			fmt.Sprintf("no driver registered as %q", driverName),
		)
	}
	for _, m := range registry.mounts {
		if m.path == mountPath {
			registry.mu.Unlock()
			return ErrExists.WithMessage(
				fmt.Sprintf("%q is already a mount point", mountPath),
			)
		}
	}
	registry.mu.Unlock()

	// The driver's mount hook performs device I/O, so the registry lock
	// stays released around it.
	fs, err := driver.Mount(dev, flags)
	if err != nil {
		return err
	}

	mount := &Mount{
		path:       mountPath,
		driverName: driverName,
		dev:        dev,
		flags:      flags,
		fs:         fs,
	}

	registry.mu.Lock()

	// Re-check: another mount may have claimed the path while the driver
	// hook ran.
	for _, m := range registry.mounts {
		if m.path == mountPath {
			registry.mu.Unlock()
			fs.Unmount()
			return ErrExists.WithMessage(
				fmt.Sprintf("%q is already a mount point", mountPath),
			)
		}
	}
	registry.mounts = append(registry.mounts, mount)
	registry.mu.Unlock()
	return nil
}

// Unmount drains and detaches the mount at `path`. Mounts with live handles
// fail ErrBusy; the driver's unmount hook may also refuse, leaving the mount
// linked in.
func (registry *Registry) Unmount(path string) DriverError {
	mountPath, err := NormalizePath(path)
	if err != nil {
		return err
	}

	registry.mu.Lock()
	idx := -1
	for i, m := range registry.mounts {
		if m.path == mountPath {
			idx = i
			break
		}
	}
	if idx < 0 {
		registry.mu.Unlock()
		return ErrNotFound.WithMessage(
			fmt.Sprintf("%q is not a mount point", mountPath),
		)
	}

	mount := registry.mounts[idx]
	mount.mu.Lock()
	busy := mount.refs > 0
	mount.mu.Unlock()
	if busy {
		registry.mu.Unlock()
		return ErrBusy.WithMessage(
			fmt.Sprintf("%q has open handles", mountPath),
		)
	}
	registry.mu.Unlock()

	if err := mount.fs.Unmount(); err != nil {
		return err
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	for i, m := range registry.mounts {
		if m == mount {
			registry.mounts = append(registry.mounts[:i], registry.mounts[i+1:]...)
			break
		}
	}
	return nil
}

// findMount resolves a normalized absolute path to the mount with the
// longest matching mount point, plus the path relative to that mount.
func (registry *Registry) findMount(path string) (*Mount, string, DriverError) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var best *Mount
	for _, m := range registry.mounts {
		if !isPathPrefix(m.path, path) {
			continue
		}
		if best == nil || len(m.path) > len(best.path) {
			best = m
		}
	}

	if best == nil {
		return nil, "", ErrNotFound.WithMessage(
			fmt.Sprintf("no mounted file system serves %q", path),
		)
	}
	return best, relativizePath(best.path, path), nil
}

// Mounts returns a snapshot of the active mount table, in the order the
// mounts were made.
func (registry *Registry) Mounts() []*Mount {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return append([]*Mount(nil), registry.mounts...)
}
