package mount

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/bootdisk/pkg/fault"
)

// Mounter mounts and unmounts filesystems.
type Mounter interface {
	Mount(source, target, fsType string) error
	Unmount(target string) error
}

// NewKernel returns mounter calling the kernel directly.
func NewKernel() Kernel {
	return Kernel{}
}

// Kernel mounts filesystems using syscalls.
type Kernel struct{}

// Mount mounts the filesystem.
func (Kernel) Mount(source, target, fsType string) error {
	return errors.WithStack(unix.Mount(source, target, fsType, 0, ""))
}

// Unmount unmounts the filesystem.
func (Kernel) Unmount(target string) error {
	return errors.WithStack(unix.Unmount(target, 0))
}

// Acquire mounts device on new scratch directory.
// Returned function unmounts it and removes the directory. Directory is never removed if unmounting failed.
func Acquire(m Mounter, device, fsType string) (string, func(ctx context.Context) error, error) {
	dir, err := os.MkdirTemp("", "bootdisk-mnt-*")
	if err != nil {
		return "", nil, errors.WithStack(err)
	}
	if err := m.Mount(device, dir, fsType); err != nil {
		_ = os.Remove(dir)
		return "", nil, errors.Wrapf(err, "mounting %s on %s failed", device, dir)
	}

	return dir, func(ctx context.Context) error {
		if err := m.Unmount(dir); err != nil {
			return errors.Wrapf(err, "unmounting %s failed", dir)
		}
		return errors.WithStack(os.Remove(dir))
	}, nil
}

// Scoped mounts device on scratch directory, runs fn and unmounts it on every exit path.
func Scoped(ctx context.Context, m Mounter, device, fsType string, fn func(dir string) error) (retErr error) {
	dir, release, err := Acquire(m, device, fsType)
	if err != nil {
		return err
	}
	defer fault.Release(ctx, &retErr, "mount of "+device, release)

	return fn(dir)
}
