package host

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/bootdisk/pkg/fault"
)

// DefaultLockFile is the default path of the build lock.
const DefaultLockFile = "/run/lock/bootdisk.lock"

// EnsureRoot fails if process does not run with effective uid 0.
func EnsureRoot() error {
	if euid := unix.Geteuid(); euid != 0 {
		return fault.Newf(fault.ErrPrivilege, "building disk requires root, running as uid %d", euid)
	}
	return nil
}

// Identity is the owner of produced files.
type Identity struct {
	UID int
	GID int
}

// InvokingIdentity returns the identity of the user who invoked the build.
// When running under sudo it is taken from SUDO_UID and SUDO_GID, otherwise the real ids of the process are used.
func InvokingIdentity() (Identity, error) {
	id := Identity{
		UID: unix.Getuid(),
		GID: unix.Getgid(),
	}

	if v := os.Getenv("SUDO_UID"); v != "" {
		uid, err := strconv.Atoi(v)
		if err != nil || uid < 0 {
			return Identity{}, fault.Newf(fault.ErrConfiguration, "invalid SUDO_UID %q", v)
		}
		id.UID = uid
	}
	if v := os.Getenv("SUDO_GID"); v != "" {
		gid, err := strconv.Atoi(v)
		if err != nil || gid < 0 {
			return Identity{}, fault.Newf(fault.ErrConfiguration, "invalid SUDO_GID %q", v)
		}
		id.GID = gid
	}
	return id, nil
}

// Lock acquires exclusive lock guaranteeing that only one build runs on the host at a time.
// Returned function releases it.
func Lock(path string) (func(ctx context.Context) error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fault.Newf(fault.ErrResourceExhausted, "another build holds lock %s", path)
		}
		return nil, errors.WithStack(err)
	}

	return func(ctx context.Context) error {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			_ = f.Close()
			return errors.WithStack(err)
		}
		return errors.WithStack(f.Close())
	}, nil
}
