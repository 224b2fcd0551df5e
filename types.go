package bootdisk

import (
	"github.com/outofforest/bootdisk/pkg/host"
	"github.com/outofforest/bootdisk/pkg/mount"
	"github.com/outofforest/bootdisk/pkg/tool"
)

// Host provides access to the machine the disk is built on.
type Host struct {
	// Runner executes external tools.
	Runner tool.Runner

	// Mounter mounts filesystems.
	Mounter mount.Mounter

	// EnsurePrivileges fails if process is not allowed to manage loop devices and mounts.
	EnsurePrivileges func() error

	// IsBlockDevice reports if the path is an existing block device. Loop manager default is used if nil.
	IsBlockDevice func(path string) (bool, error)

	// MountTable is the file listing active mounts.
	MountTable string
}

// NewHost returns the host executing real tools and syscalls.
func NewHost() Host {
	return Host{
		Runner:           tool.NewExec(),
		Mounter:          mount.NewKernel(),
		EnsurePrivileges: host.EnsureRoot,
		MountTable:       mount.TableFile,
	}
}
