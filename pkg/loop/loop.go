package loop

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/tool"
	"github.com/outofforest/logger"
)

const (
	// MB is the number of bytes in megabyte.
	MB = 1024 * 1024

	// GB is the number of bytes in gigabyte.
	GB = 1024 * MB

	// MaxSizeGB is the largest disk whose size in bytes fits the file offset.
	MaxSizeGB = math.MaxInt64 / GB
)

// losetup calls are serialized within the process, losetup --find is racy otherwise.
var losetupMu sync.Mutex

// State is the state of the disk.
type State int

// States of the disk.
const (
	StateUnallocated State = iota
	StateAllocated
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUnallocated:
		return "unallocated"
	case StateAllocated:
		return "allocated"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config is the configuration of loop manager.
type Config struct {
	// PartitionWait is the maximum time to wait for partition device node to appear.
	PartitionWait time.Duration

	// IsBlockDevice reports if the path is an existing block device.
	IsBlockDevice func(path string) (bool, error)

	// LabelDir is the directory where udev links filesystems by their labels.
	LabelDir string
}

// Configurator defines function modifying the config.
type Configurator func(c *Config)

// PartitionWait sets the maximum time to wait for partition device node.
func PartitionWait(wait time.Duration) Configurator {
	return func(c *Config) {
		c.PartitionWait = wait
	}
}

// LabelDir sets the directory of filesystem label links.
func LabelDir(dir string) Configurator {
	return func(c *Config) {
		c.LabelDir = dir
	}
}

// BlockDeviceProbe sets the function checking the presence of device nodes.
func BlockDeviceProbe(probe func(path string) (bool, error)) Configurator {
	return func(c *Config) {
		c.IsBlockDevice = probe
	}
}

// NewManager creates loop device manager.
func NewManager(runner tool.Runner, configurators ...Configurator) *Manager {
	config := Config{
		PartitionWait: 10 * time.Second,
		IsBlockDevice: isBlockDevice,
		LabelDir:      "/dev/disk/by-label",
	}
	for _, c := range configurators {
		c(&config)
	}

	return &Manager{
		runner: runner,
		config: config,
	}
}

// Manager allocates disks backed by files and bound to loop devices.
type Manager struct {
	runner tool.Runner
	config Config
}

// Allocate creates sparse backing file of the size and binds it to a free loop device, scanning its partitions.
// On failure nothing is left behind.
func (m *Manager) Allocate(ctx context.Context, path string, sizeGB uint64) (retDisk *Disk, retErr error) {
	log := logger.Get(ctx)
	log.Info("Allocating disk", zap.String("backingFile", path), zap.Uint64("sizeGB", sizeGB))

	if sizeGB == 0 || sizeGB > MaxSizeGB {
		return nil, fault.Newf(fault.ErrConfiguration, "disk size must be between 1 and %d GB", MaxSizeGB)
	}

	if err := createSparseFile(path, int64(sizeGB)*GB); err != nil {
		return nil, fault.Wrapf(fault.ErrResourceExhausted, err, "creating backing file %s failed", path)
	}

	d := &Disk{
		BackingFile: path,
		manager:     m,
		sizeMB:      sizeGB * 1024,
		state:       StateAllocated,
	}
	defer func() {
		if retErr != nil {
			fault.Release(ctx, &retErr, "disk "+path, d.Release)
		}
	}()

	cmd, err := tool.New("losetup").Flag("--find").Flag("--show").Flag("--partscan").Path(path).Build()
	if err != nil {
		return nil, err
	}

	losetupMu.Lock()
	out, err := m.runner.Run(ctx, cmd)
	losetupMu.Unlock()

	if err != nil {
		if noFreeDevice(fault.Stderr(err)) {
			return nil, fault.Wrapf(fault.ErrResourceExhausted, err, "no free loop device")
		}
		return nil, err
	}

	device := strings.TrimSpace(out.Stdout)
	if !strings.HasPrefix(device, "/dev/loop") {
		err := fault.Newf(fault.ErrToolChainFailure, "unexpected loop device %q returned by losetup", device)
		if detachErr := m.detachAssociated(ctx, path); detachErr != nil {
			log.Error("Detaching loop devices bound to backing file failed", zap.Error(detachErr))
			return nil, fault.Wrapf(fault.ErrCleanupFailure, err, "loop devices bound to %s might be left behind", path)
		}
		return nil, err
	}
	d.Device = device
	d.attached = true

	log.Info("Disk allocated", zap.String("device", device))
	return d, nil
}

// Disk is the file-backed disk bound to loop device.
type Disk struct {
	BackingFile string
	Device      string

	manager  *Manager
	sizeMB   uint64
	mu       sync.Mutex
	state    State
	attached bool
}

// State returns the state of the disk.
func (d *Disk) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// Attached reports if the disk is bound to the loop device.
func (d *Disk) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.attached
}

// DevicePath returns the path of the loop device.
func (d *Disk) DevicePath() string {
	return d.Device
}

// BackingPath returns the path of the backing file.
func (d *Disk) BackingPath() string {
	return d.BackingFile
}

// CapacityMB returns the size of the disk.
func (d *Disk) CapacityMB() uint64 {
	return d.sizeMB
}

// Partition returns the path of the partition device node.
func (d *Disk) Partition(number int) string {
	// Kernel inserts "p" between device and partition number if device name ends with digit, which is always
	// the case for loop devices.
	return fmt.Sprintf("%sp%d", d.Device, number)
}

// PartitionByLabel returns the partition carrying the filesystem label. The label link maintained by udev
// is used only if it points to the partition of this disk, otherwise the partition number defined by the plan
// wins. Filesystem of another disk carrying the same label must never be modified.
func (d *Disk) PartitionByLabel(ctx context.Context, label string, number int) string {
	partition := d.Partition(number)

	target, err := filepath.EvalSymlinks(filepath.Join(d.manager.config.LabelDir, label))
	if err != nil {
		return partition
	}
	if resolved, err := filepath.EvalSymlinks(partition); err == nil && resolved == target {
		return partition
	}

	logger.Get(ctx).Warn("Filesystem label is used by another device, using partition number instead",
		zap.String("label", label),
		zap.String("labelTarget", target),
		zap.String("partition", partition))
	return partition
}

// WaitForPartition waits until the partition device node appears and returns its path.
func (d *Disk) WaitForPartition(ctx context.Context, number int) (string, error) {
	path := d.Partition(number)
	deadline := time.Now().Add(d.manager.config.PartitionWait)
	sleep := time.Millisecond
	for {
		exists, err := d.manager.config.IsBlockDevice(path)
		if err != nil {
			return "", err
		}
		if exists {
			return path, nil
		}
		if time.Now().After(deadline) {
			return "", fault.Newf(fault.ErrToolChainFailure, "partition device %s did not appear within %s",
				path, d.manager.config.PartitionWait)
		}

		select {
		case <-ctx.Done():
			return "", errors.WithStack(ctx.Err())
		case <-time.After(sleep):
		}
		if sleep < 100*time.Millisecond {
			sleep *= 2
		}
	}
}

// Detach unbinds the loop device keeping the backing file.
func (d *Disk) Detach(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return nil
	}

	cmd, err := tool.New("losetup").Flag("--detach").Path(d.Device).Build()
	if err != nil {
		return err
	}

	losetupMu.Lock()
	defer losetupMu.Unlock()

	if _, err := d.manager.runner.Run(ctx, cmd); err != nil {
		return err
	}
	d.attached = false

	logger.Get(ctx).Info("Loop device detached", zap.String("device", d.Device))
	return nil
}

// Release detaches the loop device and deletes the backing file. It may be called many times.
// If detaching fails, the backing file is kept so the call might be repeated.
func (d *Disk) Release(ctx context.Context) error {
	if d.State() == StateReleased {
		return nil
	}
	if err := d.Detach(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.Remove(d.BackingFile); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	d.state = StateReleased

	logger.Get(ctx).Info("Disk released", zap.String("backingFile", d.BackingFile))
	return nil
}

// detachAssociated detaches all the loop devices bound to the backing file.
func (m *Manager) detachAssociated(ctx context.Context, path string) error {
	cmd, err := tool.New("losetup").
		Flag("--list").
		Flag("--noheadings").
		OptionEq("--output", "NAME").
		PathEq("--associated", path).
		Build()
	if err != nil {
		return err
	}

	losetupMu.Lock()
	defer losetupMu.Unlock()

	out, err := m.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	for _, device := range strings.Fields(out.Stdout) {
		if !strings.HasPrefix(device, "/dev/loop") {
			continue
		}
		cmd, err := tool.New("losetup").Flag("--detach").Path(device).Build()
		if err != nil {
			return err
		}
		if _, err := m.runner.Run(ctx, cmd); err != nil {
			return err
		}
		logger.Get(ctx).Info("Loop device detached", zap.String("device", device))
	}
	return nil
}

func createSparseFile(path string, size int64) (retErr error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if retErr != nil {
			_ = os.Remove(path)
		}
	}()
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EFBIG) || errors.Is(err, unix.EDQUOT) {
			return errors.Wrapf(err, "filesystem cannot hold %d bytes", size)
		}
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

func noFreeDevice(stderr string) bool {
	stderr = strings.ToLower(stderr)
	return strings.Contains(stderr, "free loop device") || strings.Contains(stderr, "unused loop device")
}

func isBlockDevice(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		return info.Mode()&os.ModeDevice != 0 && info.Mode()&os.ModeCharDevice == 0, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.WithStack(err)
	}
}
