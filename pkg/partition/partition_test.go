package partition_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/partition"
	"github.com/outofforest/bootdisk/pkg/plan"
	"github.com/outofforest/bootdisk/pkg/test"
	"github.com/outofforest/bootdisk/pkg/tool/tooltest"
)

type fakeDisk struct {
	waited []int
}

func (d *fakeDisk) DevicePath() string {
	return "/dev/loop7"
}

func (d *fakeDisk) WaitForPartition(_ context.Context, number int) (string, error) {
	d.waited = append(d.waited, number)
	return fmt.Sprintf("/dev/loop7p%d", number), nil
}

func TestCreate(t *testing.T) {
	ctx := test.Context(t)
	r := tooltest.NewRecorder()
	d := &fakeDisk{}

	c := partition.NewCreator(r, partition.DefaultConfig())
	require.Equal(t, []string{"parted", "mkfs.ext4"}, c.Tools())
	require.NoError(t, c.Create(ctx, d, plan.Default()))

	require.Equal(t, []int{1, 2, 3, 4}, d.waited)
	require.Equal(t, []string{
		"parted --script /dev/loop7 mklabel msdos",
		"parted --script /dev/loop7 unit MiB mkpart primary ext4 1 65",
		"mkfs.ext4 -F -L GRUB /dev/loop7p1",
		"parted --script /dev/loop7 unit MiB mkpart primary ext4 65 1089",
		"mkfs.ext4 -F -L BOOTBANK1 /dev/loop7p2",
		"parted --script /dev/loop7 unit MiB mkpart primary ext4 1089 2113",
		"mkfs.ext4 -F -L BOOTBANK2 /dev/loop7p3",
		"parted --script /dev/loop7 unit MiB mkpart primary ext4 2113 4161",
		"mkfs.ext4 -F -L CONFIG /dev/loop7p4",
	}, r.CommandLines())
}

func TestCreateStopsOnToolFailure(t *testing.T) {
	ctx := test.Context(t)
	r := tooltest.NewRecorder()
	r.Handle("mkfs.ext4", tooltest.Fail(1, "mkfs.ext4: Device size reported to be zero"))

	err := partition.NewCreator(r, partition.DefaultConfig()).Create(ctx, &fakeDisk{}, plan.Default())
	require.True(t, errors.Is(err, fault.ErrExternalTool))

	var toolErr *fault.ToolError
	require.True(t, errors.As(err, &toolErr))
	require.Equal(t, 1, toolErr.ExitCode)
	require.Equal(t, "mkfs.ext4: Device size reported to be zero", toolErr.Stderr)
	require.Len(t, r.Commands(), 3)
}

func TestCreateVFAT(t *testing.T) {
	ctx := test.Context(t)
	r := tooltest.NewRecorder()

	p, err := plan.New(
		plan.Spec{Kind: plan.KindBootloader, Label: "BOOT", SizeMB: 32},
		plan.Spec{Kind: plan.KindOS, Label: "ROOT", SizeMB: 256},
	)
	require.NoError(t, err)

	c := partition.NewCreator(r, partition.Config{TableType: "msdos", FSType: "vfat"})
	require.NoError(t, c.Create(ctx, &fakeDisk{}, p))
	require.Contains(t, r.CommandLines(), "mkfs.vfat -n ROOT /dev/loop7p2")
}

func TestCreateUnsupportedFilesystem(t *testing.T) {
	ctx := test.Context(t)
	r := tooltest.NewRecorder()

	c := partition.NewCreator(r, partition.Config{TableType: "msdos", FSType: "zfs"})
	err := c.Create(ctx, &fakeDisk{}, plan.Default())
	require.True(t, errors.Is(err, fault.ErrConfiguration))
	require.Empty(t, r.Commands())
}

func writeMBR(t *testing.T, path string, extents ...[2]uint32) {
	d, err := diskfs.Create(path, 4200*1024*1024, diskfs.SectorSizeDefault)
	require.NoError(t, err)

	table := &mbr.Table{
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
	}
	for _, e := range extents {
		table.Partitions = append(table.Partitions, &mbr.Partition{
			Type:  mbr.Linux,
			Start: e[0],
			Size:  e[1],
		})
	}
	require.NoError(t, d.Partition(table))
	require.NoError(t, d.Close())
}

func TestVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.raw")
	writeMBR(t, path,
		[2]uint32{2048, 64 * 2048},
		[2]uint32{65 * 2048, 1024 * 2048},
		[2]uint32{1089 * 2048, 1024 * 2048},
		[2]uint32{2113 * 2048, 2048 * 2048},
	)

	require.NoError(t, partition.Verify(path, plan.Default()))
}

func TestVerifyMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.raw")
	writeMBR(t, path,
		[2]uint32{2048, 64 * 2048},
		[2]uint32{65 * 2048, 512 * 2048},
	)

	p, err := plan.New(
		plan.Spec{Kind: plan.KindBootloader, Label: "GRUB", SizeMB: 64},
		plan.Spec{Kind: plan.KindOS, Label: "BOOTBANK1", SizeMB: 1024},
	)
	require.NoError(t, err)

	err = partition.Verify(path, p)
	require.True(t, errors.Is(err, fault.ErrToolChainFailure))

	err = partition.Verify(path, plan.Default())
	require.True(t, errors.Is(err, fault.ErrToolChainFailure))
}
