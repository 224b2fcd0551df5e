package mount_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/mount"
	"github.com/outofforest/bootdisk/pkg/mount/mounttest"
	"github.com/outofforest/bootdisk/pkg/test"
)

func TestScopedUnmountsOnSuccess(t *testing.T) {
	ctx := test.Context(t)
	m := mounttest.NewMounter(t.TempDir())

	var mountDir string
	err := mount.Scoped(ctx, m, "/dev/loop0p2", "ext4", func(dir string) error {
		mountDir = dir
		require.Equal(t, []string{"/dev/loop0p2"}, m.Active())
		return os.WriteFile(filepath.Join(dir, "file"), []byte("data"), 0o600)
	})
	require.NoError(t, err)
	require.Empty(t, m.Active())

	_, err = os.Stat(mountDir)
	require.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(m.Dir("/dev/loop0p2"), "file"))
	require.NoError(t, err)
	require.Equal(t, "data", string(data))
}

func TestScopedUnmountsOnFailure(t *testing.T) {
	ctx := test.Context(t)
	m := mounttest.NewMounter(t.TempDir())

	fnErr := errors.New("extraction failed")
	err := mount.Scoped(ctx, m, "/dev/loop0p2", "ext4", func(dir string) error {
		return fnErr
	})
	require.ErrorIs(t, err, fnErr)
	require.Empty(t, m.Active())
	require.Equal(t, 1, m.UnmountCalls())
}

func TestScopedReportsUnmountFailure(t *testing.T) {
	ctx := test.Context(t)
	m := mounttest.NewMounter(t.TempDir())
	m.FailUnmount(errors.New("target is busy"))

	var mountDir string
	err := mount.Scoped(ctx, m, "/dev/loop0p2", "ext4", func(dir string) error {
		mountDir = dir
		return nil
	})
	require.True(t, errors.Is(err, fault.ErrCleanupFailure))

	// Directory must stay because the filesystem is still mounted there.
	_, err = os.Stat(mountDir)
	require.NoError(t, err)
	require.NoError(t, os.Remove(mountDir))
}

func TestScopedMountFailure(t *testing.T) {
	ctx := test.Context(t)
	m := mounttest.NewMounter(t.TempDir())
	m.FailMount(errors.New("wrong fs type"))

	called := false
	err := mount.Scoped(ctx, m, "/dev/loop0p2", "ext4", func(dir string) error {
		called = true
		return nil
	})
	require.Error(t, err)
	require.False(t, called)
	require.Zero(t, m.UnmountCalls())
}

const mounts = `/dev/nvme0n1p2 / ext4 rw,relatime 0 0
proc /proc proc rw,nosuid,nodev,noexec,relatime 0 0
/dev/loop3p2 /tmp/bootdisk-mnt-1 ext4 rw,relatime 0 0
/dev/sdb1 /media/my\040disk vfat rw 0 0
`

func TestParseTable(t *testing.T) {
	entries, err := mount.ParseTable(strings.NewReader(mounts))
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, mount.Entry{Source: "/dev/sdb1", Target: "/media/my disk", FSType: "vfat"}, entries[3])
}

func TestEnsureUnmounted(t *testing.T) {
	entries, err := mount.ParseTable(strings.NewReader(mounts))
	require.NoError(t, err)

	require.NoError(t, mount.EnsureUnmounted(entries, "/dev/loop1"))
	require.NoError(t, mount.EnsureUnmounted(entries, "/dev/loop"))
	require.NoError(t, mount.EnsureUnmounted(entries, "/dev/sdc"))
	require.NoError(t, mount.EnsureUnmounted(entries, "/dev/loop31"))
	require.Error(t, mount.EnsureUnmounted(entries, "/dev/sdb"))

	err = mount.EnsureUnmounted(entries, "/dev/loop3")
	require.True(t, errors.Is(err, fault.ErrConfiguration))
	require.Contains(t, err.Error(), "/tmp/bootdisk-mnt-1")

	err = mount.EnsureUnmounted(entries, "/dev/nvme0n1")
	require.True(t, errors.Is(err, fault.ErrConfiguration))
}
