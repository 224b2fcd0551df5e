package grub_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/ridge/must"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/grub"
	"github.com/outofforest/bootdisk/pkg/mount/mounttest"
	"github.com/outofforest/bootdisk/pkg/plan"
	"github.com/outofforest/bootdisk/pkg/test"
	"github.com/outofforest/bootdisk/pkg/tool"
	"github.com/outofforest/bootdisk/pkg/tool/tooltest"
)

type fakeDisk struct{}

func (fakeDisk) DevicePath() string {
	return "/dev/loop7"
}

func (fakeDisk) PartitionByLabel(_ context.Context, _ string, number int) string {
	return fmt.Sprintf("/dev/loop7p%d", number)
}

const expectedGrubCfg = `set default=0
set timeout=10

set menu_color_normal=white/black
set menu_color_highlight=black/light-gray

if sleep --verbose --interruptible 5 ; then
  echo "Loading ..."
  set timeout=0
fi

menuentry "Linux (BOOTBANK1)" {
  search --label --set=root --no-floppy BOOTBANK1
  linux /vmlinuz root=LABEL=BOOTBANK1 rw quiet splash
  initrd /initrd.img
}

menuentry "Linux (BOOTBANK1, debug)" {
  search --label --set=root --no-floppy BOOTBANK1
  linux /vmlinuz root=LABEL=BOOTBANK1 rw console=tty0 console=ttyS0,115200 debug
  initrd /initrd.img
}

menuentry "Linux (BOOTBANK2)" {
  search --label --set=root --no-floppy BOOTBANK2
  linux /vmlinuz root=LABEL=BOOTBANK2 rw quiet splash
  initrd /initrd.img
}

menuentry "Linux (BOOTBANK2, debug)" {
  search --label --set=root --no-floppy BOOTBANK2
  linux /vmlinuz root=LABEL=BOOTBANK2 rw console=tty0 console=ttyS0,115200 debug
  initrd /initrd.img
}
`

func TestRender(t *testing.T) {
	a, err := grub.Render(grub.DefaultConfig(), "/dev/loop7", plan.Default())
	require.NoError(t, err)

	require.Equal(t, "(hd0) /dev/loop7\n", string(a.DeviceMap))
	require.Equal(t, "search.fs_label GRUB root\nset prefix=($root)/boot/grub\n", string(a.LoadCfg))
	require.Equal(t, expectedGrubCfg, string(a.GrubCfg))
}

func TestRenderRejectsUnsafeValues(t *testing.T) {
	config := grub.DefaultConfig()
	config.DistributionName = `Linux" {`

	_, err := grub.Render(config, "/dev/loop7", plan.Default())
	require.True(t, errors.Is(err, fault.ErrConfiguration))

	config = grub.DefaultConfig()
	config.Kernel = "vmlinuz"

	_, err = grub.Render(config, "/dev/loop7", plan.Default())
	require.True(t, errors.Is(err, fault.ErrConfiguration))
}

func modulesDir(t *testing.T) string {
	dir := t.TempDir()
	platformDir := filepath.Join(dir, "i386-pc")
	must.OK(os.MkdirAll(platformDir, 0o755))
	must.OK(os.WriteFile(filepath.Join(platformDir, "boot.img"), []byte("boot"), 0o644))
	must.OK(os.WriteFile(filepath.Join(platformDir, "ext2.mod"), []byte("ext2"), 0o644))
	return dir
}

func newInstaller(t *testing.T, r *tooltest.Recorder, m *mounttest.Mounter) *grub.Installer {
	config := grub.DefaultConfig()
	config.ModulesDir = modulesDir(t)
	return grub.NewInstaller(r, m, config)
}

func buildCoreImage(cmd tool.Command) (tool.Output, error) {
	return tool.Output{}, os.WriteFile(tooltest.Value(cmd, "--output"), []byte("core"), 0o644)
}

func TestInstall(t *testing.T) {
	ctx := test.Context(t)
	r := tooltest.NewRecorder()
	r.Handle("grub-mkimage", buildCoreImage)
	m := mounttest.NewMounter(t.TempDir())

	i := newInstaller(t, r, m)
	require.Equal(t, []string{"grub-mkimage", "grub-bios-setup"}, i.Tools())
	require.Equal(t, grub.StateUnmounted, i.State())

	require.NoError(t, i.Install(ctx, fakeDisk{}, plan.Default()))
	require.Equal(t, grub.StateUnmounted, i.State())
	require.Empty(t, m.Active())
	require.Equal(t, []string{"/dev/loop7p1"}, m.History())

	grubDir := filepath.Join(m.Dir("/dev/loop7p1"), "boot", "grub")
	for _, file := range []string{"boot.img", "ext2.mod", "core.img", "device.map", "load.cfg", "grub.cfg"} {
		_, err := os.Stat(filepath.Join(grubDir, file))
		require.NoError(t, err, file)
	}

	grubCfg, err := os.ReadFile(filepath.Join(grubDir, "grub.cfg"))
	require.NoError(t, err)
	require.Equal(t, expectedGrubCfg, string(grubCfg))

	cmds := r.Commands()
	require.Len(t, cmds, 2)
	require.Equal(t, "grub-mkimage", cmds[0].Name)
	require.Equal(t, "/boot/grub", tooltest.Value(cmds[0], "--prefix"))
	require.Equal(t, "i386-pc", tooltest.Value(cmds[0], "--format"))
	require.Equal(t, []string{"biosdisk", "ext2", "part_msdos", "search"}, cmds[0].Args[len(cmds[0].Args)-4:])

	require.Equal(t, "grub-bios-setup", cmds[1].Name)
	require.Equal(t, "boot.img", tooltest.Value(cmds[1], "--boot-image"))
	require.Equal(t, "core.img", tooltest.Value(cmds[1], "--core-image"))
	require.Contains(t, cmds[1].Args, "--skip-fs-probe")
	require.NotContains(t, cmds[1].Args, "--verbose")
	require.Equal(t, "/dev/loop7", cmds[1].Args[len(cmds[1].Args)-1])
}

func TestInstallVerbose(t *testing.T) {
	ctx := test.Context(t)
	r := tooltest.NewRecorder()
	r.Handle("grub-mkimage", buildCoreImage)
	m := mounttest.NewMounter(t.TempDir())

	config := grub.DefaultConfig()
	config.ModulesDir = modulesDir(t)
	config.Verbose = true

	require.NoError(t, grub.NewInstaller(r, m, config).Install(ctx, fakeDisk{}, plan.Default()))
	for _, cmd := range r.Commands() {
		require.Contains(t, cmd.Args, "--verbose")
	}
}

func TestInstallMissingCoreImage(t *testing.T) {
	ctx := test.Context(t)
	r := tooltest.NewRecorder()
	m := mounttest.NewMounter(t.TempDir())

	i := newInstaller(t, r, m)
	err := i.Install(ctx, fakeDisk{}, plan.Default())
	require.True(t, errors.Is(err, fault.ErrToolChainFailure))
	require.Equal(t, grub.StateUnmounted, i.State())
	require.Empty(t, m.Active())
	require.False(t, r.Invoked("grub-bios-setup"))
}

func TestInstallSetupFailure(t *testing.T) {
	ctx := test.Context(t)
	r := tooltest.NewRecorder()
	r.Handle("grub-mkimage", buildCoreImage)
	r.Handle("grub-bios-setup", tooltest.Fail(1, "grub-bios-setup: error: embedding is not possible"))
	m := mounttest.NewMounter(t.TempDir())

	i := newInstaller(t, r, m)
	err := i.Install(ctx, fakeDisk{}, plan.Default())
	require.True(t, errors.Is(err, fault.ErrExternalTool))
	require.Equal(t, "grub-bios-setup: error: embedding is not possible", fault.Stderr(err))
	require.Equal(t, grub.StateUnmounted, i.State())
	require.Empty(t, m.Active())
}

func TestInstallMissingModules(t *testing.T) {
	ctx := test.Context(t)
	r := tooltest.NewRecorder()
	m := mounttest.NewMounter(t.TempDir())

	config := grub.DefaultConfig()
	config.ModulesDir = t.TempDir()

	i := grub.NewInstaller(r, m, config)
	err := i.Install(ctx, fakeDisk{}, plan.Default())
	require.True(t, errors.Is(err, fault.ErrMissingDependency))
	require.Equal(t, grub.StateUnmounted, i.State())
	require.Empty(t, m.Active())
	require.Empty(t, r.Commands())
}

func TestInstallUnmountFailure(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	ctx := test.Context(t)
	r := tooltest.NewRecorder()
	r.Handle("grub-mkimage", buildCoreImage)
	m := mounttest.NewMounter(t.TempDir())
	m.FailUnmount(errors.New("target is busy"))

	i := newInstaller(t, r, m)
	err := i.Install(ctx, fakeDisk{}, plan.Default())
	require.True(t, errors.Is(err, fault.ErrCleanupFailure))
	require.Equal(t, grub.StateInstalled, i.State())
}
