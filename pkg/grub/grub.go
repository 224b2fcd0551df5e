package grub

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/fsutil"
	"github.com/outofforest/bootdisk/pkg/mount"
	"github.com/outofforest/bootdisk/pkg/plan"
	"github.com/outofforest/bootdisk/pkg/tool"
	"github.com/outofforest/logger"
)

const (
	prefix        = "/boot/grub"
	bootImageFile = "boot.img"
	coreImageFile = "core.img"
	deviceMapFile = "device.map"
	loadCfgFile   = "load.cfg"
	grubCfgFile   = "grub.cfg"
)

var (
	//go:embed grub.tmpl.cfg
	grubCfg     string
	grubCfgTmpl = lo.Must(template.New("grub").Parse(grubCfg))

	//go:embed load.tmpl.cfg
	loadCfg     string
	loadCfgTmpl = lo.Must(template.New("load").Parse(loadCfg))

	//go:embed device.tmpl.map
	deviceMap     string
	deviceMapTmpl = lo.Must(template.New("deviceMap").Parse(deviceMap))
)

// State is the step of bootloader installation.
type State int

// Installation steps.
const (
	StateUnmounted State = iota
	StateMounted
	StateDirectoryPrepared
	StateFilesCopied
	StateConfigsWritten
	StateCoreImageBuilt
	StateInstalled
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounted:
		return "mounted"
	case StateDirectoryPrepared:
		return "directoryPrepared"
	case StateFilesCopied:
		return "filesCopied"
	case StateConfigsWritten:
		return "configsWritten"
	case StateCoreImageBuilt:
		return "coreImageBuilt"
	case StateInstalled:
		return "installed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config is the configuration of bootloader installer.
type Config struct {
	Platform           string   `yaml:"platform"`
	ModulesDir         string   `yaml:"modulesDir"`
	MkImage            string   `yaml:"mkImage"`
	Setup              string   `yaml:"setup"`
	CoreModules        []string `yaml:"coreModules"`
	Timeout            uint     `yaml:"timeout"`
	HiddenTimeout      uint     `yaml:"hiddenTimeout"`
	DistributionName   string   `yaml:"distributionName"`
	Kernel             string   `yaml:"kernel"`
	Initrd             string   `yaml:"initrd"`
	KernelOptions      string   `yaml:"kernelOptions"`
	DebugKernelOptions string   `yaml:"debugKernelOptions"`
	Verbose            bool     `yaml:"verbose"`

	// FSType is the filesystem of the bootloader partition.
	FSType string `yaml:"-"`
}

// DefaultConfig returns default configuration of BIOS bootloader.
func DefaultConfig() Config {
	return Config{
		Platform:           "i386-pc",
		ModulesDir:         "/usr/lib/grub",
		MkImage:            "grub-mkimage",
		Setup:              "grub-bios-setup",
		CoreModules:        []string{"biosdisk", "ext2", "part_msdos", "search"},
		Timeout:            10,
		HiddenTimeout:      5,
		DistributionName:   "Linux",
		Kernel:             "/vmlinuz",
		Initrd:             "/initrd.img",
		KernelOptions:      "rw quiet splash",
		DebugKernelOptions: "rw console=tty0 console=ttyS0,115200 debug",
		FSType:             "ext4",
	}
}

func (c Config) validate() error {
	for name, v := range map[string]string{
		"distribution name": c.DistributionName,
		"kernel":            c.Kernel,
		"initrd":            c.Initrd,
		"kernel options":    c.KernelOptions,
		"debug options":     c.DebugKernelOptions,
	} {
		if v == "" || strings.ContainsAny(v, "\"\\$`{}\n\r\t\x00") {
			return fault.Newf(fault.ErrConfiguration, "invalid bootloader %s %q", name, v)
		}
	}
	if !filepath.IsAbs(c.Kernel) || !filepath.IsAbs(c.Initrd) {
		return fault.Newf(fault.ErrConfiguration, "kernel and initrd paths must be absolute")
	}
	if len(c.CoreModules) == 0 {
		return fault.Newf(fault.ErrConfiguration, "no core modules configured for bootloader image")
	}
	return nil
}

// Artifacts are the configuration files of the bootloader.
type Artifacts struct {
	DeviceMap []byte
	LoadCfg   []byte
	GrubCfg   []byte
}

// MenuEntry is the boot menu entry.
type MenuEntry struct {
	Title   string
	Label   string
	Options string
}

// Render renders bootloader configuration files for the disk device and the plan.
// Every OS partition receives normal and debug menu entry.
func Render(config Config, device string, p plan.Plan) (Artifacts, error) {
	if err := config.validate(); err != nil {
		return Artifacts{}, err
	}

	var entries []MenuEntry
	for _, e := range p.OS() {
		entries = append(entries,
			MenuEntry{
				Title:   fmt.Sprintf("%s (%s)", config.DistributionName, e.Label),
				Label:   e.Label,
				Options: config.KernelOptions,
			},
			MenuEntry{
				Title:   fmt.Sprintf("%s (%s, debug)", config.DistributionName, e.Label),
				Label:   e.Label,
				Options: config.DebugKernelOptions,
			},
		)
	}

	var a Artifacts
	var err error
	if a.DeviceMap, err = render(deviceMapTmpl, struct{ Device string }{Device: device}); err != nil {
		return Artifacts{}, err
	}
	if a.LoadCfg, err = render(loadCfgTmpl, struct {
		Label  string
		Prefix string
	}{
		Label:  p.Bootloader().Label,
		Prefix: prefix,
	}); err != nil {
		return Artifacts{}, err
	}
	if a.GrubCfg, err = render(grubCfgTmpl, struct {
		Timeout       uint
		HiddenTimeout uint
		Kernel        string
		Initrd        string
		Entries       []MenuEntry
	}{
		Timeout:       config.Timeout,
		HiddenTimeout: config.HiddenTimeout,
		Kernel:        config.Kernel,
		Initrd:        config.Initrd,
		Entries:       entries,
	}); err != nil {
		return Artifacts{}, err
	}
	return a, nil
}

func render(tmpl *template.Template, data any) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := tmpl.Execute(buf, data); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

// Disk is the disk receiving the bootloader.
type Disk interface {
	DevicePath() string
	PartitionByLabel(ctx context.Context, label string, number int) string
}

// NewInstaller creates bootloader installer.
func NewInstaller(runner tool.Runner, mounter mount.Mounter, config Config) *Installer {
	return &Installer{
		runner:  runner,
		mounter: mounter,
		config:  config,
	}
}

// Installer installs GRUB into the bootloader partition and the boot sector of the disk.
type Installer struct {
	runner  tool.Runner
	mounter mount.Mounter
	config  Config
	state   State
}

// Tools returns the external tools used by the installer.
func (i *Installer) Tools() []string {
	return []string{i.config.MkImage, i.config.Setup}
}

// State returns the current installation step.
func (i *Installer) State() State {
	return i.state
}

// Install installs the bootloader. Bootloader partition is unmounted on every exit path.
func (i *Installer) Install(ctx context.Context, d Disk, p plan.Plan) (retErr error) {
	device := d.DevicePath()
	artifacts, err := Render(i.config, device, p)
	if err != nil {
		return err
	}

	boot := p.Bootloader()
	partition := d.PartitionByLabel(ctx, boot.Label, boot.Number)

	log := logger.Get(ctx).With(zap.String("device", device), zap.String("partition", partition),
		zap.String("label", boot.Label))
	log.Info("Installing bootloader")

	dir, release, err := mount.Acquire(i.mounter, partition, i.config.FSType)
	if err != nil {
		return err
	}
	i.state = StateMounted
	defer fault.Release(ctx, &retErr, "bootloader partition mount", func(ctx context.Context) error {
		if err := release(ctx); err != nil {
			return err
		}
		i.state = StateUnmounted
		return nil
	})

	grubDir := filepath.Join(dir, prefix)
	if err := os.MkdirAll(grubDir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	i.state = StateDirectoryPrepared

	modulesDir := filepath.Join(i.config.ModulesDir, i.config.Platform)
	if info, err := os.Stat(modulesDir); err != nil || !info.IsDir() {
		return fault.Newf(fault.ErrMissingDependency, "bootloader modules directory %s does not exist", modulesDir)
	}
	if err := fsutil.CopyDir(modulesDir, grubDir); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(grubDir, bootImageFile)); err != nil {
		return fault.Newf(fault.ErrMissingDependency, "boot image %s is missing in %s", bootImageFile, modulesDir)
	}
	i.state = StateFilesCopied

	for file, content := range map[string][]byte{
		deviceMapFile: artifacts.DeviceMap,
		loadCfgFile:   artifacts.LoadCfg,
		grubCfgFile:   artifacts.GrubCfg,
	} {
		if err := fsutil.WriteFileAtomic(filepath.Join(grubDir, file), content, 0o644); err != nil {
			return err
		}
	}
	i.state = StateConfigsWritten

	coreImage := filepath.Join(grubDir, coreImageFile)
	mkImage := tool.New(i.config.MkImage).
		PathEq("--config", filepath.Join(grubDir, loadCfgFile)).
		PathEq("--output", coreImage).
		PathEq("--prefix", prefix).
		OptionEq("--format", i.config.Platform)
	if i.config.Verbose {
		mkImage.Flag("--verbose")
	}
	if err := i.run(ctx, mkImage.Arg(i.config.CoreModules...)); err != nil {
		return err
	}
	if _, err := os.Stat(coreImage); err != nil {
		return fault.Wrapf(fault.ErrToolChainFailure, err, "%s succeeded but did not produce %s",
			i.config.MkImage, coreImage)
	}
	i.state = StateCoreImageBuilt

	setup := tool.New(i.config.Setup).
		OptionEq("--boot-image", bootImageFile).
		OptionEq("--core-image", coreImageFile).
		PathEq("--directory", grubDir).
		PathEq("--device-map", filepath.Join(grubDir, deviceMapFile)).
		Flag("--skip-fs-probe")
	if i.config.Verbose {
		setup.Flag("--verbose")
	}
	if err := i.run(ctx, setup.Path(device)); err != nil {
		return err
	}
	i.state = StateInstalled

	log.Info("Bootloader installed")
	return nil
}

func (i *Installer) run(ctx context.Context, b *tool.Builder) error {
	cmd, err := b.Build()
	if err != nil {
		return err
	}
	_, err = i.runner.Run(ctx, cmd)
	return err
}
