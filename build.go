package bootdisk

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/bootdisk/pkg/convert"
	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/grub"
	"github.com/outofforest/bootdisk/pkg/host"
	"github.com/outofforest/bootdisk/pkg/loop"
	"github.com/outofforest/bootdisk/pkg/mount"
	"github.com/outofforest/bootdisk/pkg/partition"
	"github.com/outofforest/bootdisk/pkg/plan"
	"github.com/outofforest/bootdisk/pkg/rootfs"
	"github.com/outofforest/bootdisk/pkg/tool"
	"github.com/outofforest/logger"
)

// NewBuilder creates disk builder.
func NewBuilder(config Config, h Host) *Builder {
	grubConfig := config.Grub
	grubConfig.FSType = config.FSType
	grubConfig.Verbose = grubConfig.Verbose || config.Debug

	rootfsConfig := config.Rootfs
	rootfsConfig.FSType = config.FSType

	var extractor rootfs.Extractor = rootfs.NewTarExtractor(h.Runner)
	if config.Extractor == ExtractorNative {
		extractor = rootfs.NewNativeExtractor()
	}

	loopConfigurators := []loop.Configurator{loop.PartitionWait(config.PartitionWait)}
	if h.IsBlockDevice != nil {
		loopConfigurators = append(loopConfigurators, loop.BlockDeviceProbe(h.IsBlockDevice))
	}

	return &Builder{
		config:  config,
		host:    h,
		metrics: newMetrics(),
		loop:    loop.NewManager(h.Runner, loopConfigurators...),
		partitions: partition.NewCreator(h.Runner, partition.Config{
			TableType: config.PartitionTableType,
			FSType:    config.FSType,
		}),
		bootloader: grub.NewInstaller(h.Runner, h.Mounter, grubConfig),
		rootfs:     rootfs.NewInstaller(h.Mounter, extractor, rootfsConfig),
		converter:  convert.NewConverter(h.Runner, config.Output.Config),
	}
}

// Builder builds bootable virtual disks.
type Builder struct {
	config     Config
	host       Host
	metrics    *metrics
	loop       *loop.Manager
	partitions *partition.Creator
	bootloader *grub.Installer
	rootfs     *rootfs.Installer
	converter  *convert.Converter
}

// Tools returns all the external tools required by the build.
func (b *Builder) Tools() []string {
	tools := []string{"losetup"}
	tools = append(tools, b.partitions.Tools()...)
	tools = append(tools, b.bootloader.Tools()...)
	tools = append(tools, b.rootfs.Tools()...)
	tools = append(tools, b.converter.Tools()...)
	return lo.Uniq(tools)
}

// Build builds the disk from the rootfs archive. Loop device and backing file are released on every exit path.
func (b *Builder) Build(ctx context.Context, archivePath string) (retErr error) {
	buildID := uuid.NewString()
	ctx = logger.With(ctx, zap.String("buildID", buildID))
	log := logger.Get(ctx)

	b.metrics.BuildStarted()
	defer func() {
		b.metrics.BuildFinished(retErr)
		if b.config.MetricsFile == "" {
			return
		}
		if err := b.metrics.Write(b.config.MetricsFile); err != nil {
			log.Warn("Writing metrics failed", zap.String("file", b.config.MetricsFile), zap.Error(err))
		}
	}()
	defer func() {
		if retErr != nil {
			fields := []zap.Field{zap.Error(retErr)}
			if stderr := fault.Stderr(retErr); stderr != "" {
				fields = append(fields, zap.String("stderr", stderr))
			}
			log.Error("Building disk failed", fields...)
		}
	}()

	log.Info("Building disk", zap.String("archive", archivePath), zap.String("output", b.config.Output.Path))

	var p plan.Plan
	if err := b.step(ctx, "preflight", func() error {
		var err error
		p, archivePath, err = b.preflight(archivePath)
		return err
	}); err != nil {
		return err
	}

	unlock, err := host.Lock(b.config.LockFile)
	if err != nil {
		return err
	}
	defer fault.Release(ctx, &retErr, "build lock "+b.config.LockFile, unlock)

	backingFile, err := b.config.backingFile(buildID)
	if err != nil {
		return err
	}

	var d *loop.Disk
	if err := b.step(ctx, "allocate", func() error {
		var err error
		d, err = b.loop.Allocate(ctx, backingFile, b.config.DiskSizeGB)
		return err
	}); err != nil {
		return err
	}
	defer fault.Release(ctx, &retErr, "disk "+backingFile, d.Release)

	log = log.With(zap.String("device", d.DevicePath()))

	if err := b.step(ctx, "partition", func() error {
		entries, err := mount.Table(b.host.MountTable)
		if err != nil {
			return err
		}
		if err := mount.EnsureUnmounted(entries, d.DevicePath()); err != nil {
			return err
		}
		if err := b.partitions.Create(ctx, d, p); err != nil {
			return err
		}
		if !b.config.VerifyLayout {
			return nil
		}
		return partition.Verify(d.BackingPath(), p)
	}); err != nil {
		return err
	}

	if err := b.step(ctx, "bootloader", func() error {
		return b.bootloader.Install(ctx, d, p)
	}); err != nil {
		return err
	}

	if err := b.step(ctx, "rootfs", func() error {
		return b.rootfs.Install(ctx, d, p, archivePath, b.config.Replicas)
	}); err != nil {
		return err
	}

	if err := b.step(ctx, "convert", func() error {
		return b.converter.Finalize(ctx, d, b.config.Output.Path)
	}); err != nil {
		return err
	}

	log.Info("Disk built")
	return nil
}

func (b *Builder) preflight(archivePath string) (plan.Plan, string, error) {
	p, err := b.config.Validate()
	if err != nil {
		return plan.Plan{}, "", err
	}

	archivePath, err = filepath.Abs(archivePath)
	if err != nil {
		return plan.Plan{}, "", errors.WithStack(err)
	}
	if _, err := rootfs.Inspect(archivePath, b.config.ArchiveChecksum); err != nil {
		return plan.Plan{}, "", err
	}

	if b.host.EnsurePrivileges != nil {
		if err := b.host.EnsurePrivileges(); err != nil {
			return plan.Plan{}, "", err
		}
	}
	if err := tool.Require(b.host.Runner, b.Tools()...); err != nil {
		return plan.Plan{}, "", err
	}
	return p, archivePath, nil
}

func (b *Builder) step(ctx context.Context, name string, fn func() error) error {
	log := logger.Get(ctx).With(zap.String("step", name))
	log.Debug("Step started")

	started := time.Now()
	err := fn()
	b.metrics.StepFinished(name, started)

	if err != nil {
		return err
	}
	log.Debug("Step finished", zap.Duration("duration", time.Since(started)))
	return nil
}
