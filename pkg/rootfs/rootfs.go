package rootfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/fsutil"
	"github.com/outofforest/bootdisk/pkg/mount"
	"github.com/outofforest/bootdisk/pkg/plan"
	"github.com/outofforest/logger"
)

// Config is the configuration of rootfs installer.
type Config struct {
	FSType         string `yaml:"-"`
	FstabOptions   string `yaml:"fstabOptions"`
	DataMountPoint string `yaml:"dataMountPoint"`
}

// DefaultConfig returns default rootfs configuration.
func DefaultConfig() Config {
	return Config{
		FSType:         "ext4",
		FstabOptions:   "defaults,errors=remount-ro",
		DataMountPoint: "/config",
	}
}

func (c Config) validate() error {
	for name, v := range map[string]string{
		"filesystem type":  c.FSType,
		"fstab options":    c.FstabOptions,
		"data mount point": c.DataMountPoint,
	} {
		if v == "" || strings.IndexFunc(v, unicode.IsSpace) >= 0 || strings.IndexFunc(v, unicode.IsControl) >= 0 {
			return fault.Newf(fault.ErrConfiguration, "%s %q must be non-empty and contain no whitespace", name, v)
		}
	}
	if !filepath.IsAbs(c.DataMountPoint) || filepath.Clean(c.DataMountPoint) != c.DataMountPoint ||
		c.DataMountPoint == "/" {
		return fault.Newf(fault.ErrConfiguration, "data mount point %q must be a clean absolute path other than root",
			c.DataMountPoint)
	}
	return nil
}

// ValidateReplicas checks that the plan contains enough OS partitions to hold the requested number of replicas.
func ValidateReplicas(p plan.Plan, replicas int) error {
	if n := len(p.OS()); replicas < 1 || replicas > n {
		return fault.Newf(fault.ErrConfiguration, "number of rootfs replicas must be between 1 and %d, got %d",
			n, replicas)
	}
	return nil
}

// Disk is the disk receiving the rootfs.
type Disk interface {
	PartitionByLabel(ctx context.Context, label string, number int) string
}

// NewInstaller creates rootfs installer.
func NewInstaller(mounter mount.Mounter, extractor Extractor, config Config) *Installer {
	return &Installer{
		mounter:   mounter,
		extractor: extractor,
		config:    config,
	}
}

// Installer installs rootfs archive into OS partitions.
type Installer struct {
	mounter   mount.Mounter
	extractor Extractor
	config    Config
}

// Tools returns the external tools used by the installer.
func (i *Installer) Tools() []string {
	return i.extractor.Tools()
}

// Install extracts the archive into the first replicas OS partitions and generates their fstab files.
func (i *Installer) Install(ctx context.Context, d Disk, p plan.Plan, archivePath string, replicas int) error {
	if err := i.config.validate(); err != nil {
		return err
	}
	if err := ValidateReplicas(p, replicas); err != nil {
		return err
	}

	data, hasData := p.Data()
	for _, root := range p.OS()[:replicas] {
		partition := d.PartitionByLabel(ctx, root.Label, root.Number)
		log := logger.Get(ctx).With(zap.String("partition", partition), zap.String("label", root.Label))
		log.Info("Installing rootfs")

		fstab := RenderFstab(Fstab(i.config, root, data, hasData))
		if err := mount.Scoped(ctx, i.mounter, partition, i.config.FSType, func(dir string) error {
			if err := i.extractor.Extract(ctx, archivePath, dir); err != nil {
				return err
			}
			etcDir := filepath.Join(dir, "etc")
			if err := os.MkdirAll(etcDir, 0o755); err != nil {
				return errors.WithStack(err)
			}
			if hasData {
				if err := os.MkdirAll(filepath.Join(dir, i.config.DataMountPoint), 0o755); err != nil {
					return errors.WithStack(err)
				}
			}
			return fsutil.WriteFileAtomic(filepath.Join(etcDir, "fstab"), fstab, 0o644)
		}); err != nil {
			return err
		}

		log.Info("Rootfs installed")
	}

	unix.Sync()
	return nil
}
