package bootdisk

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/bootdisk/pkg/convert"
	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/grub"
	"github.com/outofforest/bootdisk/pkg/host"
	"github.com/outofforest/bootdisk/pkg/loop"
	"github.com/outofforest/bootdisk/pkg/plan"
	"github.com/outofforest/bootdisk/pkg/rootfs"
)

// ExtractorKind selects the way rootfs archive is extracted.
type ExtractorKind string

// Extractors.
const (
	ExtractorTar    ExtractorKind = "tar"
	ExtractorNative ExtractorKind = "native"
)

// Config is the configuration of disk builder.
type Config struct {
	// Partitions defines the partition layout of the disk.
	Partitions []plan.Spec `yaml:"partitions"`

	// DiskSizeGB is the size of the raw disk.
	DiskSizeGB uint64 `yaml:"diskSizeGB"`

	// WorkDir is the directory where the raw backing file is created.
	WorkDir string `yaml:"workDir"`

	// Output configures produced virtual disk.
	Output OutputConfig `yaml:"output"`

	// FSType is the filesystem created on every partition.
	FSType string `yaml:"fsType"`

	// PartitionTableType is the type of partition table.
	PartitionTableType string `yaml:"partitionTableType"`

	Grub   grub.Config   `yaml:"grub"`
	Rootfs rootfs.Config `yaml:"rootfs"`

	// Replicas is the number of OS partitions receiving the rootfs.
	Replicas int `yaml:"replicas"`

	Extractor       ExtractorKind `yaml:"extractor"`
	ArchiveChecksum string        `yaml:"archiveChecksum"`
	LockFile        string        `yaml:"lockFile"`
	PartitionWait   time.Duration `yaml:"partitionWait"`

	// MetricsFile is the node-exporter textfile receiving build metrics. Metrics are not written if empty.
	MetricsFile string `yaml:"metricsFile"`

	// Debug enables verbose output of bootloader tools.
	Debug bool `yaml:"debug"`

	// VerifyLayout enables reading back the partition table after it is created.
	VerifyLayout bool `yaml:"verifyLayout"`
}

// OutputConfig configures produced virtual disk.
type OutputConfig struct {
	Path           string `yaml:"path"`
	convert.Config `yaml:",inline"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Partitions: plan.Default().Specs(),
		DiskSizeGB: 8,
		WorkDir:    os.TempDir(),
		Output: OutputConfig{
			Path:   "disk.qcow2",
			Config: convert.DefaultConfig(),
		},
		FSType:             "ext4",
		PartitionTableType: "msdos",
		Grub:               grub.DefaultConfig(),
		Rootfs:             rootfs.DefaultConfig(),
		Replicas:           1,
		Extractor:          ExtractorTar,
		LockFile:           host.DefaultLockFile,
		PartitionWait:      10 * time.Second,
		VerifyLayout:       true,
	}
}

// LoadConfig loads YAML file on top of the default configuration.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fault.Wrapf(fault.ErrConfiguration, err, "reading config file %s failed", path)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fault.Wrapf(fault.ErrConfiguration, err, "parsing config file %s failed", path)
	}
	return config, nil
}

// Validate validates the configuration and returns the partition plan.
func (c Config) Validate() (plan.Plan, error) {
	p, err := plan.New(c.Partitions...)
	if err != nil {
		return plan.Plan{}, err
	}
	if c.DiskSizeGB == 0 || c.DiskSizeGB > loop.MaxSizeGB {
		return plan.Plan{}, fault.Newf(fault.ErrConfiguration, "disk size must be between 1 and %d GB", loop.MaxSizeGB)
	}
	if err := p.Validate(c.DiskSizeGB * 1024); err != nil {
		return plan.Plan{}, err
	}
	if err := rootfs.ValidateReplicas(p, c.Replicas); err != nil {
		return plan.Plan{}, err
	}
	if c.PartitionTableType != "msdos" {
		return plan.Plan{}, fault.Newf(fault.ErrConfiguration, "unsupported partition table type %q",
			c.PartitionTableType)
	}
	switch c.Extractor {
	case ExtractorTar, ExtractorNative:
	default:
		return plan.Plan{}, fault.Newf(fault.ErrConfiguration, "unknown extractor %q", c.Extractor)
	}
	if err := c.Output.Validate(); err != nil {
		return plan.Plan{}, err
	}
	for name, path := range map[string]string{
		"work directory": c.WorkDir,
		"output path":    c.Output.Path,
		"lock file":      c.LockFile,
	} {
		if path == "" {
			return plan.Plan{}, fault.Newf(fault.ErrConfiguration, "%s is not set", name)
		}
	}
	if c.PartitionWait <= 0 {
		return plan.Plan{}, fault.Newf(fault.ErrConfiguration, "partition wait must be positive")
	}
	return p, nil
}

func (c Config) backingFile(buildID string) (string, error) {
	dir, err := filepath.Abs(c.WorkDir)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return filepath.Join(dir, "bootdisk-"+buildID+".raw"), nil
}
