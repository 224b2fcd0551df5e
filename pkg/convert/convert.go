package convert

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/host"
	"github.com/outofforest/bootdisk/pkg/tool"
	"github.com/outofforest/logger"
)

// Format is the format of produced virtual disk.
type Format string

// Supported formats.
const (
	FormatQCOW2 Format = "qcow2"
	FormatVMDK  Format = "vmdk"
	FormatVDI   Format = "vdi"
	FormatVPC   Format = "vpc"
	FormatVHDX  Format = "vhdx"
	FormatRaw   Format = "raw"
)

var formats = map[Format]struct{}{
	FormatQCOW2: {},
	FormatVMDK:  {},
	FormatVDI:   {},
	FormatVPC:   {},
	FormatVHDX:  {},
	FormatRaw:   {},
}

// Config is the configuration of the converter.
type Config struct {
	QemuImg  string `yaml:"qemuImg"`
	Format   Format `yaml:"format"`
	Compress bool   `yaml:"compress"`
}

// DefaultConfig returns default converter configuration.
func DefaultConfig() Config {
	return Config{
		QemuImg: "qemu-img",
		Format:  FormatQCOW2,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if _, exists := formats[c.Format]; !exists {
		return fault.Newf(fault.ErrConfiguration, "unsupported disk format %q", c.Format)
	}
	if c.Compress && c.Format != FormatQCOW2 {
		return fault.Newf(fault.ErrConfiguration, "compression is supported only by %s format", FormatQCOW2)
	}
	return nil
}

// Disk is the disk to convert.
type Disk interface {
	BackingPath() string
	Detach(ctx context.Context) error
}

// NewConverter creates converter.
func NewConverter(runner tool.Runner, config Config) *Converter {
	return &Converter{
		runner:   runner,
		config:   config,
		identity: host.InvokingIdentity,
	}
}

// Converter produces the virtual disk file from the raw disk.
type Converter struct {
	runner   tool.Runner
	config   Config
	identity func() (host.Identity, error)
}

// Tools returns the external tools used by the converter.
func (c *Converter) Tools() []string {
	return []string{c.config.QemuImg}
}

// Finalize detaches the disk and converts its backing file into the output. The output is owned by the user
// who invoked the build. Backing file is kept, releasing it is the responsibility of the caller.
func (c *Converter) Finalize(ctx context.Context, d Disk, output string) (retErr error) {
	if err := c.config.Validate(); err != nil {
		return err
	}

	output, err := filepath.Abs(output)
	if err != nil {
		return errors.WithStack(err)
	}
	id, err := c.identity()
	if err != nil {
		return err
	}

	log := logger.Get(ctx).With(zap.String("output", output), zap.String("format", string(c.config.Format)))
	log.Info("Converting disk")

	if err := d.Detach(ctx); err != nil {
		return err
	}

	backing := d.BackingPath()
	if _, err := os.Stat(backing); err != nil {
		return fault.Wrapf(fault.ErrToolChainFailure, err, "backing file %s does not exist after detaching", backing)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return errors.WithStack(err)
	}

	tmp := output + ".tmp"
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmp)
		}
	}()

	b := tool.New(c.config.QemuImg).
		Arg("convert").
		Option("-f", string(FormatRaw)).
		Option("-O", string(c.config.Format))
	if c.config.Compress {
		b.Flag("-c")
	}
	cmd, err := b.Path(backing, tmp).Build()
	if err != nil {
		return err
	}
	if _, err := c.runner.Run(ctx, cmd); err != nil {
		return err
	}

	if _, err := os.Stat(tmp); err != nil {
		return fault.Wrapf(fault.ErrToolChainFailure, err, "%s succeeded but did not produce %s", c.config.QemuImg, tmp)
	}
	if err := os.Chown(tmp, id.UID, id.GID); err != nil {
		return errors.Wrapf(err, "changing owner of %s failed", tmp)
	}
	if err := os.Rename(tmp, output); err != nil {
		return errors.WithStack(err)
	}

	log.Info("Disk converted", zap.Int("uid", id.UID), zap.Int("gid", id.GID))
	return nil
}
