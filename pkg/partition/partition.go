package partition

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/plan"
	"github.com/outofforest/bootdisk/pkg/tool"
	"github.com/outofforest/logger"
)

// Disk is the block device to partition.
type Disk interface {
	DevicePath() string
	WaitForPartition(ctx context.Context, number int) (string, error)
}

// Config is the configuration of partition creator.
type Config struct {
	// TableType is the partition table type passed to parted.
	TableType string

	// FSType is the filesystem created on every partition.
	FSType string
}

// DefaultConfig returns default configuration of partition creator.
func DefaultConfig() Config {
	return Config{
		TableType: "msdos",
		FSType:    "ext4",
	}
}

// NewCreator returns partition creator.
func NewCreator(runner tool.Runner, config Config) *Creator {
	return &Creator{
		runner: runner,
		config: config,
	}
}

// Creator writes partition table and filesystems.
type Creator struct {
	runner tool.Runner
	config Config
}

// Tools returns the external tools used by the creator.
func (c *Creator) Tools() []string {
	return []string{"parted", mkfsTool(c.config.FSType)}
}

// Create writes partition table of the plan to the disk and formats every partition with a filesystem
// labeled as the partition. It is not rolled back on failure.
func (c *Creator) Create(ctx context.Context, d Disk, p plan.Plan) error {
	if _, exists := mkfsLabel[c.config.FSType]; !exists {
		return fault.Newf(fault.ErrConfiguration, "unsupported filesystem %q", c.config.FSType)
	}

	device := d.DevicePath()
	log := logger.Get(ctx).With(zap.String("device", device))
	log.Info("Creating partition table", zap.String("type", c.config.TableType))

	if err := c.run(ctx, tool.New("parted").Flag("--script").Path(device).Arg("mklabel", c.config.TableType)); err != nil {
		return err
	}

	for _, e := range p.Layout() {
		log.Info("Creating partition",
			zap.String("label", e.Label),
			zap.Int("partition", e.Number),
			zap.Uint64("startMB", e.StartMB),
			zap.Uint64("endMB", e.EndMB))

		if err := c.run(ctx, tool.New("parted").Flag("--script").Path(device).
			Arg("unit", "MiB", "mkpart", "primary", c.config.FSType,
				strconv.FormatUint(e.StartMB, 10), strconv.FormatUint(e.EndMB, 10))); err != nil {
			return err
		}

		partition, err := d.WaitForPartition(ctx, e.Number)
		if err != nil {
			return err
		}

		if err := c.run(ctx, c.mkfs(partition, e.Label)); err != nil {
			return err
		}
	}

	log.Info("Partitions created")
	return nil
}

// mkfsLabel maps supported filesystems to the flags of mkfs: force flag and label flag.
var mkfsLabel = map[string][2]string{
	"ext2":  {"-F", "-L"},
	"ext3":  {"-F", "-L"},
	"ext4":  {"-F", "-L"},
	"xfs":   {"-f", "-L"},
	"btrfs": {"-f", "-L"},
	"vfat":  {"", "-n"},
}

func (c *Creator) mkfs(partition, label string) *tool.Builder {
	flags := mkfsLabel[c.config.FSType]
	b := tool.New(mkfsTool(c.config.FSType))
	if flags[0] != "" {
		b.Flag(flags[0])
	}
	return b.Option(flags[1], label).Path(partition)
}

func (c *Creator) run(ctx context.Context, b *tool.Builder) error {
	cmd, err := b.Build()
	if err != nil {
		return err
	}
	_, err = c.runner.Run(ctx, cmd)
	return errors.WithStack(err)
}

func mkfsTool(fsType string) string {
	return "mkfs." + fsType
}
