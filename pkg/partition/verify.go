package partition

import (
	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/plan"
)

const mb = 1024 * 1024

// Verify reads partition table of the disk image and checks that it matches the plan.
func Verify(path string, p plan.Plan) error {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return errors.Wrapf(err, "opening disk image %s failed", path)
	}
	defer d.Close()

	pt, err := d.GetPartitionTable()
	if err != nil {
		return fault.Wrapf(fault.ErrToolChainFailure, err, "reading partition table of %s failed", path)
	}
	table, ok := pt.(*mbr.Table)
	if !ok {
		return fault.Newf(fault.ErrToolChainFailure, "disk %s has partition table of type %q, MBR expected",
			path, pt.Type())
	}

	sectorSize := table.LogicalSectorSize
	if sectorSize == 0 {
		sectorSize = 512
	}
	sectorsPerMB := uint64(mb / sectorSize)

	parts := lo.Filter(table.Partitions, func(part *mbr.Partition, _ int) bool {
		return part != nil && part.Type != mbr.Empty && part.Size > 0
	})
	layout := p.Layout()
	if len(parts) != len(layout) {
		return fault.Newf(fault.ErrToolChainFailure, "disk %s has %d partitions, %d expected",
			path, len(parts), len(layout))
	}

	for i, e := range layout {
		part := parts[i]
		if start := uint64(part.Start); start != e.StartMB*sectorsPerMB {
			return fault.Newf(fault.ErrToolChainFailure, "partition %d (%s) starts at sector %d, %d expected",
				e.Number, e.Label, start, e.StartMB*sectorsPerMB)
		}
		if size := uint64(part.Size); size != e.SizeMB*sectorsPerMB {
			return fault.Newf(fault.ErrToolChainFailure, "partition %d (%s) has %d sectors, %d expected",
				e.Number, e.Label, size, e.SizeMB*sectorsPerMB)
		}
	}
	return nil
}
