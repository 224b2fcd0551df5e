package plan

import (
	"math"
	"regexp"

	"github.com/samber/lo"

	"github.com/outofforest/bootdisk/pkg/fault"
)

const (
	// MaxPartitions is the maximum number of partitions in MBR partition table.
	MaxPartitions = 4

	// AlignmentMB is the offset of the first partition.
	AlignmentMB = 1
)

// Kind is the role of the partition.
type Kind string

const (
	// KindBootloader is the partition holding bootloader files.
	KindBootloader Kind = "bootloader"

	// KindOS is the partition receiving root filesystem.
	KindOS Kind = "os"

	// KindData is the persistent configuration partition mounted by each OS partition.
	KindData Kind = "data"
)

var labelRegexp = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]{0,15}$`)

// Spec is the definition of a partition.
type Spec struct {
	Kind   Kind   `yaml:"kind"`
	Label  string `yaml:"label"`
	SizeMB uint64 `yaml:"sizeMB"`
}

// Extent is the partition placed on the disk.
type Extent struct {
	Spec

	// Number is the 1-based partition number.
	Number int

	// StartMB is the offset of the first byte.
	StartMB uint64

	// EndMB is the offset of the byte following the partition.
	EndMB uint64
}

// Plan is the validated layout of partitions. It is created by New or Default and never modified.
type Plan struct {
	specs []Spec
}

// Default returns the default layout: bootloader, two bootbanks and configuration.
func Default() Plan {
	return Plan{
		specs: []Spec{
			{Kind: KindBootloader, Label: "GRUB", SizeMB: 64},
			{Kind: KindOS, Label: "BOOTBANK1", SizeMB: 1024},
			{Kind: KindOS, Label: "BOOTBANK2", SizeMB: 1024},
			{Kind: KindData, Label: "CONFIG", SizeMB: 2048},
		},
	}
}

// New validates the partitions and returns the plan.
func New(specs ...Spec) (Plan, error) {
	if len(specs) > MaxPartitions {
		return Plan{}, fault.Newf(fault.ErrConfiguration, "plan has %d partitions, at most %d are supported",
			len(specs), MaxPartitions)
	}

	labels := map[string]struct{}{}
	counts := map[Kind]int{}
	totalMB := uint64(AlignmentMB)
	for _, s := range specs {
		if !labelRegexp.MatchString(s.Label) {
			return Plan{}, fault.Newf(fault.ErrConfiguration, "invalid partition label %q", s.Label)
		}
		if _, exists := labels[s.Label]; exists {
			return Plan{}, fault.Newf(fault.ErrConfiguration, "duplicated partition label %q", s.Label)
		}
		labels[s.Label] = struct{}{}

		if s.SizeMB == 0 {
			return Plan{}, fault.Newf(fault.ErrConfiguration, "partition %q has zero size", s.Label)
		}
		if s.SizeMB > math.MaxUint64-totalMB {
			return Plan{}, fault.Newf(fault.ErrConfiguration, "partition %q is too large", s.Label)
		}
		totalMB += s.SizeMB

		switch s.Kind {
		case KindBootloader, KindOS, KindData:
		default:
			return Plan{}, fault.Newf(fault.ErrConfiguration, "partition %q has unknown kind %q", s.Label, s.Kind)
		}
		counts[s.Kind]++
	}

	switch {
	case counts[KindBootloader] != 1:
		return Plan{}, fault.Newf(fault.ErrConfiguration, "plan must have exactly one bootloader partition, got %d",
			counts[KindBootloader])
	case counts[KindOS] == 0:
		return Plan{}, fault.Newf(fault.ErrConfiguration, "plan must have at least one OS partition")
	case counts[KindData] > 1:
		return Plan{}, fault.Newf(fault.ErrConfiguration, "plan must have at most one data partition, got %d",
			counts[KindData])
	}

	return Plan{specs: append([]Spec(nil), specs...)}, nil
}

// Validate checks that plan fits the disk.
func (p Plan) Validate(capacityMB uint64) error {
	if total := p.TotalMB(); total > capacityMB {
		return fault.Newf(fault.ErrConfiguration, "plan requires %d MB, disk capacity is %d MB", total, capacityMB)
	}
	return nil
}

// Len returns the number of partitions.
func (p Plan) Len() int {
	return len(p.specs)
}

// Specs returns partitions in order.
func (p Plan) Specs() []Spec {
	return append([]Spec(nil), p.specs...)
}

// TotalMB returns the space required by the plan, including alignment offset. New guarantees the sum fits uint64.
func (p Plan) TotalMB() uint64 {
	return lo.SumBy(p.specs, func(s Spec) uint64 {
		return s.SizeMB
	}) + AlignmentMB
}

// Layout returns the extents of partitions in order.
func (p Plan) Layout() []Extent {
	extents := make([]Extent, 0, len(p.specs))
	offset := uint64(AlignmentMB)
	for i, s := range p.specs {
		extents = append(extents, Extent{
			Spec:    s,
			Number:  i + 1,
			StartMB: offset,
			EndMB:   offset + s.SizeMB,
		})
		offset += s.SizeMB
	}
	return extents
}

// Bootloader returns the bootloader partition.
func (p Plan) Bootloader() Extent {
	return lo.Must(lo.Find(p.Layout(), func(e Extent) bool {
		return e.Kind == KindBootloader
	}))
}

// OS returns OS partitions in order.
func (p Plan) OS() []Extent {
	return lo.Filter(p.Layout(), func(e Extent, _ int) bool {
		return e.Kind == KindOS
	})
}

// Data returns the data partition if plan has one.
func (p Plan) Data() (Extent, bool) {
	return lo.Find(p.Layout(), func(e Extent) bool {
		return e.Kind == KindData
	})
}

// Extent returns the partition with the label.
func (p Plan) Extent(label string) (Extent, bool) {
	return lo.Find(p.Layout(), func(e Extent) bool {
		return e.Label == label
	})
}
