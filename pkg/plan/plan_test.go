package plan_test

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/plan"
)

func TestDefault(t *testing.T) {
	p := plan.Default()

	p2, err := plan.New(p.Specs()...)
	require.NoError(t, err)
	require.Equal(t, p, p2)

	require.Equal(t, uint64(64+1024+1024+2048+1), p.TotalMB())
	require.NoError(t, p.Validate(8*1024))

	require.Equal(t, []plan.Extent{
		{Spec: plan.Spec{Kind: plan.KindBootloader, Label: "GRUB", SizeMB: 64}, Number: 1, StartMB: 1, EndMB: 65},
		{Spec: plan.Spec{Kind: plan.KindOS, Label: "BOOTBANK1", SizeMB: 1024}, Number: 2, StartMB: 65, EndMB: 1089},
		{Spec: plan.Spec{Kind: plan.KindOS, Label: "BOOTBANK2", SizeMB: 1024}, Number: 3, StartMB: 1089, EndMB: 2113},
		{Spec: plan.Spec{Kind: plan.KindData, Label: "CONFIG", SizeMB: 2048}, Number: 4, StartMB: 2113, EndMB: 4161},
	}, p.Layout())

	require.Equal(t, "GRUB", p.Bootloader().Label)
	require.Len(t, p.OS(), 2)
	require.Equal(t, "BOOTBANK2", p.OS()[1].Label)

	data, exists := p.Data()
	require.True(t, exists)
	require.Equal(t, 4, data.Number)

	e, exists := p.Extent("BOOTBANK1")
	require.True(t, exists)
	require.Equal(t, 2, e.Number)

	_, exists = p.Extent("MISSING")
	require.False(t, exists)
}

func TestWithoutData(t *testing.T) {
	p, err := plan.New(
		plan.Spec{Kind: plan.KindBootloader, Label: "GRUB", SizeMB: 64},
		plan.Spec{Kind: plan.KindOS, Label: "ROOT", SizeMB: 512},
	)
	require.NoError(t, err)

	_, exists := p.Data()
	require.False(t, exists)
	require.Equal(t, 2, p.Len())
}

func TestCapacity(t *testing.T) {
	p := plan.Default()

	require.NoError(t, p.Validate(p.TotalMB()))

	err := p.Validate(p.TotalMB() - 1)
	require.True(t, errors.Is(err, fault.ErrConfiguration))
}

func TestSizeOverflow(t *testing.T) {
	boot := plan.Spec{Kind: plan.KindBootloader, Label: "GRUB", SizeMB: 64}

	_, err := plan.New(boot, plan.Spec{Kind: plan.KindOS, Label: "ROOT", SizeMB: math.MaxUint64 - 64})
	require.True(t, errors.Is(err, fault.ErrConfiguration))

	_, err = plan.New(boot,
		plan.Spec{Kind: plan.KindOS, Label: "BOOTBANK1", SizeMB: math.MaxUint64 / 2},
		plan.Spec{Kind: plan.KindOS, Label: "BOOTBANK2", SizeMB: math.MaxUint64 / 2},
	)
	require.True(t, errors.Is(err, fault.ErrConfiguration))

	p, err := plan.New(boot, plan.Spec{Kind: plan.KindOS, Label: "ROOT", SizeMB: math.MaxUint64 - 65})
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), p.TotalMB())
	require.True(t, errors.Is(p.Validate(8*1024), fault.ErrConfiguration))
}

func TestImmutable(t *testing.T) {
	specs := plan.Default().Specs()
	p, err := plan.New(specs...)
	require.NoError(t, err)

	specs[0].Label = "CHANGED"
	require.Equal(t, "GRUB", p.Specs()[0].Label)

	got := p.Specs()
	got[1].SizeMB = 1
	require.Equal(t, uint64(1024), p.Specs()[1].SizeMB)
}

func TestInvalid(t *testing.T) {
	boot := plan.Spec{Kind: plan.KindBootloader, Label: "GRUB", SizeMB: 64}
	os1 := plan.Spec{Kind: plan.KindOS, Label: "BOOTBANK1", SizeMB: 1024}
	os2 := plan.Spec{Kind: plan.KindOS, Label: "BOOTBANK2", SizeMB: 1024}
	data := plan.Spec{Kind: plan.KindData, Label: "CONFIG", SizeMB: 2048}

	tests := []struct {
		name  string
		specs []plan.Spec
	}{
		{name: "TooManyPartitions", specs: []plan.Spec{boot, os1, os2, data, {Kind: plan.KindOS, Label: "BOOTBANK3", SizeMB: 1}}},
		{name: "Empty", specs: nil},
		{name: "DuplicatedLabel", specs: []plan.Spec{boot, os1, os1}},
		{name: "ZeroSize", specs: []plan.Spec{boot, {Kind: plan.KindOS, Label: "ROOT"}}},
		{name: "NoBootloader", specs: []plan.Spec{os1, os2}},
		{name: "TwoBootloaders", specs: []plan.Spec{boot, {Kind: plan.KindBootloader, Label: "GRUB2", SizeMB: 64}, os1}},
		{name: "NoOS", specs: []plan.Spec{boot, data}},
		{name: "TwoDataPartitions", specs: []plan.Spec{boot, os1, data, {Kind: plan.KindData, Label: "DATA2", SizeMB: 1}}},
		{name: "UnknownKind", specs: []plan.Spec{boot, os1, {Kind: "swap", Label: "SWAP", SizeMB: 1}}},
		{name: "EmptyLabel", specs: []plan.Spec{boot, {Kind: plan.KindOS, SizeMB: 1}}},
		{name: "DashLabel", specs: []plan.Spec{boot, {Kind: plan.KindOS, Label: "-F", SizeMB: 1}}},
		{name: "SpaceLabel", specs: []plan.Spec{boot, {Kind: plan.KindOS, Label: "BOOT BANK", SizeMB: 1}}},
		{name: "LongLabel", specs: []plan.Spec{boot, {Kind: plan.KindOS, Label: "ABCDEFGHIJKLMNOPQ", SizeMB: 1}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := plan.New(tc.specs...)
			require.Error(t, err)
			require.True(t, errors.Is(err, fault.ErrConfiguration))
		})
	}
}
