// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package subregion_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/hw/sim"
	"github.com/usbarmory/GoTEE-secboot/mutex"
	"github.com/usbarmory/GoTEE-secboot/region"
	"github.com/usbarmory/GoTEE-secboot/scratch"
	"github.com/usbarmory/GoTEE-secboot/status"
	"github.com/usbarmory/GoTEE-secboot/subregion"
)

var owner = region.Descriptor{
	ID: region.Primary,
	Window: region.Window{
		Start: 0x1000,
		End:   0x2000,
		Read:  hw.AllLevels,
		Write: hw.L3 | hw.L2,
	},
}

type fixture struct {
	chip    *sim.Chip
	lock    *region.Lock
	table   *subregion.Table
	scratch *scratch.Store
}

func setup(t *testing.T, name string) *fixture {
	g, err := chip.Lookup(name)
	require.NoError(t, err)

	c, err := sim.New(g, nil)
	require.NoError(t, err)

	mu := mutex.New(c, g.Layout())
	s := scratch.New(c, g.Layout())
	l := region.New(c, g, mu, s)

	require.NoError(t, l.LockPrimary(owner, true))

	return &fixture{
		chip:    c,
		lock:    l,
		table:   subregion.New(g, l, mu, s),
		scratch: s,
	}
}

func TestGrant(t *testing.T) {
	f := setup(t, "gen2")

	r := subregion.Range{Start: 0x1000, Size: 0x800}
	require.NoError(t, f.table.Grant(chip.Power, chip.Code, r, hw.AllLevels, hw.AllLevels, false))

	d, err := f.table.Read(chip.Power, chip.Code)
	require.NoError(t, err)

	want := subregion.Descriptor{
		Engine: chip.Power,
		Sub:    chip.Code,
		Region: region.Primary,
		// write access reduced to the owning region levels
		Window: region.Window{Start: 0x1000, End: 0x1800, Read: hw.AllLevels, Write: hw.L3 | hw.L2},
	}

	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("unexpected window (-want +got):\n%s", diff)
	}

	// not persisted
	sh, err := f.table.Shadow(chip.Power, chip.Code)
	require.NoError(t, err)
	assert.False(t, sh.Valid())
}

func TestGrantRejectsWithoutWrites(t *testing.T) {
	f := setup(t, "gen2")

	for _, tc := range []struct {
		engine chip.Engine
		sub    chip.SubID
		r      subregion.Range
		read   uint8
		err    error
	}{
		{chip.Power, chip.Code, subregion.Range{Start: 0x1000, Size: 0}, hw.AllLevels, status.ErrInvalidArgument},
		{chip.Power, chip.Code, subregion.Range{Start: 0xffffff00, Size: 0x200}, hw.AllLevels, status.ErrRangeOverflow},
		{chip.Power, chip.Code, subregion.Range{Start: 0x1800, Size: 0x1000}, hw.AllLevels, status.ErrInvalidArgument},
		{chip.Power, chip.Code, subregion.Range{Start: 0x0800, Size: 0x1000}, hw.AllLevels, status.ErrInvalidArgument},
		{chip.Power, chip.MaxSubIDs, subregion.Range{Start: 0x1000, Size: 0x100}, hw.AllLevels, status.ErrInvalidArgument},
		{chip.Engine(42), chip.Code, subregion.Range{Start: 0x1000, Size: 0x100}, hw.AllLevels, status.ErrInvalidArgument},
		{chip.Power, chip.Code, subregion.Range{Start: 0x1000, Size: 0x100}, 0x10, status.ErrInvalidArgument},
	} {
		writes := f.chip.Writes
		err := f.table.Grant(tc.engine, tc.sub, tc.r, tc.read, hw.Closed, true)

		assert.ErrorIs(t, err, tc.err, "%+v", tc)
		assert.Equal(t, writes, f.chip.Writes, "%+v", tc)
	}
}

func TestGrantOutsideDisabledRegion(t *testing.T) {
	f := setup(t, "gen2")

	require.NoError(t, f.lock.Unlock(region.Primary))

	err := f.table.Grant(chip.Power, chip.Code, subregion.Range{Start: 0x1000, Size: 0x100}, hw.AllLevels, hw.Closed, false)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestExempt(t *testing.T) {
	f := setup(t, "gen1")
	writes := f.chip.Writes

	require.NoError(t, f.table.Grant(chip.GraphicsCluster, chip.Code, subregion.Range{Start: 0x1000, Size: 0x100}, hw.AllLevels, hw.AllLevels, true))
	require.NoError(t, f.table.Revoke(chip.GraphicsCluster, chip.Code))

	// degenerate ranges are not checked for exempt engines
	require.NoError(t, f.table.Grant(chip.GraphicsCluster, chip.Data, subregion.Range{Start: 0x1000}, hw.AllLevels, hw.AllLevels, true))
	require.NoError(t, f.table.Grant(chip.GraphicsCluster, chip.Data, subregion.Range{Start: 0xffffff00, Size: 0x200}, hw.AllLevels, hw.AllLevels, false))

	assert.Equal(t, writes, f.chip.Writes)
}

func TestRevokeIdempotent(t *testing.T) {
	f := setup(t, "gen2")

	require.NoError(t, f.table.Grant(chip.Graphics, chip.Data, subregion.Range{Start: 0x1800, Size: 0x800}, hw.AllLevels, hw.L3, true))

	require.NoError(t, f.table.Revoke(chip.Graphics, chip.Data))
	first, err := f.table.Read(chip.Graphics, chip.Data)
	require.NoError(t, err)

	require.NoError(t, f.table.Revoke(chip.Graphics, chip.Data))
	second, err := f.table.Read(chip.Graphics, chip.Data)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, region.Disabled, second.Window)

	// the persisted copy is kept
	sh, err := f.table.Shadow(chip.Graphics, chip.Data)
	require.NoError(t, err)
	assert.Equal(t, scratch.Shadow{Start: 0x1800, End: 0x2000, Read: hw.AllLevels, Write: hw.L3}, sh)
}

func TestPersist(t *testing.T) {
	f := setup(t, "gen2")

	require.NoError(t, f.table.Grant(chip.Video, chip.Shared1, subregion.Range{Start: 0x1c00, Size: 0x100}, hw.AllLevels, hw.Closed, true))

	sh, err := f.table.Shadow(chip.Video, chip.Shared1)
	require.NoError(t, err)
	assert.Equal(t, scratch.Shadow{Start: 0x1c00, End: 0x1d00, Read: hw.AllLevels}, sh)

	// video is the fourth engine block
	slot := scratch.SlotShadow + (3*int(chip.MaxSubIDs)+int(chip.Shared1))*2

	read, _, err := f.scratch.Protection(slot)
	require.NoError(t, err)
	assert.Equal(t, uint8(hw.L3), read)

	assert.False(t, f.chip.Held(int(mutex.Shadow)))

	require.NoError(t, f.table.Forget())

	sh, err = f.table.Shadow(chip.Video, chip.Shared1)
	require.NoError(t, err)
	assert.False(t, sh.Valid())
}

func TestPlanValidate(t *testing.T) {
	r := subregion.Range{Start: 0x1c00, Size: 0x100}

	p := subregion.Shared(chip.Shared0, r, []chip.Engine{chip.Graphics}, []chip.Engine{chip.Power, chip.Video})
	require.NoError(t, p.Validate())

	p = subregion.Shared(chip.Shared0, r, []chip.Engine{chip.Graphics, chip.Video}, []chip.Engine{chip.Power})
	assert.ErrorIs(t, p.Validate(), status.ErrInvalidArgument)

	p = append(subregion.CodeData(chip.Power, r, r), subregion.CodeData(chip.Power, r, r)...)
	assert.ErrorIs(t, p.Validate(), status.ErrInvalidArgument)
}

func TestPlanValidateSharedOverlap(t *testing.T) {
	r := subregion.Range{Start: 0x1c00, Size: 0x100}

	for _, tc := range []struct {
		name string
		plan subregion.Plan
		err  error
	}{
		{
			"same range across shared sub-regions",
			append(
				subregion.Shared(chip.Shared0, r, []chip.Engine{chip.Graphics}, nil),
				subregion.Shared(chip.Shared1, r, []chip.Engine{chip.Video}, nil)...,
			),
			status.ErrInvalidArgument,
		},
		{
			"partial overlap with different starts",
			append(
				subregion.Shared(chip.Shared0, r, []chip.Engine{chip.Graphics}, nil),
				subregion.Shared(chip.Shared0, subregion.Range{Start: 0x1c80, Size: 0x100}, []chip.Engine{chip.Video}, nil)...,
			),
			status.ErrInvalidArgument,
		},
		{
			"adjacent windows",
			append(
				subregion.Shared(chip.Shared0, r, []chip.Engine{chip.Graphics}, nil),
				subregion.Shared(chip.Shared1, subregion.Range{Start: 0x1d00, Size: 0x100}, []chip.Engine{chip.Video}, nil)...,
			),
			nil,
		},
		{
			"one writer on both shared sub-regions",
			append(
				subregion.Shared(chip.Shared0, r, []chip.Engine{chip.Graphics}, []chip.Engine{chip.Video}),
				subregion.Shared(chip.Shared1, r, []chip.Engine{chip.Graphics}, []chip.Engine{chip.Power})...,
			),
			nil,
		},
	} {
		err := tc.plan.Validate()

		if tc.err == nil {
			assert.NoError(t, err, tc.name)
		} else {
			assert.ErrorIs(t, err, tc.err, tc.name)
		}
	}
}

func TestApply(t *testing.T) {
	f := setup(t, "gen2")

	code := subregion.Range{Start: 0x1000, Size: 0x800}
	data := subregion.Range{Start: 0x1800, Size: 0x400}
	shared := subregion.Range{Start: 0x1c00, Size: 0x400}

	p := subregion.CodeData(chip.Power, code, data)
	p = append(p, subregion.Shared(chip.Shared0, shared, []chip.Engine{chip.Power}, []chip.Engine{chip.Graphics})...)

	require.NoError(t, f.table.Apply(p, true))

	for _, tc := range []struct {
		engine chip.Engine
		sub    chip.SubID
		w      region.Window
	}{
		{chip.Power, chip.Code, region.Window{Start: 0x1000, End: 0x1800, Read: hw.AllLevels}},
		{chip.Power, chip.Data, region.Window{Start: 0x1800, End: 0x1c00, Read: hw.AllLevels, Write: hw.L3 | hw.L2}},
		{chip.Power, chip.Shared0, region.Window{Start: 0x1c00, End: 0x2000, Read: hw.AllLevels, Write: hw.L3 | hw.L2}},
		{chip.Graphics, chip.Shared0, region.Window{Start: 0x1c00, End: 0x2000, Read: hw.AllLevels}},
		{chip.Graphics, chip.Code, region.Disabled},
	} {
		d, err := f.table.Read(tc.engine, tc.sub)
		require.NoError(t, err)
		assert.Equal(t, tc.w, d.Window, "%s sub-region %d", tc.engine, tc.sub)
	}
}

func TestFullRegion(t *testing.T) {
	f := setup(t, "gen1")

	require.NoError(t, f.table.Apply(subregion.FullRegion(chip.Bootstrap, owner.Window), false))

	d, err := f.table.Read(chip.Bootstrap, chip.Code)
	require.NoError(t, err)
	assert.Equal(t, owner.Window, d.Window)
}

func TestReplay(t *testing.T) {
	f := setup(t, "gen2")

	p := subregion.CodeData(chip.Graphics, subregion.Range{Start: 0x1000, Size: 0x100}, subregion.Range{Start: 0x1100, Size: 0x100})
	require.NoError(t, f.table.Apply(p, true))
	require.NoError(t, f.table.RevokeAll())

	// a more restrictive owner reduces the replayed masks
	restricted := owner
	restricted.Write = hw.L3

	n, err := f.table.Replay(restricted)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, err := f.table.Read(chip.Graphics, chip.Data)
	require.NoError(t, err)
	assert.Equal(t, region.Window{Start: 0x1100, End: 0x1200, Read: hw.AllLevels, Write: hw.L3}, d.Window)

	smaller := owner
	smaller.Start = 0x1080

	_, err = f.table.Replay(smaller)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}
