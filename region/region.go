// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package region implements programming of the primary protected regions and
// the per-engine sub-region hardware, every write is verified by read-back.
package region

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/mutex"
	"github.com/usbarmory/GoTEE-secboot/scratch"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// Sub-region permission register fields
var (
	SubRead  = hw.Field{Pos: 0, Mask: hw.LevelMask}
	SubWrite = hw.Field{Pos: 4, Mask: hw.LevelMask}
)

// Display policy register fields
var DisplayEnforce = hw.Field{Pos: 0, Mask: 1}

// permission register fields of a primary region
func permFields(id ID) []hw.Field {
	return []hw.Field{
		{Pos: 8 * int(id), Mask: hw.LevelMask},
		{Pos: 8*int(id) + 4, Mask: hw.LevelMask},
	}
}

// Lock represents the region lock hardware.
type Lock struct {
	bus     hw.Bus
	gen     chip.Generation
	layout  *chip.Layout
	mutex   *mutex.Controller
	scratch *scratch.Store
}

// New returns the region lock of a chip generation.
func New(b hw.Bus, g chip.Generation, mu *mutex.Controller, s *scratch.Store) *Lock {
	return &Lock{
		bus:     b,
		gen:     g,
		layout:  g.Layout(),
		mutex:   mu,
		scratch: s,
	}
}

func (l *Lock) supported(id ID) error {
	if id < 0 || id >= numRegions {
		return fmt.Errorf("invalid region %d, %w", id, status.ErrInvalidArgument)
	}

	if id == ContentProtection && !l.gen.ContentProtection() {
		return fmt.Errorf("%s region on %s, %w", id, l.gen.Name(), status.ErrUnsupported)
	}

	return nil
}

// LockPrimary programs a primary region and persists it. On cold boot locking
// of region 0 first disables every engine sub-region.
func (l *Lock) LockPrimary(d Descriptor, coldBoot bool) (err error) {
	if err = d.Validate(); err != nil {
		return
	}

	if err = l.supported(d.ID); err != nil {
		return
	}

	if d.ID == ContentProtection && !scratch.CPRSize.Fits(d.Size()) {
		return fmt.Errorf("%s size %#x exceeds record, %w", d.ID, d.Size(), status.ErrInvalidArgument)
	}

	return l.mutex.Do(mutex.Region, func() (err error) {
		if d.ID == Primary && coldBoot {
			if err = l.disableSubRegions(); err != nil {
				return
			}
		}

		if err = l.program(d.ID, d.Window); err != nil {
			return
		}

		if err = l.persist(d.ID, d.Window); err != nil {
			return
		}

		if d.ID == ContentProtection {
			err = l.SetDisplayPolicy(true)
		}

		return
	})
}

func (l *Lock) program(id ID, w Window) (err error) {
	if err = hw.WriteVerify(l.bus, l.layout.RegionStart[id], w.Start); err != nil {
		return
	}

	if err = hw.WriteVerify(l.bus, l.layout.RegionEnd[id], w.End); err != nil {
		return
	}

	return hw.UpdateFields(l.bus, l.layout.RegionPerm, permFields(id), []uint32{uint32(w.Read), uint32(w.Write)})
}

func (l *Lock) persist(id ID, w Window) error {
	rec := scratch.Record{
		Start: w.Start,
		Size:  w.Size(),
		Read:  w.Read,
		Write: w.Write,
	}

	if !w.Enabled() {
		rec = scratch.Record{}
	}

	if id == ContentProtection {
		return l.scratch.SetContentProtection(rec)
	}

	return l.scratch.SetRegionRecord(rec)
}

func (l *Lock) record(id ID) (w Window, err error) {
	var rec scratch.Record

	if id == ContentProtection {
		rec, err = l.scratch.ContentProtection()
	} else {
		rec, err = l.scratch.RegionRecord()
	}

	if err != nil {
		return
	}

	if rec.Size == 0 {
		return Disabled, nil
	}

	return Window{
		Start: rec.Start,
		End:   rec.Start + rec.Size,
		Read:  rec.Read,
		Write: rec.Write,
	}, nil
}

// Read returns the descriptor currently programmed in hardware.
func (l *Lock) Read(id ID) (d Descriptor, err error) {
	if err = l.supported(id); err != nil {
		return
	}

	d.ID = id

	if d.Start, err = hw.Read(l.bus, l.layout.RegionStart[id]); err != nil {
		return
	}

	if d.End, err = hw.Read(l.bus, l.layout.RegionEnd[id]); err != nil {
		return
	}

	perm, err := hw.Read(l.bus, l.layout.RegionPerm)

	if err != nil {
		return
	}

	f := permFields(id)
	d.Read = uint8(f[0].Get(perm))
	d.Write = uint8(f[1].Get(perm))

	return
}

// Restore reprograms a region from its persisted record only, a zero size
// record restores a disabled region.
func (l *Lock) Restore(id ID) (d Descriptor, err error) {
	if err = l.supported(id); err != nil {
		return
	}

	err = l.mutex.Do(mutex.Region, func() (err error) {
		w, err := l.record(id)

		if err != nil {
			return
		}

		if w.Enabled() {
			if err = w.Validate(); err != nil {
				return
			}
		}

		if err = l.program(id, w); err != nil {
			return
		}

		if id == ContentProtection {
			if err = l.SetDisplayPolicy(w.Enabled()); err != nil {
				return
			}
		}

		d = Descriptor{ID: id, Window: w}

		return
	})

	return
}

// Snapshot persists the region currently programmed in hardware.
func (l *Lock) Snapshot(id ID) (err error) {
	if err = l.supported(id); err != nil {
		return
	}

	return l.mutex.Do(mutex.Region, func() (err error) {
		d, err := l.Read(id)

		if err != nil {
			return
		}

		return l.persist(id, d.Window)
	})
}

// Unlock disables a region and clears its persisted record.
func (l *Lock) Unlock(id ID) (err error) {
	if err = l.supported(id); err != nil {
		return
	}

	return l.mutex.Do(mutex.Region, func() (err error) {
		if err = l.program(id, Disabled); err != nil {
			return
		}

		if err = l.persist(id, Disabled); err != nil {
			return
		}

		if id == ContentProtection {
			err = l.SetDisplayPolicy(false)
		}

		return
	})
}

// SetDisplayPolicy switches display pipeline content-protection enforcement.
func (l *Lock) SetDisplayPolicy(enforce bool) error {
	var val uint32

	if enforce {
		val = 1
	}

	return hw.Update(l.bus, l.layout.DisplayPolicy, DisplayEnforce, val)
}

// DisplayPolicy returns whether content-protection enforcement is enabled.
func (l *Lock) DisplayPolicy() (enforce bool, err error) {
	val, err := hw.Read(l.bus, l.layout.DisplayPolicy)

	if err != nil {
		return
	}

	return DisplayEnforce.Get(val) != 0, nil
}
