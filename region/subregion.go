// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package region

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/mutex"
	"github.com/usbarmory/GoTEE-secboot/status"
)

func (l *Lock) subRegs(e chip.Engine, sub chip.SubID) (regs chip.SubRegs, err error) {
	regs, ok := chip.SubRegion(l.gen, e, sub)

	if !ok {
		return regs, fmt.Errorf("no sub-region %d for %s on %s, %w", sub, e, l.gen.Name(), status.ErrInvalidArgument)
	}

	return
}

// ProgramSubRegion programs a single engine sub-region window, it is the only
// path through which sub-region hardware is written.
func (l *Lock) ProgramSubRegion(e chip.Engine, sub chip.SubID, w Window) (err error) {
	regs, err := l.subRegs(e, sub)

	if err != nil {
		return
	}

	if w.Enabled() {
		if err = w.Validate(); err != nil {
			return
		}
	} else {
		w = Disabled
	}

	if err = hw.WriteVerify(l.bus, regs.Start, w.Start); err != nil {
		return
	}

	if err = hw.WriteVerify(l.bus, regs.End, w.End); err != nil {
		return
	}

	return hw.UpdateFields(l.bus, regs.Perm, []hw.Field{SubRead, SubWrite}, []uint32{uint32(w.Read), uint32(w.Write)})
}

// ReadSubRegion returns an engine sub-region window as programmed in hardware.
func (l *Lock) ReadSubRegion(e chip.Engine, sub chip.SubID) (w Window, err error) {
	regs, err := l.subRegs(e, sub)

	if err != nil {
		return
	}

	if w.Start, err = hw.Read(l.bus, regs.Start); err != nil {
		return
	}

	if w.End, err = hw.Read(l.bus, regs.End); err != nil {
		return
	}

	perm, err := hw.Read(l.bus, regs.Perm)

	if err != nil {
		return
	}

	w.Read = uint8(SubRead.Get(perm))
	w.Write = uint8(SubWrite.Get(perm))

	return
}

func (l *Lock) disableSubRegions() (err error) {
	for _, e := range l.gen.Engines() {
		for sub := chip.SubID(0); sub < chip.MaxSubIDs; sub++ {
			if err = l.ProgramSubRegion(e, sub, Disabled); err != nil {
				return
			}
		}
	}

	return
}

// DisableSubRegions disables every engine sub-region chip-wide.
func (l *Lock) DisableSubRegions() error {
	return l.mutex.Do(mutex.Region, l.disableSubRegions)
}
