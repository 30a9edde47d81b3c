// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package subregion implements least-privilege engine windows within the
// primary protected region, with optional persistence for replay on resume.
package subregion

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/mutex"
	"github.com/usbarmory/GoTEE-secboot/region"
	"github.com/usbarmory/GoTEE-secboot/scratch"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// Range represents a window request, in 4K units.
type Range struct {
	Start uint32 `json:"start"`
	Size  uint32 `json:"size"`
}

// End returns the exclusive end of the range.
func (r Range) End() (end uint32, err error) {
	if r.Size == 0 {
		return 0, fmt.Errorf("zero size range, %w", status.ErrInvalidArgument)
	}

	end = r.Start + r.Size

	if end < r.Start {
		return 0, fmt.Errorf("range %#x+%#x overflows, %w", r.Start, r.Size, status.ErrRangeOverflow)
	}

	return
}

// Descriptor represents an engine sub-region window.
type Descriptor struct {
	Engine chip.Engine
	Sub    chip.SubID
	Region region.ID
	region.Window
}

// Table represents the sub-region hardware of every managed engine.
type Table struct {
	gen     chip.Generation
	lock    *region.Lock
	mutex   *mutex.Controller
	scratch *scratch.Store
}

// New returns the sub-region table of a chip generation.
func New(g chip.Generation, l *region.Lock, mu *mutex.Controller, s *scratch.Store) *Table {
	return &Table{
		gen:     g,
		lock:    l,
		mutex:   mu,
		scratch: s,
	}
}

// shadow slot index of an engine window
func (t *Table) index(e chip.Engine, sub chip.SubID) (int, bool) {
	i, ok := chip.Index(t.gen, e)

	if !ok || sub < 0 || sub >= chip.MaxSubIDs {
		return 0, false
	}

	return i*int(chip.MaxSubIDs) + int(sub), true
}

func (t *Table) check(e chip.Engine, sub chip.SubID) (idx int, err error) {
	idx, ok := t.index(e, sub)

	if !ok {
		return 0, fmt.Errorf("no sub-region %d for %s on %s, %w", sub, e, t.gen.Name(), status.ErrInvalidArgument)
	}

	return
}

// Grant programs an engine window within the owning region, the effective
// masks are those requested reduced to the owning region masks. Exempt engines
// are not subject to sub-region control and their grants succeed without
// effect.
func (t *Table) Grant(e chip.Engine, sub chip.SubID, r Range, read uint8, write uint8, persist bool) (err error) {
	if t.gen.Exempt(e) {
		return
	}

	end, err := r.End()

	if err != nil {
		return
	}

	idx, err := t.check(e, sub)

	if err != nil {
		return
	}

	if !hw.MaskValid(read) || !hw.MaskValid(write) {
		return fmt.Errorf("invalid masks read:%#x write:%#x, %w", read, write, status.ErrInvalidArgument)
	}

	owner, err := t.lock.Read(region.Primary)

	if err != nil {
		return
	}

	if !owner.Contains(r.Start, end) {
		return fmt.Errorf("%s window [%#x, %#x) outside %s region %s, %w", e, r.Start, end, owner.ID, owner.Window, status.ErrInvalidArgument)
	}

	w := region.Window{Start: r.Start, End: end, Read: read, Write: write}.Restrict(owner.Window)

	if err = t.lock.ProgramSubRegion(e, sub, w); err != nil {
		return
	}

	if !persist {
		return
	}

	return t.mutex.Do(mutex.Shadow, func() error {
		return t.scratch.SetSubShadow(idx, scratch.Shadow{
			Start: w.Start,
			End:   w.End,
			Read:  w.Read,
			Write: w.Write,
		})
	})
}

// Revoke disables an engine window, any persisted copy is left untouched.
func (t *Table) Revoke(e chip.Engine, sub chip.SubID) (err error) {
	if t.gen.Exempt(e) {
		return
	}

	if _, err = t.check(e, sub); err != nil {
		return
	}

	return t.lock.ProgramSubRegion(e, sub, region.Disabled)
}

// RevokeAll disables every engine window.
func (t *Table) RevokeAll() (err error) {
	for _, e := range t.gen.Engines() {
		for sub := chip.SubID(0); sub < chip.MaxSubIDs; sub++ {
			if err = t.Revoke(e, sub); err != nil {
				return
			}
		}
	}

	return
}

// Read returns an engine window as programmed in hardware.
func (t *Table) Read(e chip.Engine, sub chip.SubID) (d Descriptor, err error) {
	if _, err = t.check(e, sub); err != nil {
		return
	}

	w, err := t.lock.ReadSubRegion(e, sub)

	if err != nil {
		return
	}

	if !w.Enabled() {
		w = region.Disabled
	}

	return Descriptor{
		Engine: e,
		Sub:    sub,
		Region: region.Primary,
		Window: w,
	}, nil
}

// Shadow returns the persisted copy of an engine window.
func (t *Table) Shadow(e chip.Engine, sub chip.SubID) (sh scratch.Shadow, err error) {
	idx, err := t.check(e, sub)

	if err != nil {
		return
	}

	return t.scratch.SubShadow(idx)
}

// Replay reprograms every valid persisted window, with masks reduced to those
// of the restored owning region. A persisted window which does not fit the
// owning region fails the replay.
func (t *Table) Replay(owner region.Descriptor) (n int, err error) {
	for _, e := range t.gen.Engines() {
		for sub := chip.SubID(0); sub < chip.MaxSubIDs; sub++ {
			idx, _ := t.index(e, sub)

			sh, err := t.scratch.SubShadow(idx)

			if err != nil {
				return n, err
			}

			if !sh.Valid() {
				continue
			}

			if !owner.Contains(sh.Start, sh.End) {
				return n, fmt.Errorf("%s shadow [%#x, %#x) outside %s region, %w", e, sh.Start, sh.End, owner.ID, status.ErrInvalidArgument)
			}

			w := region.Window{Start: sh.Start, End: sh.End, Read: sh.Read, Write: sh.Write}.Restrict(owner.Window)

			if err = t.lock.ProgramSubRegion(e, sub, w); err != nil {
				return n, err
			}

			n++
		}
	}

	return
}

// Forget invalidates every persisted window.
func (t *Table) Forget() error {
	return t.mutex.Do(mutex.Shadow, func() (err error) {
		for _, e := range t.gen.Engines() {
			for sub := chip.SubID(0); sub < chip.MaxSubIDs; sub++ {
				idx, _ := t.index(e, sub)

				if err = t.scratch.ClearSubShadow(idx); err != nil {
					return
				}
			}
		}

		return
	})
}
