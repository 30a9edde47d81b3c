// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package subregion

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/region"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// Entry represents a single window of a grant plan.
type Entry struct {
	Engine chip.Engine
	Sub    chip.SubID
	Range  Range
	Read   uint8
	Write  uint8
}

// Plan represents a set of windows applied together.
type Plan []Entry

// FullRegion grants an engine read-write access to the whole owning region,
// it is used for the engine which loads every other engine.
func FullRegion(e chip.Engine, owner region.Window) Plan {
	return Plan{
		{
			Engine: e,
			Sub:    chip.Code,
			Range:  Range{Start: owner.Start, Size: owner.Size()},
			Read:   hw.AllLevels,
			Write:  hw.AllLevels,
		},
	}
}

// CodeData grants a managed engine a read-only code window and a read-write
// data window.
func CodeData(e chip.Engine, code Range, data Range) Plan {
	return Plan{
		{Engine: e, Sub: chip.Code, Range: code, Read: hw.AllLevels, Write: hw.Closed},
		{Engine: e, Sub: chip.Data, Range: data, Read: hw.AllLevels, Write: hw.AllLevels},
	}
}

// Shared grants a shared-data window to many readers and writers, a valid plan
// has at most one writer per window.
func Shared(sub chip.SubID, r Range, writers []chip.Engine, readers []chip.Engine) (p Plan) {
	for _, e := range writers {
		p = append(p, Entry{Engine: e, Sub: sub, Range: r, Read: hw.AllLevels, Write: hw.AllLevels})
	}

	for _, e := range readers {
		p = append(p, Entry{Engine: e, Sub: sub, Range: r, Read: hw.AllLevels, Write: hw.Closed})
	}

	return
}

type writer struct {
	engine     chip.Engine
	start, end uint64
}

// Validate rejects plans assigning the same engine window twice and shared
// windows with more than one writer. Writable shared windows of different
// engines must not overlap, whichever shared sub-region carries them.
func (p Plan) Validate() error {
	type slot struct {
		engine chip.Engine
		sub    chip.SubID
	}

	seen := make(map[slot]bool)
	var writers []writer

	for _, e := range p {
		s := slot{e.Engine, e.Sub}

		if seen[s] {
			return fmt.Errorf("%s sub-region %d assigned twice, %w", e.Engine, e.Sub, status.ErrInvalidArgument)
		}

		seen[s] = true

		if e.Sub != chip.Shared0 && e.Sub != chip.Shared1 || e.Write == hw.Closed {
			continue
		}

		w := writer{
			engine: e.Engine,
			start:  uint64(e.Range.Start),
			end:    uint64(e.Range.Start) + uint64(e.Range.Size),
		}

		for _, prev := range writers {
			if prev.engine != w.engine && w.start < prev.end && prev.start < w.end {
				return fmt.Errorf("shared window %#x written by %s and %s, %w", e.Range.Start, prev.engine, e.Engine, status.ErrInvalidArgument)
			}
		}

		writers = append(writers, w)
	}

	return nil
}

// Apply validates and grants every window of a plan, the first failure stops
// the plan.
func (t *Table) Apply(p Plan, persist bool) (err error) {
	if err = p.Validate(); err != nil {
		return
	}

	for _, e := range p {
		if err = t.Grant(e.Engine, e.Sub, e.Range, e.Read, e.Write, persist); err != nil {
			return fmt.Errorf("%s sub-region %d, %w", e.Engine, e.Sub, err)
		}
	}

	return
}
