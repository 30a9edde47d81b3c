// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package region

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// ID identifies a primary protected region.
type ID int

const (
	// Primary holds verified engine firmware.
	Primary ID = iota
	// ContentProtection holds protected display content.
	ContentProtection

	numRegions
)

func (id ID) String() string {
	switch id {
	case Primary:
		return "primary"
	case ContentProtection:
		return "content-protection"
	default:
		return fmt.Sprintf("region(%d)", int(id))
	}
}

const (
	// Unit is the region address granularity in bytes.
	Unit = 4096
	// AddrMask is the width of region address fields, in units.
	AddrMask = 0xffffff
	// DisabledStart is the start address programmed for disabled windows.
	DisabledStart = AddrMask
)

// Window represents a half-open [Start, End) address window, in 4K units, with
// per privilege level read and write masks.
type Window struct {
	Start uint32
	End   uint32
	Read  uint8
	Write uint8
}

// Disabled is the window programmed into unused hardware.
var Disabled = Window{Start: DisabledStart}

// Enabled returns whether the window covers any memory.
func (w Window) Enabled() bool {
	return w.Start < w.End
}

// Size returns the window size in 4K units.
func (w Window) Size() uint32 {
	if !w.Enabled() {
		return 0
	}

	return w.End - w.Start
}

// Contains returns whether [start, end) lies within the window.
func (w Window) Contains(start uint32, end uint32) bool {
	return w.Enabled() && start >= w.Start && end <= w.End && start < end
}

// Validate checks window bounds and masks against the hardware field widths.
func (w Window) Validate() error {
	if !w.Enabled() {
		return fmt.Errorf("empty window [%#x, %#x), %w", w.Start, w.End, status.ErrInvalidArgument)
	}

	if w.End > AddrMask {
		return fmt.Errorf("window end %#x exceeds address field, %w", w.End, status.ErrInvalidArgument)
	}

	if !hw.MaskValid(w.Read) || !hw.MaskValid(w.Write) {
		return fmt.Errorf("invalid masks read:%#x write:%#x, %w", w.Read, w.Write, status.ErrInvalidArgument)
	}

	return nil
}

// Restrict returns the window with masks reduced to those of owner, the most
// restrictive permission wins.
func (w Window) Restrict(owner Window) Window {
	w.Read &= owner.Read
	w.Write &= owner.Write

	return w
}

func (w Window) String() string {
	if !w.Enabled() {
		return "disabled"
	}

	return fmt.Sprintf("[%#.6x, %#.6x) r:%#x w:%#x", w.Start, w.End, w.Read, w.Write)
}

// Descriptor represents a primary region.
type Descriptor struct {
	ID ID
	Window
}

// Validate checks a descriptor before programming.
func (d Descriptor) Validate() error {
	if d.ID < 0 || d.ID >= numRegions {
		return fmt.Errorf("invalid region %d, %w", d.ID, status.ErrInvalidArgument)
	}

	return d.Window.Validate()
}
