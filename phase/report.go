// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package phase

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/region"
)

// Report writes the handoff state, the primary regions and the enabled
// sub-region windows to w, registers are read without taking mutexes.
func (c *Core) Report(w io.Writer) (err error) {
	t := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)

	h, err := c.Scratch.Handoff()

	if err != nil {
		return
	}

	v, err := c.Fuse.Fuse()

	if err != nil {
		return
	}

	fmt.Fprintf(t, "chip\t%s (%#x)\n", c.Gen.Name(), c.Gen.ID())
	fmt.Fprintf(t, "fuse\t%d\n", v)
	fmt.Fprintf(t, "handoff\ttag:%d ae:%v asb:%v resume:%v\n", h.Version, h.AEDone, h.ASBDone, h.ResumeDone)

	ids := []region.ID{region.Primary}

	if c.Gen.ContentProtection() {
		ids = append(ids, region.ContentProtection)
	}

	for _, id := range ids {
		d, err := c.Lock.Read(id)

		if err != nil {
			return err
		}

		fmt.Fprintf(t, "region %d\t%s\n", id, d.Window)
	}

	for _, e := range c.Gen.Engines() {
		for sub := chip.SubID(0); sub < chip.MaxSubIDs; sub++ {
			d, err := c.Table.Read(e, sub)

			if err != nil {
				return err
			}

			if d.Enabled() {
				fmt.Fprintf(t, "%s/%d\t%s\n", e, sub, d.Window)
			}
		}
	}

	return t.Flush()
}
