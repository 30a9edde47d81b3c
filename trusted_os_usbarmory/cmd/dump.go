// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-secboot/phase"
)

func init() {
	Add(Cmd{
		Name: "regions",
		Help: "show handoff state and protected regions",
		Fn:   regionsCmd,
	})

	Add(Cmd{
		Name: "scratch",
		Help: "show scratch slots",
		Fn:   scratchCmd,
	})
}

func (d *Device) core() (*phase.Core, error) {
	return phase.NewCore(&phase.Env{
		Bus:    d.Chip,
		DMA:    d.Chip.DMA,
		Crypto: d.Chip.SCP,
		Halter: d.Chip,
	}, d.Config)
}

func regionsCmd(_ *term.Terminal, _ []string) (res string, err error) {
	var buf bytes.Buffer

	d, err := device()

	if err != nil {
		return
	}

	d.Lock()
	defer d.Unlock()

	c, err := d.core()

	if err != nil {
		return
	}

	if err = c.Report(&buf); err != nil {
		return
	}

	return buf.String(), nil
}

func scratchCmd(_ *term.Terminal, _ []string) (res string, err error) {
	var buf bytes.Buffer

	d, err := device()

	if err != nil {
		return
	}

	d.Lock()
	defer d.Unlock()

	c, err := d.core()

	if err != nil {
		return
	}

	t := tabwriter.NewWriter(&buf, 0, 8, 2, ' ', 0)
	fmt.Fprintf(t, "slot\tvalue\tread\twrite\n")

	for i := 0; i < c.Scratch.Count(); i++ {
		val, err := c.Scratch.Read(i)

		if err != nil {
			return "", err
		}

		r, w, err := c.Scratch.Protection(i)

		if err != nil {
			return "", err
		}

		if val == 0 && r == 0 && w == 0 {
			continue
		}

		fmt.Fprintf(t, "%d\t%#.8x\t%#x\t%#x\n", i, val, r, w)
	}

	err = t.Flush()

	return buf.String(), err
}
