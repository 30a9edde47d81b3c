// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-secboot/hw/sim"
	"github.com/usbarmory/GoTEE-secboot/phase"
	"github.com/usbarmory/GoTEE-secboot/sequencer"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// Device represents the security co-processor hosted by the monitor.
type Device struct {
	sync.Mutex

	Chip   *sim.Chip
	Config *phase.Config

	// Exec runs a phase binary, the phase executes in-process when nil.
	Exec func(p sequencer.Phase, cfg *phase.Config) error
}

// Target is the device driven by console commands.
var Target *Device

func init() {
	Add(Cmd{
		Name:    "phase",
		Args:    1,
		Pattern: regexp.MustCompile(`^phase (\w+)$`),
		Syntax:  "<ae|asb|rlor|unload>",
		Help:    "run a phase binary",
		Fn:      phaseCmd,
	})

	Add(Cmd{
		Name: "boot",
		Help: "cold boot (ae, asb)",
		Fn:   bootCmd,
	})

	Add(Cmd{
		Name: "suspend",
		Help: "enter and leave deep sleep",
		Fn:   suspendCmd,
	})

	Add(Cmd{
		Name: "reset",
		Help: "power cycle the device",
		Fn:   resetCmd,
	})

	Add(Cmd{
		Name:    "fuse",
		Args:    1,
		Pattern: regexp.MustCompile(`^fuse (\d+)$`),
		Syntax:  "<version>",
		Help:    "burn revocation fuses",
		Fn:      fuseCmd,
	})

	Add(Cmd{
		Name: "mailbox",
		Help: "show phase exit codes",
		Fn:   mailboxCmd,
	})

	Add(Cmd{
		Name: "config",
		Help: "show firmware table",
		Fn:   configCmd,
	})
}

func device() (*Device, error) {
	if Target == nil || Target.Chip == nil || Target.Config == nil {
		return nil, errors.New("no target device")
	}

	return Target, nil
}

func (d *Device) run(p sequencer.Phase) (code status.Code, err error) {
	d.Chip.Halted = false

	if d.Exec != nil {
		err = d.Exec(p, d.Config)
	} else {
		err = phase.Run(p, &phase.Env{
			Bus:    d.Chip,
			DMA:    d.Chip.DMA,
			Crypto: d.Chip.SCP,
			Halter: d.Chip,
		}, d.Config)
	}

	code, ok := d.Chip.LastMailbox()

	switch {
	case !ok:
		return 0, fmt.Errorf("%s did not report, %v", p, err)
	case !d.Chip.Halted:
		return code, fmt.Errorf("%s did not halt", p)
	}

	return code, nil
}

// Run executes a phase binary and returns its mailbox code.
func (d *Device) Run(p sequencer.Phase) (code status.Code, err error) {
	d.Lock()
	defer d.Unlock()

	return d.run(p)
}

func phaseCmd(_ *term.Terminal, arg []string) (res string, err error) {
	d, err := device()

	if err != nil {
		return
	}

	p, err := sequencer.ParsePhase(arg[0])

	if err != nil {
		return
	}

	code, err := d.Run(p)

	if err != nil {
		return
	}

	return fmt.Sprintf("%s exited with %s", p, code), nil
}

func bootCmd(_ *term.Terminal, _ []string) (res string, err error) {
	d, err := device()

	if err != nil {
		return
	}

	d.Lock()
	defer d.Unlock()

	var out []string

	for _, p := range []sequencer.Phase{sequencer.AuthorityEstablish, sequencer.AttestationSubBoot} {
		code, err := d.run(p)

		if err != nil {
			return "", err
		}

		out = append(out, fmt.Sprintf("%s exited with %s", p, code))

		if code != status.OK {
			break
		}
	}

	return strings.Join(out, "\n"), nil
}

func suspendCmd(_ *term.Terminal, _ []string) (res string, err error) {
	d, err := device()

	if err != nil {
		return
	}

	d.Lock()
	defer d.Unlock()

	d.Chip.Suspend()

	return "resumed from deep sleep, run `phase rlor`", nil
}

func resetCmd(_ *term.Terminal, _ []string) (res string, err error) {
	d, err := device()

	if err != nil {
		return
	}

	d.Lock()
	defer d.Unlock()

	d.Chip.Reset()

	return "power cycled", nil
}

func fuseCmd(_ *term.Terminal, arg []string) (res string, err error) {
	d, err := device()

	if err != nil {
		return
	}

	v, err := strconv.ParseUint(arg[0], 10, 8)

	if err != nil {
		return
	}

	d.Lock()
	defer d.Unlock()

	d.Chip.BurnFuses(uint32(v))

	return fmt.Sprintf("fuse version %d", v), nil
}

func mailboxCmd(_ *term.Terminal, _ []string) (res string, err error) {
	d, err := device()

	if err != nil {
		return
	}

	d.Lock()
	defer d.Unlock()

	var out []string

	for i, v := range d.Chip.Mailbox {
		out = append(out, fmt.Sprintf("%3d %#.2x %s", i, v, status.Code(v)))
	}

	return strings.Join(out, "\n"), nil
}

func configCmd(_ *term.Terminal, _ []string) (res string, err error) {
	d, err := device()

	if err != nil {
		return
	}

	buf, err := json.MarshalIndent(d.Config, "", "  ")

	if err != nil {
		return
	}

	return string(buf), nil
}
