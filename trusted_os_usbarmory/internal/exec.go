// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package gotee

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/usbarmory/tamago/arm"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/usbarmory/GoTEE-secboot/hw/rpcbus"
	"github.com/usbarmory/GoTEE-secboot/phase"
	"github.com/usbarmory/GoTEE-secboot/sequencer"
	"github.com/usbarmory/GoTEE-secboot/util"
)

var (
	// TA is the phase applet ELF image.
	TA []byte
	// Receiver serves the hardware requests of the phase applet.
	Receiver *rpcbus.RPC
	// Console is the remote console, applet output is mirrored to it when
	// set.
	Console *util.Console
)

var output util.Output

// Exec runs a phase binary as trusted applet, the applet reaches the hosted
// co-processor only through the RPC receiver.
func Exec(p sequencer.Phase, cfg *phase.Config) (err error) {
	if Receiver == nil {
		return errors.New("no RPC receiver")
	}

	buf, err := json.Marshal(cfg)

	if err != nil {
		return
	}

	Receiver.SetRequest(p.String(), buf)

	ta, err := loadApplet()

	if err != nil {
		return
	}

	return run(ta)
}

func run(ctx *monitor.ExecCtx) (err error) {
	mode := arm.ModeName(int(ctx.SPSR) & 0x1f)

	log.Printf("SM starting mode:%s sp:%#.8x pc:%#.8x", mode, ctx.R13, ctx.R15)

	err = ctx.Run()

	log.Printf("SM stopped mode:%s sp:%#.8x lr:%#.8x pc:%#.8x err:%v", mode, ctx.R13, ctx.R14, ctx.R15, err)

	if err != nil {
		pcLine, _ := util.PCToLine(uint64(ctx.R15))
		lrLine, _ := util.PCToLine(uint64(ctx.R14))

		if pcLine != "" || lrLine != "" {
			log.Printf("stack trace:\n  %s\n  %s", pcLine, lrLine)
		}
	}

	return
}
