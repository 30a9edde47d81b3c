// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package gotee

import (
	"errors"
	"fmt"
	"log"

	"github.com/usbarmory/tamago/arm"
	"github.com/usbarmory/tamago/dma"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/usbarmory/GoTEE-secboot/hw/rpcbus"
	"github.com/usbarmory/GoTEE-secboot/mem"
	"github.com/usbarmory/GoTEE-secboot/util"
)

func configureMMU(region *dma.Region) {
	start := uint32(region.Start())
	end := uint32(region.End())

	// grant user mode access to the applet region only
	imx6ul.ARM.ConfigureMMU(start, end, 0, arm.MemoryRegion|arm.TTE_AP_011<<10)
}

// loadApplet loads the phase binary as trusted applet, each execution starts
// from a fresh image.
func loadApplet() (ta *monitor.ExecCtx, err error) {
	if len(TA) == 0 {
		return nil, errors.New("missing applet image")
	}

	image := &exec.ELFImage{
		Region: mem.AppletRegion,
		ELF:    TA,
	}

	configureMMU(image.Region)

	if err = image.Load(); err != nil {
		return
	}

	if ta, err = monitor.Load(image.Entry(), image.Region, true); err != nil {
		return nil, fmt.Errorf("SM could not load applet, %v", err)
	}

	log.Printf("SM loaded applet addr:%#x entry:%#x size:%d", ta.Memory.Start(), ta.R15, len(TA))

	// set applet as ELF debugging target
	util.SetDebugTarget(image.ELF)

	if err = ta.Server.RegisterName(rpcbus.Service, Receiver); err != nil {
		return nil, fmt.Errorf("SM could not register RPC receiver, %v", err)
	}

	// set stack pointer to the end of available memory
	ta.R13 = uint32(ta.Memory.End()) - mem.AppletStackOffset

	// override default handler to improve logging
	ta.Handler = goHandler

	return
}
