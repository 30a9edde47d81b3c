// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/dmacopy"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/hw/sim"
	"github.com/usbarmory/GoTEE-secboot/phase"
	"github.com/usbarmory/GoTEE-secboot/region"
	"github.com/usbarmory/GoTEE-secboot/resume"
	"github.com/usbarmory/GoTEE-secboot/sequencer"
	"github.com/usbarmory/GoTEE-secboot/status"
	"github.com/usbarmory/GoTEE-secboot/subregion"
)

const stagingAddr = 0x80000

type simulator struct {
	chip *sim.Chip
	env  *phase.Env
	cfg  *phase.Config
}

func defaultConfig() *phase.Config {
	return &phase.Config{
		Version: 1,
		Region: phase.Window{
			Start: 0x1000,
			Size:  0x1000,
			Read:  hw.AllLevels,
			Write: hw.AllLevels,
		},
		Images: []resume.ShadowCopy{
			{Region: region.Primary, Offset: 0, Staging: stagingAddr, Size: 0x2000},
		},
		Engines: []phase.Managed{
			{
				Engine: chip.Power,
				Code:   subregion.Range{Start: 0x1000, Size: 0x400},
				Data:   subregion.Range{Start: 0x1400, Size: 0x400},
			},
			{
				Engine: chip.Graphics,
				Code:   subregion.Range{Start: 0x1800, Size: 0x400},
				Data:   subregion.Range{Start: 0x1c00, Size: 0x200},
			},
		},
		Shared: []phase.SharedWindow{
			{
				Sub:     chip.Shared0,
				Range:   subregion.Range{Start: 0x1e00, Size: 0x200},
				Writers: []chip.Engine{chip.Graphics},
				Readers: []chip.Engine{chip.Power},
			},
		},
		WrapSecret: true,
	}
}

func newSimulator(cCtx *cli.Context) (s *simulator, err error) {
	if !cCtx.Bool(flagVerbose.Name) {
		log.SetOutput(io.Discard)
	}

	g, err := chip.Lookup(cCtx.String(flagChip.Name))

	if err != nil {
		return
	}

	cfg := defaultConfig()

	if path := cCtx.String(flagConfig.Name); path != "" {
		buf, err := os.ReadFile(path)

		if err != nil {
			return nil, err
		}

		if cfg, err = phase.Load(buf); err != nil {
			return nil, err
		}
	}

	c, err := sim.New(g, []byte(cCtx.String(flagSeed.Name)))

	if err != nil {
		return
	}

	if v := cCtx.Uint(flagFuse.Name); v > 0 {
		c.BurnFuses(uint32(v))
	}

	// stage images in system memory
	for i, img := range cfg.Images {
		c.DMA.Memory[dmacopy.System].Write(img.Staging, bytes.Repeat([]byte{byte(0xa0 + i)}, img.Size))
	}

	s = &simulator{
		chip: c,
		cfg:  cfg,
		env: &phase.Env{
			Bus:    c,
			DMA:    c.DMA,
			Crypto: c.SCP,
			Halter: c,
		},
	}

	return
}

func (s *simulator) step(name string) (err error) {
	switch name {
	case "suspend":
		fmt.Println("-- suspend")
		s.chip.Suspend()
		return
	case "reset":
		fmt.Println("-- reset")
		s.chip.Reset()
		return
	case "dump":
		return s.dump()
	}

	p, err := sequencer.ParsePhase(name)

	if err != nil {
		return
	}

	s.chip.Halted = false

	// phase failures are reported through the mailbox
	phase.Run(p, s.env, s.cfg)

	code, ok := s.chip.LastMailbox()
	fmt.Printf("%-6s mailbox:%#.2x (%s) halted:%v\n", p, uint32(code), code, s.chip.Halted)

	if !ok || !s.chip.Halted {
		return fmt.Errorf("%s did not report and halt", p)
	}

	if code != status.OK {
		return fmt.Errorf("%s failed, %w", p, &status.Error{Code: code})
	}

	return
}

func (s *simulator) dump() (err error) {
	core, err := phase.NewCore(s.env, s.cfg)

	if err != nil {
		return
	}

	return core.Report(os.Stdout)
}
