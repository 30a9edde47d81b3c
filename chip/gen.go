// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package chip

import (
	"github.com/usbarmory/GoTEE-secboot/hw"
)

var chipIDReg = hw.Reg{Domain: hw.Priv, Addr: 0x00000000}

// MailboxReg is the phase exit status register, it is at the same location on
// every generation.
var MailboxReg = hw.Reg{Domain: hw.Core, Addr: 0x00000040}

// common register map, generations only differ in the number of populated
// engine blocks and capabilities
func newLayout() *Layout {
	return &Layout{
		ChipID: chipIDReg,

		RegionStart: [2]hw.Reg{
			{Domain: hw.Priv, Addr: 0x00100000},
			{Domain: hw.Priv, Addr: 0x00100010},
		},
		RegionEnd: [2]hw.Reg{
			{Domain: hw.Priv, Addr: 0x00100004},
			{Domain: hw.Priv, Addr: 0x00100014},
		},
		RegionPerm: hw.Reg{Domain: hw.Priv, Addr: 0x00100040},

		DisplayPolicy: hw.Reg{Domain: hw.Priv, Addr: 0x00100080},

		HubKey:      hw.Reg{Domain: hw.Priv, Addr: 0x00100100},
		HubKeyWords: 8,

		SubRegionBase: hw.Reg{Domain: hw.Priv, Addr: 0x00200000},

		Scratch:      hw.Reg{Domain: hw.Priv, Addr: 0x00300000},
		ScratchProt:  hw.Reg{Domain: hw.Priv, Addr: 0x00300400},
		ScratchCount: 48,

		ResumeSeq:   hw.Reg{Domain: hw.AlwaysOn, Addr: 0x00000020},
		ResumeLatch: hw.Reg{Domain: hw.Core, Addr: 0x00000044},

		Mutex:          hw.Reg{Domain: hw.Core, Addr: 0x00000800},
		MutexCount:     16,
		MutexIDAlloc:   hw.Reg{Domain: hw.Core, Addr: 0x00000880},
		MutexIDRelease: hw.Reg{Domain: hw.Core, Addr: 0x00000884},

		FuseVersion: hw.Reg{Domain: hw.Fuse, Addr: 0x00000100},
		Mailbox:     MailboxReg,
	}
}

type gen1 struct {
	layout *Layout
}

func (g *gen1) Name() string { return "gen1" }
func (g *gen1) ID() uint32 { return 0x164 }
func (g *gen1) Layout() *Layout { return g.layout }
func (g *gen1) DMAGranularity() int { return 256 }
func (g *gen1) UnsafeDefaults() bool { return true }

// The content-protection region is a simulation-only stub on this generation.
func (g *gen1) ContentProtection() bool { return false }

func (g *gen1) Engines() []Engine {
	return []Engine{Bootstrap, Power, Graphics}
}

func (g *gen1) Exempt(e Engine) bool {
	return e == GraphicsCluster
}

type gen2 struct {
	layout *Layout
}

func (g *gen2) Name() string { return "gen2" }
func (g *gen2) ID() uint32 { return 0x172 }
func (g *gen2) Layout() *Layout { return g.layout }
func (g *gen2) DMAGranularity() int { return 512 }
func (g *gen2) UnsafeDefaults() bool { return false }
func (g *gen2) ContentProtection() bool { return true }

func (g *gen2) Engines() []Engine {
	return []Engine{Bootstrap, Power, Graphics, Video}
}

func (g *gen2) Exempt(e Engine) bool {
	return e == GraphicsCluster
}

func init() {
	register(&gen1{layout: newLayout()})
	register(&gen2{layout: newLayout()})
}
