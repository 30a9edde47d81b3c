// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package chip provides per chip generation capability tables, a generation is
// selected once at startup and carries every chip specific register address
// and feature switch used by the secure boot core.
package chip

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// Engine identifies an auxiliary hardware engine.
type Engine int

const (
	// Bootstrap is the engine which loads every other engine, it is granted
	// access to the full protected region.
	Bootstrap Engine = iota
	// Power is the power management engine.
	Power
	// Graphics is the graphics context switch engine.
	Graphics
	// Video is the video decode engine.
	Video
	// GraphicsCluster is loaded by the graphics engine itself and has no
	// sub-region hardware.
	GraphicsCluster

	numEngines
)

var engineNames = [numEngines]string{
	Bootstrap:       "bootstrap",
	Power:           "power",
	Graphics:        "graphics",
	Video:           "video",
	GraphicsCluster: "graphics-cluster",
}

func (e Engine) String() string {
	if e < 0 || e >= numEngines {
		return fmt.Sprintf("engine(%d)", int(e))
	}

	return engineNames[e]
}

// ParseEngine returns the engine matching a name.
func ParseEngine(name string) (Engine, error) {
	for i, n := range engineNames {
		if n == name {
			return Engine(i), nil
		}
	}

	return 0, fmt.Errorf("unknown engine %q, %w", name, status.ErrInvalidArgument)
}

// MarshalText implements encoding.TextMarshaler.
func (e Engine) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Engine) UnmarshalText(b []byte) (err error) {
	*e, err = ParseEngine(string(b))
	return
}

// SubID identifies a sub-region window within an engine.
type SubID int

const (
	// Code is the read-only code window of a managed engine.
	Code SubID = iota
	// Data is the read-write data window of a managed engine.
	Data
	// Shared0 is the first shared-data window.
	Shared0
	// Shared1 is the second shared-data window.
	Shared1

	// MaxSubIDs is the number of sub-region windows per engine.
	MaxSubIDs
)

// SubRegs holds the registers of a single sub-region window.
type SubRegs struct {
	Start hw.Reg
	End   hw.Reg
	Perm  hw.Reg
}

// Layout holds the register map of a chip generation.
type Layout struct {
	// ChipID identifies the generation.
	ChipID hw.Reg

	// RegionStart and RegionEnd hold the primary region bounds (4K units).
	RegionStart [2]hw.Reg
	RegionEnd   [2]hw.Reg
	// RegionPerm is shared by both primary regions.
	RegionPerm hw.Reg

	// DisplayPolicy holds the display pipeline content-protection
	// enforcement switch.
	DisplayPolicy hw.Reg

	// HubKey is the first of HubKeyWords hub encryption key registers.
	HubKey      hw.Reg
	HubKeyWords int

	// SubRegionBase is the first engine sub-region register block.
	SubRegionBase hw.Reg

	// Scratch is the first persistent scratch slot, ScratchProt the first
	// scratch protection word.
	Scratch      hw.Reg
	ScratchProt  hw.Reg
	ScratchCount int

	// ResumeSeq is the resume-sequencing register.
	ResumeSeq hw.Reg
	// ResumeLatch is set once region lock on resume completes, it is not
	// retained across suspend.
	ResumeLatch hw.Reg

	Mutex          hw.Reg
	MutexCount     int
	MutexIDAlloc   hw.Reg
	MutexIDRelease hw.Reg

	FuseVersion hw.Reg
	Mailbox     hw.Reg
}

const (
	subRegionEngineStride = 0x1000
	subRegionStride       = 0x10
)

// Generation represents a chip generation capability table.
type Generation interface {
	// Name returns the generation name.
	Name() string
	// ID returns the expected ChipID register value.
	ID() uint32
	// Layout returns the register map.
	Layout() *Layout
	// Engines returns the engines equipped with sub-region hardware.
	Engines() []Engine
	// Exempt returns whether an engine is outside sub-region control.
	Exempt(e Engine) bool
	// ContentProtection returns whether the content-protection region is
	// implemented in production hardware.
	ContentProtection() bool
	// DMAGranularity returns the DMA transfer size in bytes.
	DMAGranularity() int
	// UnsafeDefaults returns whether sub-regions come out of reset open.
	UnsafeDefaults() bool
}

// Index returns the position of an engine within the generation sub-region
// register blocks.
func Index(g Generation, e Engine) (int, bool) {
	for i, engine := range g.Engines() {
		if engine == e {
			return i, true
		}
	}

	return 0, false
}

// SubRegion returns the registers of an engine sub-region window.
func SubRegion(g Generation, e Engine, sub SubID) (regs SubRegs, ok bool) {
	if sub < 0 || sub >= MaxSubIDs {
		return
	}

	i, ok := Index(g, e)

	if !ok {
		return
	}

	base := g.Layout().SubRegionBase.Offset(uint32(i)*subRegionEngineStride + uint32(sub)*subRegionStride)

	return SubRegs{
		Start: base,
		End:   base.Offset(4),
		Perm:  base.Offset(8),
	}, true
}

// Valid returns whether an engine is known to the generation, either with
// sub-region hardware or exempt from it.
func Valid(g Generation, e Engine) bool {
	if g.Exempt(e) {
		return true
	}

	_, ok := Index(g, e)

	return ok
}

var generations = map[string]Generation{}

func register(g Generation) {
	generations[g.Name()] = g
}

// Lookup returns a generation by name.
func Lookup(name string) (Generation, error) {
	g, ok := generations[name]

	if !ok {
		return nil, fmt.Errorf("unknown chip generation %q, %w", name, status.ErrUnsupported)
	}

	return g, nil
}

// Names returns all registered generation names.
func Names() (names []string) {
	for _, name := range []string{"gen1", "gen2"} {
		if _, ok := generations[name]; ok {
			names = append(names, name)
		}
	}

	return
}

// Detect selects the generation matching the chip ID register, the ID register
// is at the same location on every generation.
func Detect(b hw.Bus) (Generation, error) {
	id, err := hw.Read(b, chipIDReg)

	if err != nil {
		return nil, err
	}

	for _, g := range generations {
		if g.ID() == id {
			return g, nil
		}
	}

	return nil, fmt.Errorf("unknown chip id %#x, %w", id, status.ErrUnsupported)
}
