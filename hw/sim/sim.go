// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sim provides a simulated security co-processor register file, DMA
// controller and crypto engine, used by the host simulator, the board launcher
// and package tests.
package sim

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// Op represents a register access type.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Fault is invoked before every register access, a non-nil error fails the
// access.
type Fault func(op Op, r hw.Reg, val uint32) error

// FaultAfter returns a Fault failing every access matching op and r once n
// matching accesses went through.
func FaultAfter(op Op, r hw.Reg, n int) Fault {
	return func(o Op, reg hw.Reg, _ uint32) error {
		if o != op || reg != r {
			return nil
		}

		if n > 0 {
			n--
			return nil
		}

		return fmt.Errorf("injected fault, %w", status.ErrBusFault)
	}
}

const (
	// value held by mutexes owned by other cores
	foreignToken = 0xfe
	maxToken     = 0xfd

	disabledStart = 0xffffff
	openEnd       = 0xffffff
	openPerm      = 0xff
)

// Chip represents a simulated chip of a given generation.
type Chip struct {
	Gen chip.Generation

	// Fault, when set, is invoked before every register access.
	Fault Fault
	// Writes counts register writes.
	Writes int
	// Mailbox records every value latched in the mailbox register.
	Mailbox []uint32
	// Halted is set by Halt.
	Halted bool
	// Releases counts releases of each mutex.
	Releases map[int]int

	DMA *DMA
	SCP *SCP

	layout *chip.Layout
	regs   map[hw.Reg]uint32
	stuck  map[hw.Reg]bool
	tokens map[uint32]bool
	holds  map[int]int
	next   uint32
}

// New returns a cold reset chip, seed is used to derive the hardware secrets
// of the crypto engine.
func New(g chip.Generation, seed []byte) (c *Chip, err error) {
	c = &Chip{
		Gen:    g,
		DMA:    NewDMA(DMEMSize),
		layout: g.Layout(),
		regs:   make(map[hw.Reg]uint32),
		stuck:  make(map[hw.Reg]bool),
	}

	if c.SCP, err = NewSCP(seed, SecretSlots); err != nil {
		return nil, err
	}

	c.Reset()

	return
}

// Reset simulates a cold reset, only fuses survive.
func (c *Chip) Reset() {
	for r := range c.regs {
		if r.Domain != hw.Fuse {
			delete(c.regs, r)
		}
	}

	c.DMA.Reset()
	c.SCP.Reset()
	c.powerOn()
}

// Suspend simulates a deep-sleep cycle, the persistent scratch slots, the
// always-on domain and fuses survive while every other register returns to its
// reset value and protected memory content is lost.
func (c *Chip) Suspend() {
	for r := range c.regs {
		if !c.retained(r) {
			delete(c.regs, r)
		}
	}

	c.DMA.Suspend()
	c.SCP.Reset()
	c.powerOn()
}

func (c *Chip) retained(r hw.Reg) bool {
	switch r.Domain {
	case hw.Fuse, hw.AlwaysOn:
		return true
	case c.layout.Scratch.Domain:
		return inRange(r, c.layout.Scratch, c.layout.ScratchCount) ||
			inRange(r, c.layout.ScratchProt, c.layout.ScratchCount)
	}

	return false
}

func inRange(r hw.Reg, base hw.Reg, count int) bool {
	return r.Domain == base.Domain && r.Addr >= base.Addr && r.Addr < base.Addr+uint32(count)*4
}

func (c *Chip) powerOn() {
	l := c.layout

	c.tokens = make(map[uint32]bool)
	c.holds = make(map[int]int)
	c.Releases = make(map[int]int)
	c.Halted = false

	c.regs[l.ChipID] = c.Gen.ID()

	for i := range l.RegionStart {
		c.regs[l.RegionStart[i]] = disabledStart
		c.regs[l.RegionEnd[i]] = 0
	}

	c.regs[l.RegionPerm] = 0

	for _, e := range c.Gen.Engines() {
		for sub := chip.SubID(0); sub < chip.MaxSubIDs; sub++ {
			regs, _ := chip.SubRegion(c.Gen, e, sub)

			if c.Gen.UnsafeDefaults() {
				c.regs[regs.Start] = 0
				c.regs[regs.End] = openEnd
				c.regs[regs.Perm] = openPerm
			} else {
				c.regs[regs.Start] = disabledStart
				c.regs[regs.End] = 0
				c.regs[regs.Perm] = 0
			}
		}
	}
}

func (c *Chip) mutex(r hw.Reg) (int, bool) {
	if !inRange(r, c.layout.Mutex, c.layout.MutexCount) {
		return 0, false
	}

	return int(r.Addr-c.layout.Mutex.Addr) / 4, true
}

func (c *Chip) allocate() uint32 {
	for i := 0; i < maxToken; i++ {
		c.next = c.next%maxToken + 1

		if !c.tokens[c.next] {
			c.tokens[c.next] = true
			return c.next
		}
	}

	return 0xff
}

// Read32 implements hw.Bus.
func (c *Chip) Read32(d hw.Domain, addr uint32) (val uint32, err error) {
	r := hw.Reg{Domain: d, Addr: addr}

	if c.Fault != nil {
		if err = c.Fault(OpRead, r, 0); err != nil {
			return
		}
	}

	if r == c.layout.MutexIDAlloc {
		return c.allocate(), nil
	}

	val = c.regs[r]

	if id, ok := c.mutex(r); ok && c.holds[id] > 0 {
		if c.holds[id]--; c.holds[id] == 0 {
			c.regs[r] = 0
		}
	}

	return
}

// Write32 implements hw.Bus.
func (c *Chip) Write32(d hw.Domain, addr uint32, val uint32) (err error) {
	r := hw.Reg{Domain: d, Addr: addr}

	if c.Fault != nil {
		if err = c.Fault(OpWrite, r, val); err != nil {
			return
		}
	}

	c.Writes++

	if c.stuck[r] {
		return
	}

	if id, ok := c.mutex(r); ok {
		switch {
		case val == 0:
			if c.regs[r] != 0 {
				c.Releases[id]++
			}
			c.regs[r] = 0
		case c.regs[r] == 0:
			c.regs[r] = val
		}

		return
	}

	switch {
	case r == c.layout.ChipID, r == c.layout.MutexIDAlloc:
	case r == c.layout.MutexIDRelease:
		delete(c.tokens, val)
	case r == c.layout.Mailbox:
		c.Mailbox = append(c.Mailbox, val)
		c.regs[r] = val
	case d == hw.Fuse:
		c.regs[r] |= val
	default:
		c.regs[r] = val
	}

	return
}

// Halt implements hw.Halter.
func (c *Chip) Halt() {
	c.Halted = true
}

// Peek returns a register value without side effects.
func (c *Chip) Peek(r hw.Reg) uint32 {
	return c.regs[r]
}

// Poke sets a register value without side effects.
func (c *Chip) Poke(r hw.Reg, val uint32) {
	c.regs[r] = val
}

// Stick makes a register ignore every subsequent write.
func (c *Chip) Stick(r hw.Reg) {
	c.stuck[r] = true
}

// Hold marks a mutex as owned by another core, which releases it after polls
// reads of the mutex register.
func (c *Chip) Hold(id int, polls int) {
	r := c.layout.Mutex.Offset(uint32(id) * 4)
	c.regs[r] = foreignToken
	c.holds[id] = polls
}

// Held returns whether a mutex is currently owned.
func (c *Chip) Held(id int) bool {
	return c.regs[c.layout.Mutex.Offset(uint32(id)*4)] != 0
}

// Tokens returns the number of allocated mutex tokens.
func (c *Chip) Tokens() int {
	return len(c.tokens)
}

// BurnFuses programs the revocation fuses up to a thermometer encoded version.
func (c *Chip) BurnFuses(version uint32) {
	if version > 32 {
		version = 32
	}

	c.regs[c.layout.FuseVersion] |= uint32((uint64(1) << version) - 1)
}

// LastMailbox returns the last value latched in the mailbox.
func (c *Chip) LastMailbox() (status.Code, bool) {
	if len(c.Mailbox) == 0 {
		return 0, false
	}

	return status.Code(c.Mailbox[len(c.Mailbox)-1]), true
}
