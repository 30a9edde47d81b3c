// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package scratch provides typed access to the persistent scratch slots which
// carry state between phase binaries and across suspend.
//
// Slots are bit-packed and shared with unrelated features, every field is
// updated with a read-modify-write sequence which preserves foreign bits.
package scratch

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// Slot assignments, the layout is shared by every phase binary and must not
// change.
const (
	SlotHandoff     = 0
	SlotRegionStart = 1
	SlotRegionSize  = 2
	SlotCPRStart    = 3
	SlotCPRSize     = 4
	SlotKey         = 5
	KeyWords        = 8
	SlotShadow      = SlotKey + KeyWords
)

// Protection word fields
var (
	ProtRead  = hw.Field{Pos: 0, Mask: hw.LevelMask}
	ProtWrite = hw.Field{Pos: 4, Mask: hw.LevelMask}
)

// Store represents the scratch slot array.
type Store struct {
	bus    hw.Bus
	layout *chip.Layout
}

// New returns the scratch store of a chip register map.
func New(b hw.Bus, l *chip.Layout) *Store {
	return &Store{
		bus:    b,
		layout: l,
	}
}

// Count returns the number of slots.
func (s *Store) Count() int {
	return s.layout.ScratchCount
}

func (s *Store) check(slot int) error {
	if slot < 0 || slot >= s.layout.ScratchCount {
		return fmt.Errorf("invalid scratch slot %d, %w", slot, status.ErrInvalidArgument)
	}

	return nil
}

// Slot returns the register of a scratch slot.
func (s *Store) Slot(slot int) (r hw.Reg, err error) {
	if err = s.check(slot); err != nil {
		return
	}

	return s.layout.Scratch.Offset(uint32(slot) * 4), nil
}

// Prot returns the protection register of a scratch slot.
func (s *Store) Prot(slot int) (r hw.Reg, err error) {
	if err = s.check(slot); err != nil {
		return
	}

	return s.layout.ScratchProt.Offset(uint32(slot) * 4), nil
}

// Read returns the raw value of a slot.
func (s *Store) Read(slot int) (val uint32, err error) {
	r, err := s.Slot(slot)

	if err != nil {
		return
	}

	return hw.Read(s.bus, r)
}

// Write replaces a slot owned entirely by the caller, with read-back
// verification.
func (s *Store) Write(slot int, val uint32) (err error) {
	r, err := s.Slot(slot)

	if err != nil {
		return
	}

	return hw.WriteVerify(s.bus, r, val)
}

// Update modifies fields of a slot preserving every other bit.
func (s *Store) Update(slot int, fields []hw.Field, vals []uint32) (err error) {
	r, err := s.Slot(slot)

	if err != nil {
		return
	}

	return hw.UpdateFields(s.bus, r, fields, vals)
}

// Protect sets the read and write level masks of a slot.
func (s *Store) Protect(slot int, read uint8, write uint8) (err error) {
	r, err := s.Prot(slot)

	if err != nil {
		return
	}

	return hw.UpdateFields(s.bus, r, []hw.Field{ProtRead, ProtWrite}, []uint32{uint32(read), uint32(write)})
}

// RestrictRead tightens the read level mask of a slot, leaving its write mask
// untouched.
func (s *Store) RestrictRead(slot int, read uint8) (err error) {
	r, err := s.Prot(slot)

	if err != nil {
		return
	}

	return hw.Update(s.bus, r, ProtRead, uint32(read))
}

// Protection returns the read and write level masks of a slot.
func (s *Store) Protection(slot int) (read uint8, write uint8, err error) {
	r, err := s.Prot(slot)

	if err != nil {
		return
	}

	val, err := hw.Read(s.bus, r)

	if err != nil {
		return
	}

	return uint8(ProtRead.Get(val)), uint8(ProtWrite.Get(val)), nil
}
