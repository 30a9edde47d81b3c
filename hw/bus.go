// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hw provides the register bus abstraction consumed by the secure boot
// core and the single read-modify-write primitive through which every shared
// register field is updated.
package hw

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"

	"github.com/usbarmory/GoTEE-secboot/status"
)

// Domain identifies a register bus domain.
type Domain int

const (
	// Priv is the privileged (chip-wide) register space.
	Priv Domain = iota
	// Core is the security core local register space (mutexes, mailbox).
	Core
	// Fuse is the read-only fuse space.
	Fuse
	// AlwaysOn is the always-on domain retained across suspend.
	AlwaysOn
)

func (d Domain) String() string {
	switch d {
	case Priv:
		return "priv"
	case Core:
		return "core"
	case Fuse:
		return "fuse"
	case AlwaysOn:
		return "aon"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// Bus represents a register bus, a failed access is fatal to the caller.
type Bus interface {
	Read32(d Domain, addr uint32) (uint32, error)
	Write32(d Domain, addr uint32, val uint32) error
}

// Halter represents the halt instruction of the executing core.
type Halter interface {
	Halt()
}

// Reg represents a single 32-bit register.
type Reg struct {
	Domain Domain
	Addr   uint32
}

func (r Reg) String() string {
	return fmt.Sprintf("%s:%#.8x", r.Domain, r.Addr)
}

// Offset returns the register located off bytes after r.
func (r Reg) Offset(off uint32) Reg {
	return Reg{Domain: r.Domain, Addr: r.Addr + off}
}

// Field represents a bit field within a register.
type Field struct {
	Pos  int
	Mask int
}

// Get extracts the field from a register value.
func (f Field) Get(val uint32) uint32 {
	return (val >> f.Pos) & uint32(f.Mask)
}

// Fits returns whether a value can be represented by the field.
func (f Field) Fits(val uint32) bool {
	return val&^uint32(f.Mask) == 0
}

// Read reads a register.
func Read(b Bus, r Reg) (val uint32, err error) {
	if val, err = b.Read32(r.Domain, r.Addr); err != nil {
		return 0, fmt.Errorf("read %s, %w", r, err)
	}

	return
}

// Write writes a register without read-back.
func Write(b Bus, r Reg, val uint32) (err error) {
	if err = b.Write32(r.Domain, r.Addr, val); err != nil {
		return fmt.Errorf("write %s, %w", r, err)
	}

	return
}

// WriteVerify writes a full register and reads it back.
func WriteVerify(b Bus, r Reg, val uint32) (err error) {
	if err = Write(b, r, val); err != nil {
		return
	}

	res, err := Read(b, r)

	if err != nil {
		return
	}

	if res != val {
		return fmt.Errorf("%s val:%#.8x res:%#.8x, %w", r, val, res, status.ErrVerificationMismatch)
	}

	return
}

// Update modifies a register field with a read-modify-write sequence,
// preserving all bits outside the field, and verifies the field on read-back.
func Update(b Bus, r Reg, f Field, val uint32) (err error) {
	if !f.Fits(val) {
		return fmt.Errorf("%s field value %#x exceeds mask %#x, %w", r, val, f.Mask, status.ErrInvalidArgument)
	}

	reg, err := Read(b, r)

	if err != nil {
		return
	}

	bits.SetN(&reg, f.Pos, f.Mask, val)

	if err = Write(b, r, reg); err != nil {
		return
	}

	res, err := Read(b, r)

	if err != nil {
		return
	}

	if f.Get(res) != val {
		return fmt.Errorf("%s field:%d val:%#x res:%#x, %w", r, f.Pos, val, f.Get(res), status.ErrVerificationMismatch)
	}

	return
}

// UpdateFields applies several field updates to the same register with a
// single read-modify-write sequence.
func UpdateFields(b Bus, r Reg, fields []Field, vals []uint32) (err error) {
	if len(fields) != len(vals) {
		return fmt.Errorf("%s field count mismatch, %w", r, status.ErrInvalidArgument)
	}

	for i, f := range fields {
		if !f.Fits(vals[i]) {
			return fmt.Errorf("%s field value %#x exceeds mask %#x, %w", r, vals[i], f.Mask, status.ErrInvalidArgument)
		}
	}

	reg, err := Read(b, r)

	if err != nil {
		return
	}

	for i, f := range fields {
		bits.SetN(&reg, f.Pos, f.Mask, vals[i])
	}

	if err = Write(b, r, reg); err != nil {
		return
	}

	res, err := Read(b, r)

	if err != nil {
		return
	}

	for i, f := range fields {
		if f.Get(res) != vals[i] {
			return fmt.Errorf("%s field:%d val:%#x res:%#x, %w", r, f.Pos, vals[i], f.Get(res), status.ErrVerificationMismatch)
		}
	}

	return
}
