// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fuse implements the anti-rollback check against the one-time
// programmable revocation fuses.
package fuse

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// Version decodes a thermometer encoded fuse value as the number of
// contiguous set bits starting from bit 0.
func Version(raw uint32) (v uint32) {
	for pos := 0; pos < 32; pos++ {
		if bits.Get(&raw, pos, 1) == 0 {
			break
		}

		v++
	}

	return
}

// Checker represents the revocation fuse bank.
type Checker struct {
	bus hw.Bus
	reg hw.Reg
}

// NewChecker returns the revocation checker of a chip register map.
func NewChecker(b hw.Bus, l *chip.Layout) *Checker {
	return &Checker{
		bus: b,
		reg: l.FuseVersion,
	}
}

// Fuse returns the decoded fuse version.
func (c *Checker) Fuse() (v uint32, err error) {
	raw, err := hw.Read(c.bus, c.reg)

	if err != nil {
		return
	}

	return Version(raw), nil
}

// Check fails with ErrRevoked when the running build predates the fuse
// version.
func (c *Checker) Check(build uint32) (err error) {
	v, err := c.Fuse()

	if err != nil {
		return
	}

	if build < v {
		return fmt.Errorf("build %d < fuse %d, %w", build, v, status.ErrRevoked)
	}

	return
}
