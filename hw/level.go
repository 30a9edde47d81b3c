// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hw

// Privilege level masks, permission masks carry one bit per level.
const (
	L0 = 1 << iota
	L1
	L2
	L3

	// Closed denies every level.
	Closed = 0
	// AllLevels grants every level.
	AllLevels = L0 | L1 | L2 | L3
)

// Permission mask field width.
const LevelMask = 0xf

// MaskValid returns whether a permission mask fits the level field.
func MaskValid(mask uint8) bool {
	return mask&^LevelMask == 0
}
