// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package main

import (
	_ "unsafe"

	"github.com/usbarmory/GoTEE-secboot/mem"
)

//go:linkname ramStart runtime/goos.RamStart
var ramStart uint32 = mem.AppletStart

//go:linkname ramSize runtime/goos.RamSize
var ramSize uint32 = mem.AppletSize

//go:linkname ramStackOffset runtime/goos.RamStackOffset
var ramStackOffset uint32 = mem.AppletStackOffset
