// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mem defines the memory layout shared by the security monitor and
// the phase applet.
package mem

const (
	// Secure Monitor
	SecureStart = 0x90000000
	SecureSize  = 0x05f00000 // 95MB

	// Secure Monitor DMA (relocated to avoid conflicts with the simulated
	// co-processor apertures)
	SecureDMAStart = 0x95f00000
	SecureDMASize  = 0x00100000 // 1MB

	// Phase applet
	AppletStart = 0x96000000
	AppletSize  = 0x02000000 // 32MB

	// AppletStackOffset is reserved at the top of applet memory.
	AppletStackOffset = 0x100
)
