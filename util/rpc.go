// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

// Status carries the mailbox code of a failed request, net/rpc only transports
// error strings so codes travel in the reply.
type Status struct {
	// Code is the mailbox code, 0 on success
	Code uint32
	// Message is the error description
	Message string
}

// RegAccess represents a register bus access request.
type RegAccess struct {
	// Domain is the register bus domain
	Domain int
	// Addr is the register address
	Addr uint32
	// Val is the value to write
	Val uint32
}

// RegReply represents a register bus access response.
type RegReply struct {
	Status
	// Val is the value read
	Val uint32
}

// DMAContext represents a DMA context selector request.
type DMAContext struct {
	// Side is the selector side
	Side int
	// Context is the aperture
	Context int
}

// DMARequest represents a DMA transfer request.
type DMARequest struct {
	// Direction is the transfer direction
	Direction int
	// Offset is the on-chip buffer offset
	Offset uint32
	// Addr is the memory address
	Addr uint64
	// Size is the transfer size in bytes
	Size int
	// Ticket identifies an issued transfer on completion
	Ticket uint32
}

// DMAReply represents a DMA request response.
type DMAReply struct {
	Status
	// Ticket identifies the issued transfer
	Ticket uint32
	// Size is the completed transfer size
	Size int
}

// CryptoOp represents a crypto engine request, unused fields are ignored.
type CryptoOp struct {
	Key  int
	Src  int
	Dst  int
	Slot int
	// Block is the loaded block
	Block []byte
}

// CryptoReply represents a crypto engine response.
type CryptoReply struct {
	Status
	// Block is the stored block
	Block []byte
}

// PhaseRequest represents the phase binary invocation requested by the
// launcher.
type PhaseRequest struct {
	// Phase is the phase name
	Phase string
	// Config is the JSON firmware table
	Config []byte
}
