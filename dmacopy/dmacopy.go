// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dmacopy implements fixed granularity DMA block transfers between
// memory and the security core on-chip buffer, including the double buffered
// bulk copy used to stage images into protected memory.
package dmacopy

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/status"
)

// Direction represents a transfer direction.
type Direction int

const (
	// ToBuffer reads from memory into the on-chip buffer.
	ToBuffer Direction = iota
	// FromBuffer writes the on-chip buffer to memory.
	FromBuffer
)

func (d Direction) String() string {
	if d == ToBuffer {
		return "read"
	}

	return "write"
}

// Side returns the context selector side used by a direction.
func (d Direction) Side() Side {
	if d == ToBuffer {
		return ReadSide
	}

	return WriteSide
}

// Side represents one of the two context selectors of the DMA controller.
type Side int

const (
	ReadSide Side = iota
	WriteSide

	numSides
)

// Context represents a DMA aperture/context selector value.
type Context int

const (
	// Protected selects protected (local) memory.
	Protected Context = iota
	// System selects non-protected system memory.
	System
)

func (c Context) String() string {
	switch c {
	case Protected:
		return "protected"
	case System:
		return "system"
	default:
		return fmt.Sprintf("ctx(%d)", int(c))
	}
}

// SyncPolicy represents the completion policy of a transfer.
type SyncPolicy int

const (
	// SyncNow waits for transfer completion before returning.
	SyncNow SyncPolicy = iota
	// SyncLater queues the transfer, completion is collected by Wait.
	SyncLater
)

// Ticket identifies an issued transfer.
type Ticket uint32

// Channel represents the DMA controller of the security core.
type Channel interface {
	// SetContext programs the context selector of one side.
	SetContext(side Side, ctx Context) error
	// Issue queues a transfer of size bytes between the on-chip buffer at
	// offset and memory at addr.
	Issue(dir Direction, offset uint32, addr uint64, size int) (Ticket, error)
	// Complete waits for a transfer and returns the transferred size.
	Complete(t Ticket) (int, error)
}

// Buffer represents an on-chip buffer area.
type Buffer struct {
	Offset uint32
	Size   int
}

// BufferPair holds the two buffers used for double buffered copies, it is
// owned by the caller and must not be shared between concurrent copies.
type BufferPair struct {
	A Buffer
	B Buffer
}

// Props represents the memory side of a transfer.
type Props struct {
	Address uint64
	Context Context
}

// At returns the properties offset by off bytes.
func (p Props) At(off uint64) Props {
	return Props{Address: p.Address + off, Context: p.Context}
}

// Engine drives a DMA channel.
type Engine struct {
	ch          Channel
	granularity int

	ctx         [numSides]Context
	ctxSet      [numSides]bool
	outstanding [numSides]int
	pending     []Ticket
}

// New returns an engine performing transfers of fixed granularity.
func New(ch Channel, granularity int) (*Engine, error) {
	if ch == nil || granularity <= 0 || granularity&(granularity-1) != 0 {
		return nil, fmt.Errorf("invalid DMA granularity %d, %w", granularity, status.ErrInvalidArgument)
	}

	return &Engine{
		ch:          ch,
		granularity: granularity,
	}, nil
}

// Granularity returns the transfer size of a single request.
func (e *Engine) Granularity() int {
	return e.granularity
}

// Outstanding returns the number of queued transfers.
func (e *Engine) Outstanding() int {
	return len(e.pending)
}

func (e *Engine) selectContext(side Side, ctx Context) (err error) {
	if e.ctxSet[side] && e.ctx[side] == ctx {
		return
	}

	if e.outstanding[side] > 0 {
		return fmt.Errorf("context switch with %d outstanding requests, %w", e.outstanding[side], status.ErrInvalidArgument)
	}

	if err = e.ch.SetContext(side, ctx); err != nil {
		return
	}

	e.ctx[side] = ctx
	e.ctxSet[side] = true

	return
}

// Transfer moves exactly one granule between buf and memory. With SyncNow the
// transferred size is returned, with SyncLater the transfer is queued and 0 is
// returned until Wait collects it.
func (e *Engine) Transfer(buf Buffer, dir Direction, sync SyncPolicy, p Props) (n int, err error) {
	if buf.Size != e.granularity {
		return 0, fmt.Errorf("buffer size %d != %d, %w", buf.Size, e.granularity, status.ErrInvalidArgument)
	}

	g := uint64(e.granularity)

	if p.Address%g != 0 || uint64(buf.Offset)%g != 0 {
		return 0, fmt.Errorf("unaligned transfer addr:%#x off:%#x, %w", p.Address, buf.Offset, status.ErrInvalidArgument)
	}

	side := dir.Side()

	if err = e.selectContext(side, p.Context); err != nil {
		return
	}

	t, err := e.ch.Issue(dir, buf.Offset, p.Address, buf.Size)

	if err != nil {
		return 0, fmt.Errorf("%v, %w", err, status.ErrDMAFailure)
	}

	if sync == SyncLater {
		e.outstanding[side]++
		e.pending = append(e.pending, t)
		return
	}

	return e.complete(t, side)
}

func (e *Engine) complete(t Ticket, side Side) (n int, err error) {
	n, err = e.ch.Complete(t)

	if err != nil {
		return 0, fmt.Errorf("%v, %w", err, status.ErrDMAFailure)
	}

	if n != e.granularity {
		return 0, fmt.Errorf("transferred %d of %d bytes, %w", n, e.granularity, status.ErrDMAFailure)
	}

	return
}

// Wait collects every queued transfer, all queued transfers are collected even
// when one of them fails and the first failure is returned.
func (e *Engine) Wait() (err error) {
	pending := e.pending
	e.pending = nil

	for _, t := range pending {
		if _, cerr := e.complete(t, ReadSide); cerr != nil && err == nil {
			err = cerr
		}
	}

	for i := range e.outstanding {
		e.outstanding[i] = 0
	}

	return
}

// Copy moves size bytes from src to dst through the buffer pair, overlapping
// the read of chunk N+1 with the write of chunk N.
func (e *Engine) Copy(pair *BufferPair, src Props, dst Props, size int) (n int, err error) {
	if pair == nil || size <= 0 || size%e.granularity != 0 {
		return 0, fmt.Errorf("invalid copy size %d, %w", size, status.ErrInvalidArgument)
	}

	if pair.A.Offset == pair.B.Offset {
		return 0, fmt.Errorf("buffer pair overlap, %w", status.ErrInvalidArgument)
	}

	chunks := size / e.granularity
	g := uint64(e.granularity)

	a := pair.A
	b := pair.B

	if _, err = e.Transfer(a, ToBuffer, SyncNow, src); err != nil {
		return
	}

	for i := 1; i < chunks; i++ {
		off := uint64(i) * g

		if _, err = e.Transfer(a, FromBuffer, SyncLater, dst.At(off-g)); err != nil {
			e.Wait()
			return 0, err
		}

		if _, err = e.Transfer(b, ToBuffer, SyncLater, src.At(off)); err != nil {
			e.Wait()
			return 0, err
		}

		if err = e.Wait(); err != nil {
			return 0, err
		}

		a, b = b, a
	}

	if _, err = e.Transfer(a, FromBuffer, SyncNow, dst.At(uint64(chunks-1)*g)); err != nil {
		return
	}

	return size, nil
}
