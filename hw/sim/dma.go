// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/dmacopy"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// DMEMSize is the size of the simulated on-chip buffer.
const DMEMSize = 0x4000

const pageSize = 4096

// Memory represents a sparse simulated memory aperture.
type Memory struct {
	pages map[uint64][]byte
}

// NewMemory returns an empty memory aperture.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64][]byte)}
}

func (m *Memory) page(addr uint64, alloc bool) []byte {
	n := addr / pageSize
	p, ok := m.pages[n]

	if !ok && alloc {
		p = make([]byte, pageSize)
		m.pages[n] = p
	}

	return p
}

// Read copies memory content at addr into buf, unwritten memory reads as zero.
func (m *Memory) Read(addr uint64, buf []byte) {
	for i := range buf {
		if p := m.page(addr+uint64(i), false); p != nil {
			buf[i] = p[(addr+uint64(i))%pageSize]
		} else {
			buf[i] = 0
		}
	}
}

// Write copies buf to memory at addr.
func (m *Memory) Write(addr uint64, buf []byte) {
	for i, b := range buf {
		m.page(addr+uint64(i), true)[(addr+uint64(i))%pageSize] = b
	}
}

// Transfer represents a logged DMA request.
type Transfer struct {
	Dir     dmacopy.Direction
	Context dmacopy.Context
	Offset  uint32
	Addr    uint64
	Size    int
}

// DMA represents the simulated DMA controller, transfers are performed on
// completion.
type DMA struct {
	// Memory holds each context aperture.
	Memory map[dmacopy.Context]*Memory
	// DMEM is the on-chip buffer.
	DMEM []byte
	// Short, when non-zero, makes the Short-th completion report a short
	// transfer.
	Short int
	// Log records every issued request.
	Log []Transfer

	ctx         [2]dmacopy.Context
	pending     map[dmacopy.Ticket]Transfer
	outstanding [2]int
	next        dmacopy.Ticket
	completions int
}

// NewDMA returns a DMA controller with an on-chip buffer of the given size.
func NewDMA(size int) *DMA {
	d := &DMA{DMEM: make([]byte, size)}
	d.Reset()

	return d
}

// Reset clears every aperture and pending request.
func (d *DMA) Reset() {
	d.Memory = map[dmacopy.Context]*Memory{
		dmacopy.Protected: NewMemory(),
		dmacopy.System:    NewMemory(),
	}

	d.Suspend()
}

// Suspend loses protected memory content, system memory is retained.
func (d *DMA) Suspend() {
	d.Memory[dmacopy.Protected] = NewMemory()
	d.pending = make(map[dmacopy.Ticket]Transfer)
	d.outstanding = [2]int{}
	d.ctx = [2]dmacopy.Context{}

	for i := range d.DMEM {
		d.DMEM[i] = 0
	}
}

// SetContext implements dmacopy.Channel.
func (d *DMA) SetContext(side dmacopy.Side, ctx dmacopy.Context) error {
	if side < 0 || int(side) >= len(d.ctx) {
		return fmt.Errorf("invalid side %d, %w", side, status.ErrInvalidArgument)
	}

	if _, ok := d.Memory[ctx]; !ok {
		return fmt.Errorf("invalid context %s, %w", ctx, status.ErrInvalidArgument)
	}

	if d.outstanding[side] > 0 {
		return fmt.Errorf("context switch with outstanding requests, %w", status.ErrDMAFailure)
	}

	d.ctx[side] = ctx

	return nil
}

// Issue implements dmacopy.Channel.
func (d *DMA) Issue(dir dmacopy.Direction, off uint32, addr uint64, size int) (t dmacopy.Ticket, err error) {
	if size <= 0 || int(off)+size > len(d.DMEM) {
		return 0, fmt.Errorf("DMEM access out of bounds off:%#x size:%d, %w", off, size, status.ErrDMAFailure)
	}

	side := dir.Side()

	tr := Transfer{
		Dir:     dir,
		Context: d.ctx[side],
		Offset:  off,
		Addr:    addr,
		Size:    size,
	}

	d.next++
	t = d.next

	d.pending[t] = tr
	d.outstanding[side]++
	d.Log = append(d.Log, tr)

	return
}

// Complete implements dmacopy.Channel.
func (d *DMA) Complete(t dmacopy.Ticket) (n int, err error) {
	tr, ok := d.pending[t]

	if !ok {
		return 0, fmt.Errorf("unknown ticket %d, %w", t, status.ErrDMAFailure)
	}

	delete(d.pending, t)
	d.outstanding[tr.Dir.Side()]--

	buf := d.DMEM[tr.Offset : int(tr.Offset)+tr.Size]

	switch tr.Dir {
	case dmacopy.ToBuffer:
		d.Memory[tr.Context].Read(tr.Addr, buf)
	case dmacopy.FromBuffer:
		d.Memory[tr.Context].Write(tr.Addr, buf)
	}

	d.completions++

	if d.Short != 0 && d.completions == d.Short {
		return tr.Size / 2, nil
	}

	return tr.Size, nil
}
