// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dmacopy_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/GoTEE-secboot/dmacopy"
	"github.com/usbarmory/GoTEE-secboot/hw/sim"
	"github.com/usbarmory/GoTEE-secboot/status"
)

const granularity = 256

var pair = dmacopy.BufferPair{
	A: dmacopy.Buffer{Offset: 0, Size: granularity},
	B: dmacopy.Buffer{Offset: granularity, Size: granularity},
}

func setup(t *testing.T) (*sim.DMA, *dmacopy.Engine) {
	d := sim.NewDMA(sim.DMEMSize)

	e, err := dmacopy.New(d, granularity)
	require.NoError(t, err)

	return d, e
}

func pattern(size int) []byte {
	buf := make([]byte, size)

	for i := range buf {
		buf[i] = byte(i / granularity * 7)
		buf[i] ^= byte(i)
	}

	return buf
}

func TestNew(t *testing.T) {
	_, err := dmacopy.New(sim.NewDMA(1024), 100)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = dmacopy.New(nil, 256)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestTransfer(t *testing.T) {
	d, e := setup(t)

	src := dmacopy.Props{Address: 0x10000, Context: dmacopy.System}
	d.Memory[dmacopy.System].Write(src.Address, pattern(granularity))

	n, err := e.Transfer(pair.B, dmacopy.ToBuffer, dmacopy.SyncNow, src)
	require.NoError(t, err)
	assert.Equal(t, granularity, n)
	assert.Equal(t, pattern(granularity), d.DMEM[granularity:2*granularity])

	n, err = e.Transfer(pair.B, dmacopy.FromBuffer, dmacopy.SyncLater, dmacopy.Props{Address: 0x200, Context: dmacopy.Protected})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, e.Outstanding())

	require.NoError(t, e.Wait())
	assert.Equal(t, 0, e.Outstanding())

	buf := make([]byte, granularity)
	d.Memory[dmacopy.Protected].Read(0x200, buf)
	assert.Equal(t, pattern(granularity), buf)
}

func TestTransferValidation(t *testing.T) {
	d, e := setup(t)

	for _, tc := range []struct {
		buf  dmacopy.Buffer
		addr uint64
	}{
		{dmacopy.Buffer{Offset: 0, Size: 128}, 0},
		{dmacopy.Buffer{Offset: 0, Size: 512}, 0},
		{dmacopy.Buffer{Offset: 0, Size: granularity}, 0x80},
		{dmacopy.Buffer{Offset: 0x10, Size: granularity}, 0},
	} {
		_, err := e.Transfer(tc.buf, dmacopy.ToBuffer, dmacopy.SyncNow, dmacopy.Props{Address: tc.addr})
		assert.ErrorIs(t, err, status.ErrInvalidArgument, "%+v", tc)
	}

	assert.Empty(t, d.Log)
}

func TestContextSwitchOutstanding(t *testing.T) {
	_, e := setup(t)

	_, err := e.Transfer(pair.A, dmacopy.ToBuffer, dmacopy.SyncLater, dmacopy.Props{Address: 0, Context: dmacopy.System})
	require.NoError(t, err)

	// the write side is independent
	_, err = e.Transfer(pair.B, dmacopy.FromBuffer, dmacopy.SyncLater, dmacopy.Props{Address: 0, Context: dmacopy.Protected})
	require.NoError(t, err)

	_, err = e.Transfer(pair.B, dmacopy.ToBuffer, dmacopy.SyncLater, dmacopy.Props{Address: 0, Context: dmacopy.Protected})
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	require.NoError(t, e.Wait())

	_, err = e.Transfer(pair.B, dmacopy.ToBuffer, dmacopy.SyncNow, dmacopy.Props{Address: 0, Context: dmacopy.Protected})
	assert.NoError(t, err)
}

func TestCopy(t *testing.T) {
	d, e := setup(t)

	size := 5 * granularity
	src := dmacopy.Props{Address: 0x40000, Context: dmacopy.System}
	dst := dmacopy.Props{Address: 0x1000000, Context: dmacopy.Protected}

	d.Memory[dmacopy.System].Write(src.Address, pattern(size))

	n, err := e.Copy(&pair, src, dst, size)
	require.NoError(t, err)
	assert.Equal(t, size, n)

	buf := make([]byte, size)
	d.Memory[dmacopy.Protected].Read(dst.Address, buf)
	assert.True(t, bytes.Equal(pattern(size), buf))

	// reads alternate between the two buffers, each chunk is written from
	// the buffer it was read into
	var reads, writes []uint32

	for _, tr := range d.Log {
		if tr.Dir == dmacopy.ToBuffer {
			reads = append(reads, tr.Offset)
		} else {
			writes = append(writes, tr.Offset)
		}
	}

	assert.Equal(t, []uint32{0, 256, 0, 256, 0}, reads)
	assert.Equal(t, reads, writes)
	assert.Equal(t, 0, e.Outstanding())
}

func TestCopySingleChunk(t *testing.T) {
	d, e := setup(t)

	n, err := e.Copy(&pair, dmacopy.Props{Context: dmacopy.System}, dmacopy.Props{Address: 0x1000, Context: dmacopy.Protected}, granularity)
	require.NoError(t, err)
	assert.Equal(t, granularity, n)
	assert.Len(t, d.Log, 2)
}

func TestCopyValidation(t *testing.T) {
	_, e := setup(t)

	_, err := e.Copy(&pair, dmacopy.Props{}, dmacopy.Props{}, 300)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	_, err = e.Copy(&pair, dmacopy.Props{}, dmacopy.Props{}, 0)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	overlap := dmacopy.BufferPair{A: pair.A, B: pair.A}
	_, err = e.Copy(&overlap, dmacopy.Props{}, dmacopy.Props{}, granularity)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestCopyShortTransfer(t *testing.T) {
	d, e := setup(t)

	d.Short = 4

	n, err := e.Copy(&pair, dmacopy.Props{Context: dmacopy.System}, dmacopy.Props{Context: dmacopy.Protected}, 4*granularity)
	assert.ErrorIs(t, err, status.ErrDMAFailure)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, e.Outstanding())
}

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) SetContext(side dmacopy.Side, ctx dmacopy.Context) error {
	return m.Called(side, ctx).Error(0)
}

func (m *mockChannel) Issue(dir dmacopy.Direction, off uint32, addr uint64, size int) (dmacopy.Ticket, error) {
	args := m.Called(dir, off, addr, size)
	return args.Get(0).(dmacopy.Ticket), args.Error(1)
}

func (m *mockChannel) Complete(t dmacopy.Ticket) (int, error) {
	args := m.Called(t)
	return args.Int(0), args.Error(1)
}

func TestCopyIssueFailure(t *testing.T) {
	ch := &mockChannel{}

	ch.On("SetContext", mock.Anything, mock.Anything).Return(nil)
	ch.On("Issue", dmacopy.ToBuffer, uint32(0), uint64(0), granularity).Return(dmacopy.Ticket(1), nil).Once()
	ch.On("Complete", dmacopy.Ticket(1)).Return(granularity, nil).Once()
	ch.On("Issue", dmacopy.FromBuffer, uint32(0), uint64(0x1000), granularity).Return(dmacopy.Ticket(2), nil).Once()
	ch.On("Issue", dmacopy.ToBuffer, uint32(granularity), uint64(granularity), granularity).Return(dmacopy.Ticket(0), errors.New("bus error")).Once()
	ch.On("Complete", dmacopy.Ticket(2)).Return(granularity, nil).Once()

	e, err := dmacopy.New(ch, granularity)
	require.NoError(t, err)

	_, err = e.Copy(&pair, dmacopy.Props{}, dmacopy.Props{Address: 0x1000}, 2*granularity)
	assert.ErrorIs(t, err, status.ErrDMAFailure)

	// the queued write is collected before returning
	assert.Equal(t, 0, e.Outstanding())
	ch.AssertExpectations(t)
}
