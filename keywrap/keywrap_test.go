// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package keywrap_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/hw/sim"
	"github.com/usbarmory/GoTEE-secboot/keywrap"
	"github.com/usbarmory/GoTEE-secboot/mutex"
	"github.com/usbarmory/GoTEE-secboot/scratch"
	"github.com/usbarmory/GoTEE-secboot/status"
)

func setup(t *testing.T, seed string) (*sim.Chip, *keywrap.Service, *scratch.Store) {
	g, err := chip.Lookup("gen2")
	require.NoError(t, err)

	c, err := sim.New(g, []byte(seed))
	require.NoError(t, err)

	s := scratch.New(c, g.Layout())

	return c, keywrap.New(c.SCP, mutex.New(c, g.Layout()), s), s
}

func testKey() (k keywrap.Key) {
	for i := range k {
		k[i] = byte(0xa0 + i)
	}

	return
}

func storedBytes(t *testing.T, s *scratch.Store) []byte {
	words, err := s.Key()
	require.NoError(t, err)

	buf := make([]byte, keywrap.KeySize)

	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	return buf
}

func TestRoundTrip(t *testing.T) {
	c, kw, s := setup(t, "device")

	want := testKey()
	key := want

	require.NoError(t, kw.WrapAndStore(0, &key))
	assert.Equal(t, keywrap.Key{}, key)

	wrapped := storedBytes(t, s)
	assert.False(t, bytes.Equal(want[:], wrapped))
	assert.False(t, bytes.Contains(wrapped, want[:keywrap.BlockSize]))

	read, _, err := s.Protection(scratch.SlotKey)
	require.NoError(t, err)
	assert.Equal(t, uint8(hw.L3), read)

	// wrapped state survives deep sleep
	c.Suspend()

	var got keywrap.Key
	var seen *keywrap.Key

	err = kw.LoadAndUnwrap(0, func(k *keywrap.Key) error {
		got = *k
		seen = k
		assert.True(t, c.Held(int(mutex.KeyStream)))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, keywrap.Key{}, *seen)
	assert.Equal(t, make([]byte, keywrap.KeySize), storedBytes(t, s))
	assert.False(t, c.Held(int(mutex.KeyStream)))
}

func TestDeviceBinding(t *testing.T) {
	_, kw1, s1 := setup(t, "device A")
	_, kw2, s2 := setup(t, "device B")

	k1 := testKey()
	k2 := testKey()

	require.NoError(t, kw1.WrapAndStore(0, &k1))
	require.NoError(t, kw2.WrapAndStore(0, &k2))

	assert.NotEqual(t, storedBytes(t, s1), storedBytes(t, s2))
}

func TestSaltBinding(t *testing.T) {
	_, kw, _ := setup(t, "device")

	k := testKey()
	require.NoError(t, kw.WrapAndStore(0, &k))

	kw.Salt[0] ^= 0xff

	var got keywrap.Key

	require.NoError(t, kw.LoadAndUnwrap(0, func(k *keywrap.Key) error {
		got = *k
		return nil
	}))

	assert.NotEqual(t, testKey(), got)
}

func TestUnsupportedRegion(t *testing.T) {
	c, kw, _ := setup(t, "device")

	key := testKey()
	writes := c.Writes

	assert.ErrorIs(t, kw.WrapAndStore(1, &key), status.ErrUnsupported)
	assert.Equal(t, keywrap.Key{}, key)

	err := kw.LoadAndUnwrap(1, func(*keywrap.Key) error {
		t.Fatal("unexpected callback")
		return nil
	})
	assert.ErrorIs(t, err, status.ErrUnsupported)

	assert.ErrorIs(t, kw.Clear(1), status.ErrUnsupported)
	assert.Equal(t, writes, c.Writes)
}

func TestCallbackError(t *testing.T) {
	c, kw, s := setup(t, "device")

	key := testKey()
	require.NoError(t, kw.WrapAndStore(0, &key))

	var seen *keywrap.Key

	err := kw.LoadAndUnwrap(0, func(k *keywrap.Key) error {
		seen = k
		return status.ErrBusFault
	})

	assert.ErrorIs(t, err, status.ErrBusFault)
	assert.Equal(t, keywrap.Key{}, *seen)
	assert.Equal(t, make([]byte, keywrap.KeySize), storedBytes(t, s))
	assert.Equal(t, 2, c.Releases[int(mutex.KeyStream)])
}

func TestEngineFailureZeroesKey(t *testing.T) {
	_, kw, _ := setup(t, "device")

	kw.SecretSlot = sim.SecretSlots

	key := testKey()

	assert.ErrorIs(t, kw.WrapAndStore(0, &key), status.ErrInvalidArgument)
	assert.Equal(t, keywrap.Key{}, key)

	assert.ErrorIs(t, kw.WrapAndStore(0, nil), status.ErrInvalidArgument)
}

// scrubFault fails every register clear after the first one.
type scrubFault struct {
	keywrap.Engine
	clears int
}

func (e *scrubFault) Clear(r keywrap.Register) error {
	if e.clears++; e.clears > 1 {
		return status.ErrBusFault
	}

	return e.Engine.Clear(r)
}

func TestScrubFailureIgnored(t *testing.T) {
	c, _, s := setup(t, "device")
	engine := &scrubFault{Engine: c.SCP}
	kw := keywrap.New(engine, mutex.New(c, c.Gen.Layout()), s)

	key := testKey()

	require.NoError(t, kw.WrapAndStore(0, &key))
	assert.Greater(t, engine.clears, 2)
	assert.NotEqual(t, make([]byte, keywrap.KeySize), storedBytes(t, s))
	assert.False(t, c.Held(int(mutex.KeyStream)))
}
