// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package phase_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/dmacopy"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/hw/sim"
	"github.com/usbarmory/GoTEE-secboot/phase"
	"github.com/usbarmory/GoTEE-secboot/region"
	"github.com/usbarmory/GoTEE-secboot/resume"
	"github.com/usbarmory/GoTEE-secboot/scratch"
	"github.com/usbarmory/GoTEE-secboot/sequencer"
	"github.com/usbarmory/GoTEE-secboot/status"
	"github.com/usbarmory/GoTEE-secboot/subregion"
)

const table = `{
	"version": 2,
	"region": {"start": 4096, "size": 4096, "read": 15, "write": 15},
	"images": [
		{"region": 0, "offset": 0, "staging": 524288, "size": 2048}
	],
	"engines": [
		{"engine": "power", "code": {"start": 4096, "size": 2048}, "data": {"start": 6144, "size": 2048}}
	],
	"wrap_secret": true
}`

var secret = bytes.Repeat([]byte{0x5c, 0xa3}, 16)

func init() {
	log.SetOutput(io.Discard)
}

func setup(t *testing.T, name string) (*sim.Chip, *phase.Env, *phase.Config) {
	g, err := chip.Lookup(name)
	require.NoError(t, err)

	c, err := sim.New(g, []byte("phase"))
	require.NoError(t, err)

	cfg, err := phase.Load([]byte(table))
	require.NoError(t, err)

	c.DMA.Memory[dmacopy.System].Write(0x80000, bytes.Repeat([]byte("image"), 2048/5+1)[:2048])

	env := &phase.Env{
		Bus:    c,
		DMA:    c.DMA,
		Crypto: c.SCP,
		Halter: c,
	}

	return c, env, cfg
}

func run(t *testing.T, c *sim.Chip, env *phase.Env, cfg *phase.Config, p sequencer.Phase) status.Code {
	env.Rand = bytes.NewReader(secret)
	c.Halted = false

	err := phase.Run(p, env, cfg)

	require.True(t, c.Halted, "%s did not halt", p)

	code, ok := c.LastMailbox()
	require.True(t, ok)
	assert.Equal(t, status.CodeOf(err), code)

	return code
}

func window(t *testing.T, c *sim.Chip, e chip.Engine, sub chip.SubID) region.Window {
	regs, ok := chip.SubRegion(c.Gen, e, sub)
	require.True(t, ok)

	perm := c.Peek(regs.Perm)

	w := region.Window{
		Start: c.Peek(regs.Start),
		End:   c.Peek(regs.End),
		Read:  uint8(region.SubRead.Get(perm)),
		Write: uint8(region.SubWrite.Get(perm)),
	}

	if !w.Enabled() {
		return region.Disabled
	}

	return w
}

func hubKey(c *sim.Chip) []byte {
	l := c.Gen.Layout()
	key := make([]byte, l.HubKeyWords*4)

	for i := 0; i < l.HubKeyWords; i++ {
		binary.LittleEndian.PutUint32(key[i*4:], c.Peek(l.HubKey.Offset(uint32(i)*4)))
	}

	return key
}

func TestColdBoot(t *testing.T) {
	c, env, cfg := setup(t, "gen1")

	require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.AuthorityEstablish))

	l := c.Gen.Layout()
	assert.Equal(t, uint32(0x1000), c.Peek(l.RegionStart[0]))
	assert.Equal(t, uint32(0x2000), c.Peek(l.RegionEnd[0]))

	full := region.Window{Start: 0x1000, End: 0x2000, Read: hw.AllLevels, Write: hw.AllLevels}
	assert.Equal(t, full, window(t, c, chip.Bootstrap, chip.Code))

	// unsafe reset defaults are closed
	assert.Equal(t, region.Disabled, window(t, c, chip.Power, chip.Code))
	assert.Equal(t, region.Disabled, window(t, c, chip.Graphics, chip.Shared1))

	buf := make([]byte, 2048)
	c.DMA.Memory[dmacopy.Protected].Read(0x1000*region.Unit, buf)
	assert.Equal(t, bytes.Repeat([]byte("image"), 2048/5+1)[:2048], buf)

	require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.AttestationSubBoot))

	assert.Equal(t, region.Window{Start: 0x1000, End: 0x1800, Read: hw.AllLevels}, window(t, c, chip.Power, chip.Code))
	assert.Equal(t, region.Window{Start: 0x1800, End: 0x2000, Read: hw.AllLevels, Write: hw.AllLevels}, window(t, c, chip.Power, chip.Data))

	s := scratch.New(c, l)
	words, err := s.Key()
	require.NoError(t, err)
	assert.NotEqual(t, [scratch.KeyWords]uint32{}, words)
}

func TestReplayRejected(t *testing.T) {
	c, env, cfg := setup(t, "gen2")

	require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.AuthorityEstablish))
	require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.AttestationSubBoot))
	require.Equal(t, status.OUT_OF_ORDER, run(t, c, env, cfg, sequencer.AttestationSubBoot))
	require.Equal(t, status.OUT_OF_ORDER, run(t, c, env, cfg, sequencer.AuthorityEstablish))

	assert.Equal(t, []uint32{0x00, 0x00, 0x10, 0x10}, c.Mailbox)
}

func TestSuspendResumeCycle(t *testing.T) {
	c, env, cfg := setup(t, "gen2")

	require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.AuthorityEstablish))
	require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.AttestationSubBoot))

	code := window(t, c, chip.Power, chip.Code)
	data := window(t, c, chip.Power, chip.Data)

	for i := 0; i < 2; i++ {
		c.Suspend()

		assert.Equal(t, region.Disabled, window(t, c, chip.Power, chip.Code))

		require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.RegionLockOnResume), "resume %d", i)

		assert.Equal(t, code, window(t, c, chip.Power, chip.Code))
		assert.Equal(t, data, window(t, c, chip.Power, chip.Data))
		assert.Equal(t, secret, hubKey(c), "resume %d", i)

		buf := make([]byte, 2048)
		c.DMA.Memory[dmacopy.Protected].Read(0x1000*region.Unit, buf)
		assert.Equal(t, bytes.Repeat([]byte("image"), 2048/5+1)[:2048], buf)
	}

	require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.RegionUnload))

	l := c.Gen.Layout()
	assert.Equal(t, uint32(region.DisabledStart), c.Peek(l.RegionStart[0]))
	assert.Equal(t, region.Disabled, window(t, c, chip.Bootstrap, chip.Code))
	assert.Equal(t, region.Disabled, window(t, c, chip.Power, chip.Data))
	assert.Equal(t, make([]byte, len(secret)), hubKey(c))

	s := scratch.New(c, l)

	words, err := s.Key()
	require.NoError(t, err)
	assert.Equal(t, [scratch.KeyWords]uint32{}, words)

	rec, err := s.RegionRecord()
	require.NoError(t, err)
	assert.Equal(t, scratch.Record{}, rec)

	sh, err := s.SubShadow(int(chip.MaxSubIDs))
	require.NoError(t, err)
	assert.False(t, sh.Valid())

	// a new boot session can start
	require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.AuthorityEstablish))
}

func TestEmptyResume(t *testing.T) {
	c, env, cfg := setup(t, "gen2")

	cfg.WrapSecret = false
	cfg.Images = nil

	require.Equal(t, status.OUT_OF_ORDER, run(t, c, env, cfg, sequencer.RegionLockOnResume))

	core, err := phase.NewCore(env, cfg)
	require.NoError(t, err)

	s, err := core.Resume.Restore()
	require.NoError(t, err)
	assert.False(t, s.Primary.Enabled())
	assert.Equal(t, 0, s.Windows)
}

func TestRevoked(t *testing.T) {
	c, env, cfg := setup(t, "gen2")

	c.BurnFuses(3)

	require.Equal(t, status.REVOKED, run(t, c, env, cfg, sequencer.AuthorityEstablish))

	// nothing was recorded
	h, err := scratch.New(c, c.Gen.Layout()).Handoff()
	require.NoError(t, err)
	assert.Equal(t, scratch.Handoff{}, h)

	cfg.Version = 3
	require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.AuthorityEstablish))
}

func TestContentProtection(t *testing.T) {
	for _, tc := range []struct {
		name string
		code status.Code
	}{
		{"gen1", status.UNSUPPORTED},
		{"gen2", status.OK},
	} {
		c, env, cfg := setup(t, tc.name)

		cfg.ContentProtection = &phase.Window{Start: 0x4000, Size: 0x100, Read: hw.L3, Write: hw.L3}

		require.Equal(t, tc.code, run(t, c, env, cfg, sequencer.AuthorityEstablish), tc.name)

		if tc.code != status.OK {
			continue
		}

		l := c.Gen.Layout()
		assert.Equal(t, uint32(0x4100), c.Peek(l.RegionEnd[1]))
		assert.Equal(t, uint32(1), region.DisplayEnforce.Get(c.Peek(l.DisplayPolicy)))

		require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.AttestationSubBoot))

		c.Suspend()
		assert.Equal(t, uint32(0), c.Peek(l.DisplayPolicy))

		require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.RegionLockOnResume))
		assert.Equal(t, uint32(0x4100), c.Peek(l.RegionEnd[1]))
		assert.Equal(t, uint32(1), region.DisplayEnforce.Get(c.Peek(l.DisplayPolicy)))

		require.Equal(t, status.OK, run(t, c, env, cfg, sequencer.RegionUnload))
		assert.Equal(t, uint32(0), c.Peek(l.DisplayPolicy))
	}
}

func TestBusFault(t *testing.T) {
	c, env, cfg := setup(t, "gen2")

	c.Fault = sim.FaultAfter(sim.OpWrite, c.Gen.Layout().RegionPerm, 0)

	require.Equal(t, status.BUS_FAULT, run(t, c, env, cfg, sequencer.AuthorityEstablish))

	for id := 0; id < c.Gen.Layout().MutexCount; id++ {
		assert.False(t, c.Held(id), "mutex %d", id)
	}
}

func TestInvalidConfig(t *testing.T) {
	c, env, cfg := setup(t, "gen2")

	_, err := phase.Load([]byte("{"))
	assert.ErrorIs(t, err, status.ErrInvalidArgument)

	cfg.Version = 0
	require.Equal(t, status.INVALID_ARGUMENT, run(t, c, env, cfg, sequencer.AuthorityEstablish))

	cfg.Version = 2
	cfg.Shared = []phase.SharedWindow{
		{
			Sub:     chip.Shared0,
			Range:   subregion.Range{Start: 0x1c00, Size: 0x100},
			Writers: []chip.Engine{chip.Power, chip.Graphics},
		},
	}
	require.Equal(t, status.INVALID_ARGUMENT, run(t, c, env, cfg, sequencer.AuthorityEstablish))

	cfg.Shared = nil
	cfg.Images = []resume.ShadowCopy{{Region: region.Primary, Offset: 0x1000 * region.Unit, Staging: 0x80000, Size: 512}}
	require.Equal(t, status.INVALID_ARGUMENT, run(t, c, env, cfg, sequencer.AuthorityEstablish))
}

func TestInvalidImage(t *testing.T) {
	for _, tc := range []struct {
		name string
		img  resume.ShadowCopy
		code status.Code
	}{
		{"unaligned size", resume.ShadowCopy{Region: region.Primary, Staging: 0x80000, Size: 1000}, status.INVALID_ARGUMENT},
		{"zero size", resume.ShadowCopy{Region: region.Primary, Staging: 0x80000}, status.INVALID_ARGUMENT},
		{"past region end", resume.ShadowCopy{Region: region.Primary, Offset: 0x1000*region.Unit - 512, Staging: 0x80000, Size: 1024}, status.INVALID_ARGUMENT},
		{"offset overflow", resume.ShadowCopy{Region: region.Primary, Offset: ^uint64(0) - 511, Staging: 0x80000, Size: 1024}, status.RANGE_OVERFLOW},
		{"unconfigured region", resume.ShadowCopy{Region: region.ContentProtection, Staging: 0x80000, Size: 512}, status.INVALID_ARGUMENT},
	} {
		c, env, cfg := setup(t, "gen2")

		cfg.Images = []resume.ShadowCopy{tc.img}
		require.Equal(t, tc.code, run(t, c, env, cfg, sequencer.AuthorityEstablish), tc.name)

		// rejected before sequencing
		h, err := scratch.New(c, c.Gen.Layout()).Handoff()
		require.NoError(t, err)
		assert.Equal(t, scratch.Handoff{}, h, tc.name)
		assert.Equal(t, uint32(region.DisabledStart), c.Peek(c.Gen.Layout().RegionStart[0]), tc.name)
	}
}

func TestDetect(t *testing.T) {
	_, env, cfg := setup(t, "gen1")

	core, err := phase.NewCore(env, cfg)
	require.NoError(t, err)
	assert.Equal(t, "gen1", core.Gen.Name())

	_, err = phase.NewCore(nil, cfg)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}
