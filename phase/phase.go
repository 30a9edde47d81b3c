// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package phase implements the phase binary entry point, which wires the
// secure boot components for a chip generation and runs one phase variant to
// completion before latching its exit status in the mailbox and halting.
package phase

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/dmacopy"
	"github.com/usbarmory/GoTEE-secboot/fuse"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/keywrap"
	"github.com/usbarmory/GoTEE-secboot/mutex"
	"github.com/usbarmory/GoTEE-secboot/region"
	"github.com/usbarmory/GoTEE-secboot/resume"
	"github.com/usbarmory/GoTEE-secboot/scratch"
	"github.com/usbarmory/GoTEE-secboot/sequencer"
	"github.com/usbarmory/GoTEE-secboot/status"
	"github.com/usbarmory/GoTEE-secboot/subregion"
)

// Env represents the hardware interfaces available to a phase binary.
type Env struct {
	Bus    hw.Bus
	DMA    dmacopy.Channel
	Crypto keywrap.Engine
	Halter hw.Halter

	// Gen is detected from the chip ID register when nil.
	Gen chip.Generation
	// Rand is the secret generation source, crypto/rand when nil.
	Rand io.Reader
}

// Core holds the secure boot components of a chip.
type Core struct {
	Gen       chip.Generation
	Mutex     *mutex.Controller
	Scratch   *scratch.Store
	Fuse      *fuse.Checker
	Lock      *region.Lock
	Table     *subregion.Table
	Sequencer *sequencer.Sequencer
	KeyWrap   *keywrap.Service
	DMA       *dmacopy.Engine
	Resume    *resume.Manager

	bus     hw.Bus
	buffers dmacopy.BufferPair
}

// NewCore wires the secure boot components.
func NewCore(env *Env, cfg *Config) (c *Core, err error) {
	if env == nil || env.Bus == nil || cfg == nil {
		return nil, fmt.Errorf("incomplete environment, %w", status.ErrInvalidArgument)
	}

	g := env.Gen

	if g == nil {
		if g, err = chip.Detect(env.Bus); err != nil {
			return
		}
	}

	if err = cfg.Validate(g); err != nil {
		return
	}

	l := g.Layout()

	c = &Core{
		Gen:     g,
		Mutex:   mutex.New(env.Bus, l),
		Scratch: scratch.New(env.Bus, l),
		Fuse:    fuse.NewChecker(env.Bus, l),
		bus:     env.Bus,
		buffers: cfg.Buffers,
	}

	if c.buffers == (dmacopy.BufferPair{}) {
		c.buffers = DefaultBuffers(g)
	}

	c.Lock = region.New(env.Bus, g, c.Mutex, c.Scratch)
	c.Table = subregion.New(g, c.Lock, c.Mutex, c.Scratch)
	c.Sequencer = sequencer.New(c.Mutex, c.Scratch)

	if env.Crypto != nil {
		c.KeyWrap = keywrap.New(env.Crypto, c.Mutex, c.Scratch)
		c.KeyWrap.SecretSlot = cfg.SecretSlot
	}

	if env.DMA != nil {
		if c.DMA, err = dmacopy.New(env.DMA, g.DMAGranularity()); err != nil {
			return nil, err
		}
	}

	c.Resume = resume.New(g, c.Lock, c.Table, c.DMA, &c.buffers)

	return
}

// Run executes a phase variant and reports its exit status in the mailbox
// before halting, the first failure determines the status.
func Run(p sequencer.Phase, env *Env, cfg *Config) (err error) {
	defer func() {
		code := status.CodeOf(err)

		if env == nil || env.Bus == nil {
			return
		}

		if werr := hw.Write(env.Bus, chip.MailboxReg, uint32(code)); werr != nil {
			log.Printf("ACR %s mailbox write error, %v", p, werr)
		}

		if err != nil {
			log.Printf("ACR %s failed (%s), %v", p, code, err)
		} else {
			log.Printf("ACR %s done", p)
		}

		if env.Halter != nil {
			env.Halter.Halt()
		}
	}()

	c, err := NewCore(env, cfg)

	if err != nil {
		return
	}

	return c.Run(p, env, cfg)
}

// Run executes a phase variant without mailbox report.
func (c *Core) Run(p sequencer.Phase, env *Env, cfg *Config) (err error) {
	log.Printf("ACR %s v%d on %s", p, cfg.Version, c.Gen.Name())

	if err = c.Fuse.Check(cfg.Version); err != nil {
		return
	}

	if err = c.Sequencer.ValidateAndRecord(p, cfg.Version); err != nil {
		return
	}

	switch p {
	case sequencer.AuthorityEstablish:
		return c.establish(cfg)
	case sequencer.AttestationSubBoot:
		return c.attest(env, cfg)
	case sequencer.RegionLockOnResume:
		return c.restore(cfg)
	case sequencer.RegionUnload:
		return c.unload()
	}

	return fmt.Errorf("invalid phase %d, %w", p, status.ErrInvalidArgument)
}

func (c *Core) establish(cfg *Config) (err error) {
	primary := region.Descriptor{ID: region.Primary, Window: cfg.Region.Region()}

	if err = c.Lock.LockPrimary(primary, true); err != nil {
		return
	}

	if cfg.ContentProtection != nil {
		cpr := region.Descriptor{ID: region.ContentProtection, Window: cfg.ContentProtection.Region()}

		if err = c.Lock.LockPrimary(cpr, false); err != nil {
			return
		}
	}

	if err = c.Resume.Rehydrate(cfg.Images); err != nil {
		return
	}

	return c.Table.Apply(subregion.FullRegion(chip.Bootstrap, primary.Window), true)
}

func (c *Core) attest(env *Env, cfg *Config) (err error) {
	if err = c.Table.Apply(cfg.Plan(), true); err != nil {
		return
	}

	if !cfg.WrapSecret {
		return
	}

	if c.KeyWrap == nil {
		return fmt.Errorf("no crypto engine, %w", status.ErrUnsupported)
	}

	r := env.Rand

	if r == nil {
		r = rand.Reader
	}

	var key keywrap.Key
	defer key.Zero()

	if _, err = io.ReadFull(r, key[:]); err != nil {
		return fmt.Errorf("secret generation, %v, %w", err, status.ErrInvalidArgument)
	}

	return c.KeyWrap.WrapAndStore(0, &key)
}

func (c *Core) restore(cfg *Config) (err error) {
	s, err := c.Resume.Restore()

	if err != nil {
		return
	}

	log.Printf("ACR restored %s region %s, %d windows", s.Primary.ID, s.Primary.Window, s.Windows)

	if err = c.Resume.Rehydrate(cfg.Images); err != nil {
		return
	}

	if !cfg.WrapSecret {
		return
	}

	if c.KeyWrap == nil {
		return fmt.Errorf("no crypto engine, %w", status.ErrUnsupported)
	}

	// the key area is consumed by unwrapping, it is wrapped again for the
	// next resume
	var next keywrap.Key
	defer next.Zero()

	err = c.KeyWrap.LoadAndUnwrap(0, func(key *keywrap.Key) error {
		next = *key
		return c.programHubKey(key[:])
	})

	if err != nil {
		return
	}

	return c.KeyWrap.WrapAndStore(0, &next)
}

// programHubKey must be called with the key stream mutex held.
func (c *Core) programHubKey(key []byte) (err error) {
	l := c.Gen.Layout()

	for i := 0; i < l.HubKeyWords && (i+1)*4 <= len(key); i++ {
		if err = hw.Write(c.bus, l.HubKey.Offset(uint32(i)*4), binary.LittleEndian.Uint32(key[i*4:])); err != nil {
			return
		}
	}

	return
}

func (c *Core) unload() (err error) {
	if err = c.Table.RevokeAll(); err != nil {
		return
	}

	if err = c.Table.Forget(); err != nil {
		return
	}

	if err = c.Lock.Unlock(region.Primary); err != nil {
		return
	}

	if c.Gen.ContentProtection() {
		if err = c.Lock.Unlock(region.ContentProtection); err != nil {
			return
		}
	}

	if c.KeyWrap == nil {
		return c.Mutex.Do(mutex.KeyStream, c.Scratch.ClearKey)
	}

	if err = c.KeyWrap.Clear(0); err != nil {
		return
	}

	return c.Mutex.Do(mutex.KeyStream, func() error {
		return c.programHubKey(make([]byte, keywrap.KeySize))
	})
}
