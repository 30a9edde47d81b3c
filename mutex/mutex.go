// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mutex implements acquisition and release of the hardware arbitrated
// mutexes of the security core.
//
// A mutex is acquired by writing a caller token to its register and polling
// until the token is echoed back, there is no timeout: a wedged mutex halts
// the caller forever.
package mutex

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// ID identifies a hardware mutex.
type ID int

// Mutex assignments
const (
	// Region guards the primary region and permission registers.
	Region ID = iota
	// Sequencer guards the phase handoff record.
	Sequencer
	// Shadow guards the sub-region scratch save area.
	Shadow
	// KeyStream guards the hub encryption key stream.
	KeyStream
)

func (id ID) String() string {
	switch id {
	case Region:
		return "region"
	case Sequencer:
		return "sequencer"
	case Shadow:
		return "shadow"
	case KeyStream:
		return "keystream"
	default:
		return fmt.Sprintf("mutex(%d)", int(id))
	}
}

const (
	// token values reported by the allocator when exhausted
	tokenNone    = 0x00
	tokenInvalid = 0xff
)

// Token represents ownership of an acquired mutex.
type Token struct {
	id       ID
	value    uint32
	released bool
}

// ID returns the mutex held by the token.
func (t *Token) ID() ID {
	return t.id
}

// Controller represents the hardware mutex block.
type Controller struct {
	bus    hw.Bus
	layout *chip.Layout
}

// New returns the mutex controller for a chip register map.
func New(b hw.Bus, l *chip.Layout) *Controller {
	return &Controller{
		bus:    b,
		layout: l,
	}
}

func (c *Controller) reg(id ID) (r hw.Reg, err error) {
	if id < 0 || int(id) >= c.layout.MutexCount {
		return r, fmt.Errorf("invalid mutex %s, %w", id, status.ErrMutex)
	}

	return c.layout.Mutex.Offset(uint32(id) * 4), nil
}

// Acquire spins until the mutex is owned by a freshly allocated token.
func (c *Controller) Acquire(id ID) (t *Token, err error) {
	r, err := c.reg(id)

	if err != nil {
		return
	}

	val, err := hw.Read(c.bus, c.layout.MutexIDAlloc)

	if err != nil {
		return nil, fmt.Errorf("%v, %w", err, status.ErrMutex)
	}

	if val == tokenNone || val == tokenInvalid {
		return nil, fmt.Errorf("%s token allocation failed, %w", id, status.ErrMutex)
	}

	for {
		if err = hw.Write(c.bus, r, val); err != nil {
			break
		}

		var res uint32

		if res, err = hw.Read(c.bus, r); err != nil {
			break
		}

		if res == val {
			return &Token{id: id, value: val}, nil
		}
	}

	// return the token to the allocator, the acquisition error prevails
	_ = hw.Write(c.bus, c.layout.MutexIDRelease, val)

	return nil, fmt.Errorf("%s acquisition, %v, %w", id, err, status.ErrMutex)
}

// Release relinquishes ownership of a mutex, a token can be released only
// once.
func (c *Controller) Release(t *Token) (err error) {
	if t == nil || t.released {
		return fmt.Errorf("release of unowned mutex, %w", status.ErrMutex)
	}

	t.released = true

	r, err := c.reg(t.id)

	if err != nil {
		return
	}

	res, err := hw.Read(c.bus, r)

	if err != nil {
		return fmt.Errorf("%v, %w", err, status.ErrMutex)
	}

	if res != t.value {
		err = fmt.Errorf("%s owned by %#x not %#x, %w", t.id, res, t.value, status.ErrMutex)
	} else if werr := hw.Write(c.bus, r, 0); werr != nil {
		err = fmt.Errorf("%v, %w", werr, status.ErrMutex)
	}

	if werr := hw.Write(c.bus, c.layout.MutexIDRelease, t.value); werr != nil && err == nil {
		err = fmt.Errorf("%v, %w", werr, status.ErrMutex)
	}

	return
}

// Do runs fn while holding a mutex, the mutex is released exactly once on
// every exit path and the first error wins.
func (c *Controller) Do(id ID, fn func() error) (err error) {
	t, err := c.Acquire(id)

	if err != nil {
		return
	}

	defer func() {
		if rerr := c.Release(t); err == nil {
			err = rerr
		}
	}()

	return fn()
}
