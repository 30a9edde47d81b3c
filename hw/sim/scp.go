// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"crypto/aes"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/usbarmory/GoTEE-secboot/keywrap"
	"github.com/usbarmory/GoTEE-secboot/status"
)

const (
	// NumRegisters is the number of crypto engine registers.
	NumRegisters = 8
	// SecretSlots is the number of hardware secret slots.
	SecretSlots = 4
)

type scpReg struct {
	val [aes.BlockSize]byte

	// loaded from a hardware secret slot
	secret bool
	// content cannot be stored back to memory
	locked bool
	// usable only as a key
	keyOnly bool
}

// SCP represents the simulated crypto engine, it implements keywrap.Engine.
type SCP struct {
	secrets [][aes.BlockSize]byte
	regs    [NumRegisters]scpReg
}

// NewSCP returns a crypto engine with hardware secrets derived from a device
// seed.
func NewSCP(seed []byte, slots int) (s *SCP, err error) {
	s = &SCP{
		secrets: make([][aes.BlockSize]byte, slots),
	}

	for i := range s.secrets {
		r := hkdf.New(sha256.New, seed, nil, []byte(fmt.Sprintf("scp-secret-%d", i)))

		if _, err = io.ReadFull(r, s.secrets[i][:]); err != nil {
			return nil, err
		}
	}

	return
}

// Reset clears every register.
func (s *SCP) Reset() {
	for i := range s.regs {
		s.regs[i] = scpReg{}
	}
}

func (s *SCP) reg(r keywrap.Register) (*scpReg, error) {
	if r < 0 || int(r) >= NumRegisters {
		return nil, fmt.Errorf("invalid crypto register %d, %w", r, status.ErrInvalidArgument)
	}

	return &s.regs[r], nil
}

func (s *SCP) data(r keywrap.Register) (reg *scpReg, err error) {
	if reg, err = s.reg(r); err != nil {
		return
	}

	if reg.keyOnly {
		return nil, fmt.Errorf("crypto register %d restricted to key use, %w", r, status.ErrInvalidArgument)
	}

	return
}

// LoadSecret implements keywrap.Engine.
func (s *SCP) LoadSecret(dst keywrap.Register, slot int) error {
	d, err := s.reg(dst)

	if err != nil {
		return err
	}

	if slot < 0 || slot >= len(s.secrets) {
		return fmt.Errorf("invalid secret slot %d, %w", slot, status.ErrInvalidArgument)
	}

	*d = scpReg{val: s.secrets[slot], secret: true, locked: true}

	return nil
}

// Load implements keywrap.Engine.
func (s *SCP) Load(dst keywrap.Register, block []byte) error {
	d, err := s.reg(dst)

	if err != nil {
		return err
	}

	if len(block) != aes.BlockSize {
		return fmt.Errorf("invalid block size %d, %w", len(block), status.ErrInvalidArgument)
	}

	*d = scpReg{}
	copy(d.val[:], block)

	return nil
}

// Store implements keywrap.Engine.
func (s *SCP) Store(src keywrap.Register, block []byte) error {
	r, err := s.reg(src)

	if err != nil {
		return err
	}

	if r.locked || r.keyOnly {
		return fmt.Errorf("crypto register %d is not readable, %w", src, status.ErrInvalidArgument)
	}

	if len(block) != aes.BlockSize {
		return fmt.Errorf("invalid block size %d, %w", len(block), status.ErrInvalidArgument)
	}

	copy(block, r.val[:])

	return nil
}

func (s *SCP) cipher(key, src, dst keywrap.Register, decrypt bool) (err error) {
	k, err := s.reg(key)

	if err != nil {
		return
	}

	in, err := s.data(src)

	if err != nil {
		return
	}

	out, err := s.reg(dst)

	if err != nil {
		return
	}

	var kv [aes.BlockSize]byte

	if decrypt {
		firstRoundKey(k.val[:], kv[:])
	} else {
		kv = k.val
	}

	block, err := aes.NewCipher(kv[:])

	if err != nil {
		return
	}

	var res [aes.BlockSize]byte

	if decrypt {
		block.Decrypt(res[:], in.val[:])
	} else {
		block.Encrypt(res[:], in.val[:])
	}

	*out = scpReg{val: res, locked: k.secret}

	for i := range kv {
		kv[i] = 0
	}

	return
}

// Encrypt implements keywrap.Engine.
func (s *SCP) Encrypt(key, src, dst keywrap.Register) error {
	return s.cipher(key, src, dst, false)
}

// Decrypt implements keywrap.Engine, the key register must hold the last
// round key.
func (s *SCP) Decrypt(key, src, dst keywrap.Register) error {
	return s.cipher(key, src, dst, true)
}

// ReverseKey implements keywrap.Engine.
func (s *SCP) ReverseKey(src, dst keywrap.Register) (err error) {
	in, err := s.reg(src)

	if err != nil {
		return
	}

	out, err := s.reg(dst)

	if err != nil {
		return
	}

	var last [aes.BlockSize]byte
	lastRoundKey(in.val[:], last[:])

	*out = scpReg{val: last, secret: in.secret, locked: in.locked, keyOnly: in.keyOnly}

	return
}

// RestrictKeyable implements keywrap.Engine.
func (s *SCP) RestrictKeyable(r keywrap.Register) error {
	reg, err := s.reg(r)

	if err != nil {
		return err
	}

	reg.keyOnly = true

	return nil
}

// Clear implements keywrap.Engine.
func (s *SCP) Clear(r keywrap.Register) error {
	reg, err := s.reg(r)

	if err != nil {
		return err
	}

	*reg = scpReg{}

	return nil
}
