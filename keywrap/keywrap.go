// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package keywrap implements wrapping of secrets under a hardware derived key
// for persistence in scratch slots across suspend.
//
// The wrapping key is derived by encrypting a fixed salt with a hardware secret
// and is restricted to key use within the crypto engine, it is never visible
// to software.
package keywrap

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/mutex"
	"github.com/usbarmory/GoTEE-secboot/scratch"
	"github.com/usbarmory/GoTEE-secboot/status"
)

const (
	// BlockSize is the cipher block size.
	BlockSize = 16
	// KeySize is the size of a wrapped secret.
	KeySize = scratch.KeyWords * 4

	blocks = KeySize / BlockSize
)

// Register identifies a crypto engine register.
type Register int

// Engine represents the single-block cipher engine of the security core.
type Engine interface {
	// LoadSecret loads a hardware secret slot, secrets cannot be stored.
	LoadSecret(dst Register, slot int) error
	// Load loads a block.
	Load(dst Register, block []byte) error
	// Store reads back a block.
	Store(src Register, block []byte) error
	// Encrypt encrypts src with key into dst.
	Encrypt(key, src, dst Register) error
	// Decrypt decrypts src with a reversed key into dst.
	Decrypt(key, src, dst Register) error
	// ReverseKey computes the decryption key schedule start of src into dst.
	ReverseKey(src, dst Register) error
	// RestrictKeyable limits a register to key use.
	RestrictKeyable(r Register) error
	// Clear zeroes a register.
	Clear(r Register) error
}

// Register assignments
const (
	regSecret Register = iota
	regWrap
	regReverse
	regIn
	regOut

	numRegs
)

// Key represents secret material, it must be zeroed after use.
type Key [KeySize]byte

// Zero clears the key.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// DefaultSalt is the fixed wrapping key derivation input.
var DefaultSalt = [BlockSize]byte{
	0x70, 0x72, 0x6f, 0x74, 0x65, 0x63, 0x74, 0x65,
	0x64, 0x2d, 0x72, 0x65, 0x67, 0x69, 0x6f, 0x6e,
}

// Service represents the key wrap service.
type Service struct {
	// SecretSlot selects the hardware secret used for derivation.
	SecretSlot int
	// Salt is the derivation input.
	Salt [BlockSize]byte

	engine  Engine
	mutex   *mutex.Controller
	scratch *scratch.Store
}

// New returns a key wrap service.
func New(e Engine, mu *mutex.Controller, s *scratch.Store) *Service {
	return &Service{
		Salt:    DefaultSalt,
		engine:  e,
		mutex:   mu,
		scratch: s,
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (s *Service) check(region int) error {
	// only the primary region carries a key area
	if region != 0 {
		return fmt.Errorf("key wrap for region %d, %w", region, status.ErrUnsupported)
	}

	return nil
}

func (s *Service) clear() {
	for r := Register(0); r < numRegs; r++ {
		_ = s.engine.Clear(r)
	}
}

func (s *Service) derive() (err error) {
	if err = s.engine.LoadSecret(regSecret, s.SecretSlot); err != nil {
		return
	}

	if err = s.engine.Load(regIn, s.Salt[:]); err != nil {
		return
	}

	if err = s.engine.Encrypt(regSecret, regIn, regWrap); err != nil {
		return
	}

	if err = s.engine.Clear(regSecret); err != nil {
		return
	}

	return s.engine.RestrictKeyable(regWrap)
}

// WrapAndStore wraps a key into the scratch key area of a region, the key is
// zeroed on every path.
func (s *Service) WrapAndStore(region int, key *Key) (err error) {
	if key == nil {
		return fmt.Errorf("missing key, %w", status.ErrInvalidArgument)
	}

	defer key.Zero()

	if err = s.check(region); err != nil {
		return
	}

	return s.mutex.Do(mutex.KeyStream, func() (err error) {
		var buf [BlockSize]byte
		var words [scratch.KeyWords]uint32

		defer zero(buf[:])
		defer s.clear()

		if err = s.derive(); err != nil {
			return
		}

		for i := 0; i < blocks; i++ {
			if err = s.engine.Load(regIn, key[i*BlockSize:(i+1)*BlockSize]); err != nil {
				return
			}

			if err = s.engine.Encrypt(regWrap, regIn, regOut); err != nil {
				return
			}

			if err = s.engine.Store(regOut, buf[:]); err != nil {
				return
			}

			for j := 0; j < BlockSize/4; j++ {
				words[i*BlockSize/4+j] = binary.LittleEndian.Uint32(buf[j*4:])
			}
		}

		return s.scratch.SetKey(words)
	})
}

// LoadAndUnwrap unwraps the key stored in the scratch key area of a region and
// passes it to fn while the key stream mutex is held. The key and the scratch
// key area are zeroed on every path.
func (s *Service) LoadAndUnwrap(region int, fn func(key *Key) error) (err error) {
	if err = s.check(region); err != nil {
		return
	}

	return s.mutex.Do(mutex.KeyStream, func() (err error) {
		var key Key
		var buf [BlockSize]byte

		defer key.Zero()
		defer zero(buf[:])
		defer s.clear()

		defer func() {
			if cerr := s.scratch.ClearKey(); err == nil {
				err = cerr
			}
		}()

		words, err := s.scratch.Key()

		if err != nil {
			return
		}

		if err = s.derive(); err != nil {
			return
		}

		if err = s.engine.ReverseKey(regWrap, regReverse); err != nil {
			return
		}

		for i := 0; i < blocks; i++ {
			for j := 0; j < BlockSize/4; j++ {
				binary.LittleEndian.PutUint32(buf[j*4:], words[i*BlockSize/4+j])
			}

			if err = s.engine.Load(regIn, buf[:]); err != nil {
				return
			}

			if err = s.engine.Decrypt(regReverse, regIn, regOut); err != nil {
				return
			}

			if err = s.engine.Store(regOut, key[i*BlockSize:(i+1)*BlockSize]); err != nil {
				return
			}
		}

		zero(buf[:])

		for i := range words {
			words[i] = 0
		}

		return fn(&key)
	})
}

// Clear zeroes the scratch key area of a region.
func (s *Service) Clear(region int) (err error) {
	if err = s.check(region); err != nil {
		return
	}

	return s.mutex.Do(mutex.KeyStream, s.scratch.ClearKey)
}
