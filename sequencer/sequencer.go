// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sequencer enforces the ordering of phase binaries through the
// persistent handoff record.
//
// Accepted sequences are (AE ASB RLOR? UNLOAD)* and their prefixes, every
// other step fails with ErrOutOfOrder leaving the record untouched. A suspend
// clears the non-retained resume latch and re-arms RLOR, so that RLOR runs at
// most once per resume.
package sequencer

import (
	"fmt"
	"strings"

	"github.com/usbarmory/GoTEE-secboot/mutex"
	"github.com/usbarmory/GoTEE-secboot/scratch"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// Phase identifies a phase binary variant.
type Phase int

const (
	// AuthorityEstablish runs at cold boot and establishes region 0.
	AuthorityEstablish Phase = iota
	// AttestationSubBoot grants the managed engine windows.
	AttestationSubBoot
	// RegionLockOnResume re-establishes protection after deep sleep.
	RegionLockOnResume
	// RegionUnload tears protection down.
	RegionUnload

	numPhases
)

var phaseNames = [numPhases]string{
	AuthorityEstablish: "AE",
	AttestationSubBoot: "ASB",
	RegionLockOnResume: "RLOR",
	RegionUnload:       "UNLOAD",
}

func (p Phase) String() string {
	if p < 0 || p >= numPhases {
		return fmt.Sprintf("phase(%d)", int(p))
	}

	return phaseNames[p]
}

// ParsePhase returns the phase matching a name.
func ParsePhase(name string) (Phase, error) {
	for i, n := range phaseNames {
		if strings.EqualFold(n, name) {
			return Phase(i), nil
		}
	}

	return 0, fmt.Errorf("unknown phase %q, %w", name, status.ErrInvalidArgument)
}

// MaxVersion is the highest version tag.
const MaxVersion = 0xff

// Sequencer represents the phase handoff state.
type Sequencer struct {
	mutex   *mutex.Controller
	scratch *scratch.Store
}

// New returns a sequencer.
func New(mu *mutex.Controller, s *scratch.Store) *Sequencer {
	return &Sequencer{
		mutex:   mu,
		scratch: s,
	}
}

// ValidateAndRecord checks that a phase may run after the recorded handoff
// state and records its completion.
func (s *Sequencer) ValidateAndRecord(p Phase, version uint32) (err error) {
	if version == 0 || version > MaxVersion {
		return fmt.Errorf("invalid version %d, %w", version, status.ErrInvalidArgument)
	}

	if p < 0 || p >= numPhases {
		return fmt.Errorf("invalid phase %d, %w", p, status.ErrInvalidArgument)
	}

	return s.mutex.Do(mutex.Sequencer, func() (err error) {
		h, err := s.scratch.Handoff()

		if err != nil {
			return
		}

		attested, err := s.scratch.Attested()

		if err != nil {
			return
		}

		tag := uint8(version)

		switch p {
		case AuthorityEstablish:
			if h.Version != 0 {
				return fmt.Errorf("%s with tag %d, %w", p, h.Version, status.ErrOutOfOrder)
			}

			return s.scratch.SetHandoff(scratch.Handoff{Version: tag, AEDone: true})
		case AttestationSubBoot:
			if h.Version != tag || h.ASBDone {
				return fmt.Errorf("%s v%d with tag %d asb:%v, %w", p, tag, h.Version, h.ASBDone, status.ErrOutOfOrder)
			}

			h.ASBDone = true

			if err = s.scratch.SetHandoff(h); err != nil {
				return
			}

			return s.scratch.SetAttested(true)
		case RegionLockOnResume:
			var resumed bool

			if resumed, err = s.scratch.Resumed(); err != nil {
				return
			}

			if h.Version != tag || !attested {
				return fmt.Errorf("%s v%d with tag %d attested:%v, %w", p, tag, h.Version, attested, status.ErrOutOfOrder)
			}

			if h.ResumeDone && resumed {
				return fmt.Errorf("%s v%d already ran since resume, %w", p, tag, status.ErrOutOfOrder)
			}

			h.ResumeDone = true

			if err = s.scratch.SetHandoff(h); err != nil {
				return
			}

			return s.scratch.SetResumed(true)
		case RegionUnload:
			if h.Version != tag || !h.ASBDone {
				return fmt.Errorf("%s v%d with tag %d asb:%v, %w", p, tag, h.Version, h.ASBDone, status.ErrOutOfOrder)
			}

			if err = s.scratch.SetHandoff(scratch.Handoff{}); err != nil {
				return
			}

			if err = s.scratch.SetResumed(false); err != nil {
				return
			}

			return s.scratch.SetAttested(false)
		}

		return
	})
}
