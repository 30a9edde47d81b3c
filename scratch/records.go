// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package scratch

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/hw"
	"github.com/usbarmory/GoTEE-secboot/status"
)

// Handoff record fields (slot 0), bits [31:11] belong to other features.
var (
	HandoffVersion    = hw.Field{Pos: 0, Mask: 0xff}
	HandoffAEDone     = hw.Field{Pos: 8, Mask: 1}
	HandoffASBDone    = hw.Field{Pos: 9, Mask: 1}
	HandoffResumeDone = hw.Field{Pos: 10, Mask: 1}
)

// Resume sequencing register fields
var ResumeAttested = hw.Field{Pos: 0, Mask: 1}

// Region record fields
var (
	RecordStart = hw.Field{Pos: 0, Mask: 0xffffff}
	RecordSize  = hw.Field{Pos: 0, Mask: 0xffffff}
	RecordRead  = hw.Field{Pos: 24, Mask: hw.LevelMask}
	RecordWrite = hw.Field{Pos: 28, Mask: hw.LevelMask}
)

// Content-protection record fields
var (
	CPRStart = hw.Field{Pos: 0, Mask: 0xffffff}
	CPRSize  = hw.Field{Pos: 0, Mask: 0xfffff}
	CPRRead  = hw.Field{Pos: 20, Mask: hw.LevelMask}
	CPRWrite = hw.Field{Pos: 24, Mask: hw.LevelMask}
)

// Sub-region shadow fields, two words per window.
var (
	ShadowStart = hw.Field{Pos: 0, Mask: 0xffffff}
	ShadowRead  = hw.Field{Pos: 24, Mask: hw.LevelMask}
	ShadowEnd   = hw.Field{Pos: 0, Mask: 0xffffff}
	ShadowWrite = hw.Field{Pos: 24, Mask: hw.LevelMask}
)

func flag(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}

// Handoff represents the phase handoff record.
type Handoff struct {
	Version    uint8
	AEDone     bool
	ASBDone    bool
	ResumeDone bool
}

// Handoff returns the phase handoff record.
func (s *Store) Handoff() (h Handoff, err error) {
	val, err := s.Read(SlotHandoff)

	if err != nil {
		return
	}

	return Handoff{
		Version:    uint8(HandoffVersion.Get(val)),
		AEDone:     HandoffAEDone.Get(val) != 0,
		ASBDone:    HandoffASBDone.Get(val) != 0,
		ResumeDone: HandoffResumeDone.Get(val) != 0,
	}, nil
}

// SetHandoff updates the phase handoff record.
func (s *Store) SetHandoff(h Handoff) error {
	return s.Update(SlotHandoff,
		[]hw.Field{HandoffVersion, HandoffAEDone, HandoffASBDone, HandoffResumeDone},
		[]uint32{uint32(h.Version), flag(h.AEDone), flag(h.ASBDone), flag(h.ResumeDone)},
	)
}

// Attested returns the resume domain attestation flag.
func (s *Store) Attested() (ok bool, err error) {
	val, err := hw.Read(s.bus, s.layout.ResumeSeq)

	if err != nil {
		return
	}

	return ResumeAttested.Get(val) != 0, nil
}

// SetAttested updates the resume domain attestation flag.
func (s *Store) SetAttested(ok bool) error {
	return hw.Update(s.bus, s.layout.ResumeSeq, ResumeAttested, flag(ok))
}

// Resumed reports whether region lock on resume already ran since the last
// suspend or reset.
func (s *Store) Resumed() (ok bool, err error) {
	val, err := hw.Read(s.bus, s.layout.ResumeLatch)

	if err != nil {
		return
	}

	return val&1 != 0, nil
}

// SetResumed updates the region lock on resume latch.
func (s *Store) SetResumed(ok bool) error {
	return hw.Write(s.bus, s.layout.ResumeLatch, flag(ok))
}

// Record represents a persisted primary region, in 4K units.
type Record struct {
	Start uint32
	Size  uint32
	Read  uint8
	Write uint8
}

// RegionRecord returns the persisted region 0 record.
func (s *Store) RegionRecord() (rec Record, err error) {
	start, err := s.Read(SlotRegionStart)

	if err != nil {
		return
	}

	size, err := s.Read(SlotRegionSize)

	if err != nil {
		return
	}

	return Record{
		Start: RecordStart.Get(start),
		Size:  RecordSize.Get(size),
		Read:  uint8(RecordRead.Get(size)),
		Write: uint8(RecordWrite.Get(size)),
	}, nil
}

// SetRegionRecord persists the region 0 record.
func (s *Store) SetRegionRecord(rec Record) (err error) {
	if err = s.Update(SlotRegionStart, []hw.Field{RecordStart}, []uint32{rec.Start}); err != nil {
		return
	}

	return s.Update(SlotRegionSize,
		[]hw.Field{RecordSize, RecordRead, RecordWrite},
		[]uint32{rec.Size, uint32(rec.Read), uint32(rec.Write)},
	)
}

// ContentProtection returns the persisted content-protection region record.
func (s *Store) ContentProtection() (rec Record, err error) {
	start, err := s.Read(SlotCPRStart)

	if err != nil {
		return
	}

	size, err := s.Read(SlotCPRSize)

	if err != nil {
		return
	}

	return Record{
		Start: CPRStart.Get(start),
		Size:  CPRSize.Get(size),
		Read:  uint8(CPRRead.Get(size)),
		Write: uint8(CPRWrite.Get(size)),
	}, nil
}

// SetContentProtection persists the content-protection region record.
func (s *Store) SetContentProtection(rec Record) (err error) {
	if !CPRSize.Fits(rec.Size) {
		return fmt.Errorf("content-protection size %#x exceeds record, %w", rec.Size, status.ErrInvalidArgument)
	}

	if err = s.Update(SlotCPRStart, []hw.Field{CPRStart}, []uint32{rec.Start}); err != nil {
		return
	}

	return s.Update(SlotCPRSize,
		[]hw.Field{CPRSize, CPRRead, CPRWrite},
		[]uint32{rec.Size, uint32(rec.Read), uint32(rec.Write)},
	)
}

// Shadow represents a persisted sub-region window, in 4K units.
type Shadow struct {
	Start uint32
	End   uint32
	Read  uint8
	Write uint8
}

// Valid returns whether the shadow describes an enabled window.
func (sh Shadow) Valid() bool {
	return sh.Start < sh.End
}

// ShadowSlots returns the number of sub-region shadows the store can hold.
func (s *Store) ShadowSlots() int {
	return (s.layout.ScratchCount - SlotShadow) / 2
}

func (s *Store) shadowSlot(index int) (slot int, err error) {
	if index < 0 || index >= s.ShadowSlots() {
		return 0, fmt.Errorf("invalid shadow index %d, %w", index, status.ErrInvalidArgument)
	}

	return SlotShadow + index*2, nil
}

// SubShadow returns a persisted sub-region window.
func (s *Store) SubShadow(index int) (sh Shadow, err error) {
	slot, err := s.shadowSlot(index)

	if err != nil {
		return
	}

	a, err := s.Read(slot)

	if err != nil {
		return
	}

	b, err := s.Read(slot + 1)

	if err != nil {
		return
	}

	return Shadow{
		Start: ShadowStart.Get(a),
		End:   ShadowEnd.Get(b),
		Read:  uint8(ShadowRead.Get(a)),
		Write: uint8(ShadowWrite.Get(b)),
	}, nil
}

// SetSubShadow persists a sub-region window and restricts the shadow slots to
// highest privilege reads.
func (s *Store) SetSubShadow(index int, sh Shadow) (err error) {
	slot, err := s.shadowSlot(index)

	if err != nil {
		return
	}

	if err = s.Update(slot, []hw.Field{ShadowStart, ShadowRead}, []uint32{sh.Start, uint32(sh.Read)}); err != nil {
		return
	}

	if err = s.Update(slot+1, []hw.Field{ShadowEnd, ShadowWrite}, []uint32{sh.End, uint32(sh.Write)}); err != nil {
		return
	}

	for i := slot; i < slot+2; i++ {
		if err = s.RestrictRead(i, hw.L3); err != nil {
			return
		}
	}

	return
}

// ClearSubShadow invalidates a persisted sub-region window.
func (s *Store) ClearSubShadow(index int) (err error) {
	slot, err := s.shadowSlot(index)

	if err != nil {
		return
	}

	if err = s.Update(slot, []hw.Field{ShadowStart, ShadowRead}, []uint32{0, 0}); err != nil {
		return
	}

	return s.Update(slot+1, []hw.Field{ShadowEnd, ShadowWrite}, []uint32{0, 0})
}

// Key returns the wrapped key area.
func (s *Store) Key() (words [KeyWords]uint32, err error) {
	for i := range words {
		if words[i], err = s.Read(SlotKey + i); err != nil {
			return
		}
	}

	return
}

// SetKey persists the wrapped key area and restricts it to highest privilege
// reads.
func (s *Store) SetKey(words [KeyWords]uint32) (err error) {
	for i, w := range words {
		if err = s.Write(SlotKey+i, w); err != nil {
			return
		}

		if err = s.RestrictRead(SlotKey+i, hw.L3); err != nil {
			return
		}
	}

	return
}

// ClearKey zeroes the wrapped key area.
func (s *Store) ClearKey() (err error) {
	for i := 0; i < KeyWords; i++ {
		if err = s.Write(SlotKey+i, 0); err != nil {
			return
		}
	}

	return
}
