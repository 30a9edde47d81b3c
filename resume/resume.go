// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package resume implements snapshot and restore of the protected region state
// across deep sleep, along with re-staging of region content.
package resume

import (
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/dmacopy"
	"github.com/usbarmory/GoTEE-secboot/region"
	"github.com/usbarmory/GoTEE-secboot/status"
	"github.com/usbarmory/GoTEE-secboot/subregion"
)

// ShadowCopy represents a region image staged in non-protected memory.
type ShadowCopy struct {
	// Region is the destination region.
	Region region.ID `json:"region"`
	// Offset is the destination offset in bytes within the region.
	Offset uint64 `json:"offset"`
	// Staging is the source address in system memory.
	Staging uint64 `json:"staging"`
	// Size is the image size in bytes.
	Size int `json:"size"`
}

// State represents restored protection state.
type State struct {
	Primary           region.Descriptor
	ContentProtection region.Descriptor
	// Windows is the number of replayed engine windows.
	Windows int
}

// Manager represents the suspend/resume manager.
type Manager struct {
	gen   chip.Generation
	lock  *region.Lock
	table *subregion.Table
	dma   *dmacopy.Engine
	pair  *dmacopy.BufferPair
}

// New returns a suspend/resume manager, the buffer pair is used for every
// re-staging copy.
func New(g chip.Generation, l *region.Lock, t *subregion.Table, dma *dmacopy.Engine, pair *dmacopy.BufferPair) *Manager {
	return &Manager{
		gen:   g,
		lock:  l,
		table: t,
		dma:   dma,
		pair:  pair,
	}
}

// Snapshot persists the live primary region state.
func (m *Manager) Snapshot() (err error) {
	if err = m.lock.Snapshot(region.Primary); err != nil {
		return
	}

	if m.gen.ContentProtection() {
		err = m.lock.Snapshot(region.ContentProtection)
	}

	return
}

// Restore re-establishes protection from persisted state only. Every engine
// window is disabled first, the primary and content-protection regions are
// restored and persisted engine windows are replayed within the restored
// primary region. Empty persisted state leaves everything disabled.
func (m *Manager) Restore() (s State, err error) {
	if err = m.lock.DisableSubRegions(); err != nil {
		return
	}

	if s.Primary, err = m.lock.Restore(region.Primary); err != nil {
		return
	}

	s.ContentProtection = region.Descriptor{ID: region.ContentProtection, Window: region.Disabled}

	if m.gen.ContentProtection() {
		if s.ContentProtection, err = m.lock.Restore(region.ContentProtection); err != nil {
			return
		}
	}

	if !s.Primary.Enabled() {
		return
	}

	s.Windows, err = m.table.Replay(s.Primary)

	return
}

// Rehydrate copies staged images into their protected regions.
func (m *Manager) Rehydrate(entries []ShadowCopy) (err error) {
	if len(entries) > 0 && (m.dma == nil || m.pair == nil) {
		return fmt.Errorf("no DMA engine, %w", status.ErrInvalidArgument)
	}

	for _, e := range entries {
		if err = m.rehydrate(e); err != nil {
			return
		}
	}

	return
}

func (m *Manager) rehydrate(e ShadowCopy) (err error) {
	d, err := m.lock.Read(e.Region)

	if err != nil {
		return
	}

	if !d.Enabled() {
		return fmt.Errorf("image copy into disabled %s region, %w", e.Region, status.ErrInvalidArgument)
	}

	if e.Size <= 0 {
		return fmt.Errorf("invalid image size %d, %w", e.Size, status.ErrInvalidArgument)
	}

	size := uint64(d.Size()) * region.Unit
	end := e.Offset + uint64(e.Size)

	if end < e.Offset {
		return fmt.Errorf("image offset %#x+%#x overflows, %w", e.Offset, e.Size, status.ErrRangeOverflow)
	}

	if end > size {
		return fmt.Errorf("image [%#x, %#x) exceeds %s region size %#x, %w", e.Offset, end, e.Region, size, status.ErrInvalidArgument)
	}

	src := dmacopy.Props{Address: e.Staging, Context: dmacopy.System}
	dst := dmacopy.Props{Address: uint64(d.Start)*region.Unit + e.Offset, Context: dmacopy.Protected}

	_, err = m.dma.Copy(m.pair, src, dst, e.Size)

	return
}
