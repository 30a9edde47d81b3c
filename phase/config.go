// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package phase

import (
	"encoding/json"
	"fmt"

	"github.com/usbarmory/GoTEE-secboot/chip"
	"github.com/usbarmory/GoTEE-secboot/dmacopy"
	"github.com/usbarmory/GoTEE-secboot/region"
	"github.com/usbarmory/GoTEE-secboot/resume"
	"github.com/usbarmory/GoTEE-secboot/sequencer"
	"github.com/usbarmory/GoTEE-secboot/status"
	"github.com/usbarmory/GoTEE-secboot/subregion"
)

// Window represents a configured primary region, in 4K units.
type Window struct {
	Start uint32 `json:"start"`
	Size  uint32 `json:"size"`
	Read  uint8  `json:"read"`
	Write uint8  `json:"write"`
}

// Region returns the region window.
func (w Window) Region() region.Window {
	return region.Window{
		Start: w.Start,
		End:   w.Start + w.Size,
		Read:  w.Read,
		Write: w.Write,
	}
}

// Managed represents the windows of a managed engine.
type Managed struct {
	Engine chip.Engine     `json:"engine"`
	Code   subregion.Range `json:"code"`
	Data   subregion.Range `json:"data"`
}

// SharedWindow represents a shared-data window.
type SharedWindow struct {
	Sub     chip.SubID      `json:"sub"`
	Range   subregion.Range `json:"range"`
	Writers []chip.Engine   `json:"writers"`
	Readers []chip.Engine   `json:"readers"`
}

// Config represents the firmware table of a deployment.
type Config struct {
	// Version is the phase binary version, used both as handoff tag and
	// anti-rollback build number.
	Version uint32 `json:"version"`

	// Region is the primary region.
	Region Window `json:"region"`
	// ContentProtection is the optional content-protection region.
	ContentProtection *Window `json:"content_protection,omitempty"`

	// Images are staged into protected memory on cold boot and resume.
	Images []resume.ShadowCopy `json:"images"`

	Engines []Managed      `json:"engines"`
	Shared  []SharedWindow `json:"shared"`

	// WrapSecret enables generation and wrapping of the hub key secret.
	WrapSecret bool `json:"wrap_secret"`
	SecretSlot int  `json:"secret_slot"`

	// Buffers is the on-chip buffer pair used for image staging.
	Buffers dmacopy.BufferPair `json:"buffers"`
}

// Load parses a JSON firmware table.
func Load(buf []byte) (c *Config, err error) {
	c = &Config{}

	if err = json.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("invalid firmware table, %v, %w", err, status.ErrInvalidArgument)
	}

	return
}

// Validate checks the firmware table against a chip generation.
func (c *Config) Validate(g chip.Generation) (err error) {
	if c.Version == 0 || c.Version > sequencer.MaxVersion {
		return fmt.Errorf("invalid version %d, %w", c.Version, status.ErrInvalidArgument)
	}

	if c.Region.Start+c.Region.Size < c.Region.Start {
		return fmt.Errorf("region overflows, %w", status.ErrRangeOverflow)
	}

	if err = c.Region.Region().Validate(); err != nil {
		return
	}

	if c.ContentProtection != nil && !g.ContentProtection() {
		return fmt.Errorf("content-protection region on %s, %w", g.Name(), status.ErrUnsupported)
	}

	for _, m := range c.Engines {
		if _, ok := chip.Index(g, m.Engine); !ok && !g.Exempt(m.Engine) {
			return fmt.Errorf("%s not present on %s, %w", m.Engine, g.Name(), status.ErrInvalidArgument)
		}
	}

	if c.Buffers != (dmacopy.BufferPair{}) && (c.Buffers.A.Size != g.DMAGranularity() || c.Buffers.B.Size != g.DMAGranularity()) {
		return fmt.Errorf("buffer size %d != %d, %w", c.Buffers.A.Size, g.DMAGranularity(), status.ErrInvalidArgument)
	}

	for i, img := range c.Images {
		if err = c.validateImage(img, g.DMAGranularity()); err != nil {
			return fmt.Errorf("image %d, %w", i, err)
		}
	}

	return c.Plan().Validate()
}

// validateImage checks that an image fits the configured destination region
// in whole DMA chunks.
func (c *Config) validateImage(img resume.ShadowCopy, granularity int) error {
	var w Window

	switch {
	case img.Region == region.Primary:
		w = c.Region
	case img.Region == region.ContentProtection && c.ContentProtection != nil:
		w = *c.ContentProtection
	default:
		return fmt.Errorf("no configured %s region, %w", img.Region, status.ErrInvalidArgument)
	}

	if img.Size <= 0 || img.Size%granularity != 0 {
		return fmt.Errorf("size %d not a multiple of %d, %w", img.Size, granularity, status.ErrInvalidArgument)
	}

	end := img.Offset + uint64(img.Size)

	if end < img.Offset {
		return fmt.Errorf("offset %#x+%#x overflows, %w", img.Offset, img.Size, status.ErrRangeOverflow)
	}

	if size := uint64(w.Size) * region.Unit; end > size {
		return fmt.Errorf("[%#x, %#x) exceeds %s region size %#x, %w", img.Offset, end, img.Region, size, status.ErrInvalidArgument)
	}

	return nil
}

// Plan returns the managed engine windows.
func (c *Config) Plan() (p subregion.Plan) {
	for _, m := range c.Engines {
		p = append(p, subregion.CodeData(m.Engine, m.Code, m.Data)...)
	}

	for _, s := range c.Shared {
		p = append(p, subregion.Shared(s.Sub, s.Range, s.Writers, s.Readers)...)
	}

	return
}

// DefaultBuffers returns a buffer pair at the start of the on-chip buffer.
func DefaultBuffers(g chip.Generation) dmacopy.BufferPair {
	n := g.DMAGranularity()

	return dmacopy.BufferPair{
		A: dmacopy.Buffer{Offset: 0, Size: n},
		B: dmacopy.Buffer{Offset: uint32(n), Size: n},
	}
}
