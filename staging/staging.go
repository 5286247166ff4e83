// Package staging double-buffers frame uploads to the GPU.
//
// A Pair owns two staging regions. On every Fill the region written during
// the previous Fill is uploaded into the texture, the pair flips, and the
// new frame is copied into the other region. The GPU transfer of one region
// therefore overlaps the CPU copy into the other, at the cost of showing
// each frame one Fill late.
//
//	Fill k:   upload(active) ─▶ active ^= 1 ─▶ map(active) ─▶ copy ─▶ unmap(active)
package staging

import (
	"fmt"
)

// Filter is the texture sampling mode.
type Filter int

const (
	FilterNearest Filter = iota
	FilterLinear
)

func (f Filter) String() string {
	if f == FilterLinear {
		return "linear"
	}
	return "nearest"
}

// Uploader is the graphics context side of a staging pair. Region indexes
// are 0 and 1.
type Uploader interface {
	// UploadTexture binds region as the texture source and issues the
	// texture update from it.
	UploadTexture(region int) error

	// MapRegion returns CPU-writable memory for region and its row pitch
	// in bytes. The memory is valid until UnmapRegion.
	MapRegion(region int) ([]byte, int, error)

	UnmapRegion(region int) error

	// DrawQuad draws the texture as a viewport-filling quad.
	DrawQuad() error

	Filter() (Filter, error)
	SetFilter(Filter) error
}

// Pair is a ping-pong pair of staging regions. Not safe for concurrent use;
// it belongs to the render goroutine.
type Pair struct {
	up       Uploader
	width    int
	height   int
	rowBytes int
	active   int
	fills    uint64
}

// NewPair returns a pair for frames of width x height pixels.
func NewPair(up Uploader, width, height, bytesPerPixel int) (*Pair, error) {
	if up == nil {
		return nil, fmt.Errorf("staging: uploader is required")
	}
	if width <= 0 || height <= 0 || bytesPerPixel <= 0 {
		return nil, fmt.Errorf("staging: invalid frame geometry %dx%d (%d bytes/pixel)", width, height, bytesPerPixel)
	}
	return &Pair{
		up:       up,
		width:    width,
		height:   height,
		rowBytes: width * bytesPerPixel,
	}, nil
}

// Fill uploads the previously filled region and copies pixels into the
// other one. Empty pixels are ignored. Pixels shorter than a full frame are
// copied as far as they go.
func (p *Pair) Fill(pixels []byte) error {
	if len(pixels) == 0 {
		return nil
	}

	if err := p.up.UploadTexture(p.active); err != nil {
		return fmt.Errorf("staging: upload region %d: %w", p.active, err)
	}

	p.active ^= 1
	p.fills++

	mem, pitch, err := p.up.MapRegion(p.active)
	if err != nil {
		return fmt.Errorf("staging: map region %d: %w", p.active, err)
	}

	p.copyRows(mem, pitch, pixels)

	if err := p.up.UnmapRegion(p.active); err != nil {
		return fmt.Errorf("staging: unmap region %d: %w", p.active, err)
	}
	return nil
}

func (p *Pair) copyRows(dst []byte, pitch int, src []byte) {
	if pitch <= 0 {
		pitch = p.rowBytes
	}
	if pitch == p.rowBytes {
		copy(dst, src[:min(len(src), p.rowBytes*p.height)])
		return
	}

	for y := 0; y < p.height; y++ {
		s := y * p.rowBytes
		d := y * pitch
		if s >= len(src) || d >= len(dst) {
			return
		}
		copy(dst[d:min(d+p.rowBytes, len(dst))], src[s:min(s+p.rowBytes, len(src))])
	}
}

// Draw draws the current texture.
func (p *Pair) Draw() error {
	if err := p.up.DrawQuad(); err != nil {
		return fmt.Errorf("staging: draw: %w", err)
	}
	return nil
}

// ToggleFiltering flips the texture filter between nearest and linear and
// returns the new mode.
func (p *Pair) ToggleFiltering() (Filter, error) {
	cur, err := p.up.Filter()
	if err != nil {
		return cur, fmt.Errorf("staging: read filter: %w", err)
	}
	next := FilterLinear
	if cur == FilterLinear {
		next = FilterNearest
	}
	if err := p.up.SetFilter(next); err != nil {
		return cur, fmt.Errorf("staging: set filter: %w", err)
	}
	return next, nil
}

// Active returns the region that received the most recent copy.
func (p *Pair) Active() int { return p.active }

// Fills returns the number of non-empty Fill calls.
func (p *Pair) Fills() uint64 { return p.fills }
