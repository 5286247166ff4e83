package capture

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/e7canasta/streamer/telemetry"
)

// PixelFormat is a V4L2 style fourcc.
type PixelFormat uint32

// PixelFormatRGB24 is packed 8-bit RGB ("RGB3"), the only format requested.
const PixelFormatRGB24 = PixelFormat('R' | 'G'<<8 | 'B'<<16 | '3'<<24)

// String returns the fourcc characters.
func (p PixelFormat) String() string {
	b := []byte{byte(p), byte(p >> 8), byte(p >> 16), byte(p >> 24)}
	return string(b)
}

// BytesPerPixel returns the packed pixel size, or 0 for unknown formats.
func (p PixelFormat) BytesPerPixel() int {
	if p == PixelFormatRGB24 {
		return 3
	}
	return 0
}

// Format is the negotiated frame geometry.
type Format struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
}

// FrameSize returns the number of bytes of one tightly packed frame.
func (f Format) FrameSize() int {
	return f.Width * f.Height * f.PixelFormat.BytesPerPixel()
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d %s", f.Width, f.Height, f.PixelFormat)
}

// Region describes one device buffer as reported by the device.
type Region struct {
	Index  int
	Offset int64
	Length int
}

// FormatMismatch is reported (as a warning) when the device settles on a
// format other than the one requested. Capture continues with Actual.
type FormatMismatch struct {
	Requested Format
	Actual    Format
}

func (m FormatMismatch) String() string {
	return fmt.Sprintf("requested %s, device chose %s", m.Requested, m.Actual)
}

// Frame is a read-only view of the most recently captured slot.
//
// Data aliases device-mapped memory and is valid until Release. Release
// must be called exactly once per Acquire; extra calls are ignored.
type Frame struct {
	Data        []byte
	Width       int
	Height      int
	PixelFormat PixelFormat
	Slot        int
	Seq         uint64
	Timestamp   time.Time

	lease    *slot
	released atomic.Bool
}

// Release ends the read lease taken by Acquire.
func (f *Frame) Release() {
	if f == nil || f.lease == nil {
		return
	}
	if f.released.CompareAndSwap(false, true) {
		f.lease.readers.Add(-1)
	}
}

// Stats is a point-in-time snapshot of a cycle.
type Stats struct {
	FramesCaptured  uint64
	FramesSkipped   uint64 // replaced before any reader acquired them
	Timeouts        uint64
	TransientErrors uint64
	CurrentSeq      uint64
	FPS             int
	Restarts        uint32 // filled by Supervisor
	Format          Format
	Buffers         int
	Running         bool
}

// Config configures a capture cycle.
type Config struct {
	Format         Format        // requested format
	Buffers        int           // number of device slots (2-32, default 4)
	DequeueTimeout time.Duration // bound on a single dequeue wait (default 2s)
	Source         string        // telemetry source name (default "video")
	Sink           telemetry.Sink
}

// Slot count bounds accepted by New.
const (
	MinBuffers = 2
	MaxBuffers = 32
)

// DefaultConfig returns the defaults for an RGB24 capture of width x height.
func DefaultConfig(width, height int) Config {
	return Config{
		Format:         Format{Width: width, Height: height, PixelFormat: PixelFormatRGB24},
		Buffers:        4,
		DequeueTimeout: 2 * time.Second,
		Source:         "video",
	}
}

const (
	ownerDevice int32 = iota
	ownerConsumer
)

type slot struct {
	region  Region
	mem     []byte
	owner   atomic.Int32
	readers atomic.Int32
}

type published struct {
	slot *slot
	seq  uint64
	at   time.Time
	seen atomic.Bool
}
