package capture

import "time"

// Device is a streaming capture device with a fixed set of mapped buffers,
// modelled on V4L2 memory-mapped streaming I/O.
//
// All methods are called from a single goroutine.
type Device interface {
	// NegotiateFormat asks for want and returns what the device settled on.
	NegotiateFormat(want Format) (Format, error)

	// RequestBuffers allocates n buffers and describes them. The device may
	// return fewer than n.
	RequestBuffers(n int) ([]Region, error)

	// Map returns process-visible memory for a region.
	Map(r Region) ([]byte, error)

	// Unmap releases memory returned by Map.
	Unmap(r Region, mem []byte) error

	// Enqueue hands buffer index to the device for filling.
	Enqueue(index int) error

	// Dequeue waits up to timeout for a filled buffer and returns its index.
	// It returns an error wrapping ErrTimeout when nothing arrived and one
	// wrapping ErrTransient when the call should simply be retried.
	Dequeue(timeout time.Duration) (int, error)

	StartStream() error
	StopStream() error

	// ReleaseBuffers frees the buffers from RequestBuffers. Every region
	// must be unmapped first.
	ReleaseBuffers() error

	Close() error
}
