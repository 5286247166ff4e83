// Package devicetest provides a scripted in-memory capture.Device.
//
// Tests decide which queued slot the "hardware" completes next with
// Complete, inject dequeue errors with Inject, and inspect ownership
// violations afterwards with Violations.
package devicetest

import (
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/streamer/capture"
)

const (
	stateIdle = iota // not handed to the device
	stateQueued
	stateReady // completed, waiting to be dequeued
	stateOut   // dequeued, consumer owned
)

// Device is a fake capture device. Exported fields configure it and must be
// set before it is handed to capture.New.
type Device struct {
	// ActualFormat overrides the negotiated format when non-zero.
	ActualFormat capture.Format
	// Granted overrides the number of buffers granted when > 0.
	Granted int
	// MapFailAt makes Map fail for that index (-1 disables).
	MapFailAt int
	// NegotiateErr and StartErr are returned by the matching calls.
	NegotiateErr error
	StartErr     error
	// Stall, when non-nil, makes Dequeue ignore its timeout and block
	// until Stall is closed.
	Stall chan struct{}

	mu         sync.Mutex
	format     capture.Format
	mems       [][]byte
	state      []int
	ready      chan int
	errs       chan error
	violations []string
	enqueues   int
	unmapped   int
	streaming  bool
	released   bool
	closed     bool
}

// New returns a device that honours every request.
func New() *Device {
	return &Device{
		MapFailAt: -1,
		ready:     make(chan int, 64),
		errs:      make(chan error, 64),
	}
}

func (d *Device) NegotiateFormat(want capture.Format) (capture.Format, error) {
	if d.NegotiateErr != nil {
		return capture.Format{}, d.NegotiateErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.format = want
	if d.ActualFormat != (capture.Format{}) {
		d.format = d.ActualFormat
	}
	return d.format, nil
}

func (d *Device) RequestBuffers(n int) ([]capture.Region, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Granted > 0 {
		n = d.Granted
	}
	size := d.format.FrameSize()
	regions := make([]capture.Region, n)
	d.mems = make([][]byte, n)
	d.state = make([]int, n)
	for i := range regions {
		regions[i] = capture.Region{Index: i, Offset: int64(i * size), Length: size}
		d.mems[i] = make([]byte, size)
	}
	return regions, nil
}

func (d *Device) Map(r capture.Region) ([]byte, error) {
	if r.Index == d.MapFailAt {
		return nil, fmt.Errorf("devicetest: mmap slot %d: cannot allocate memory", r.Index)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mems[r.Index], nil
}

func (d *Device) Unmap(capture.Region, []byte) error {
	d.mu.Lock()
	d.unmapped++
	d.mu.Unlock()
	return nil
}

func (d *Device) Enqueue(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index >= len(d.state) {
		return fmt.Errorf("devicetest: enqueue of unknown slot %d", index)
	}
	if d.state[index] == stateQueued || d.state[index] == stateReady {
		d.violations = append(d.violations, fmt.Sprintf("slot %d enqueued while device owned", index))
	}
	d.state[index] = stateQueued
	d.enqueues++
	return nil
}

func (d *Device) Dequeue(timeout time.Duration) (int, error) {
	if d.Stall != nil {
		<-d.Stall
		return -1, fmt.Errorf("devicetest: %w", capture.ErrTimeout)
	}

	select {
	case err := <-d.errs:
		return -1, err
	default:
	}

	select {
	case err := <-d.errs:
		return -1, err
	case idx := <-d.ready:
		d.mu.Lock()
		d.state[idx] = stateOut
		d.mu.Unlock()
		return idx, nil
	case <-time.After(timeout):
		return -1, fmt.Errorf("devicetest: %w", capture.ErrTimeout)
	}
}

func (d *Device) StartStream() error {
	if d.StartErr != nil {
		return d.StartErr
	}
	d.mu.Lock()
	d.streaming = true
	d.mu.Unlock()
	return nil
}

func (d *Device) StopStream() error {
	d.mu.Lock()
	d.streaming = false
	d.mu.Unlock()
	return nil
}

func (d *Device) ReleaseBuffers() error {
	d.mu.Lock()
	d.released = true
	d.mu.Unlock()
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Complete fills a queued slot with value and makes it available to
// Dequeue. It reports false when the slot is not device owned.
func (d *Device) Complete(index int, value byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index >= len(d.state) || d.state[index] != stateQueued {
		return false
	}
	for i := range d.mems[index] {
		d.mems[index][i] = value
	}
	d.state[index] = stateReady
	d.ready <- index
	return true
}

// CompleteAny completes the lowest-index queued slot.
func (d *Device) CompleteAny(value byte) (int, bool) {
	d.mu.Lock()
	idx := -1
	for i, s := range d.state {
		if s == stateQueued {
			idx = i
			break
		}
	}
	d.mu.Unlock()

	if idx < 0 {
		return -1, false
	}
	return idx, d.Complete(idx, value)
}

// Inject makes a future Dequeue return err.
func (d *Device) Inject(err error) {
	d.errs <- err
}

// Queued reports whether index is currently device owned.
func (d *Device) Queued(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return index >= 0 && index < len(d.state) &&
		(d.state[index] == stateQueued || d.state[index] == stateReady)
}

// Violations returns ownership violations observed so far.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

// Enqueues returns the total number of Enqueue calls.
func (d *Device) Enqueues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enqueues
}

// Unmapped returns the number of Unmap calls.
func (d *Device) Unmapped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unmapped
}

// Closed reports whether Close was called; Streaming whether the stream is on.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Released reports whether ReleaseBuffers was called.
func (d *Device) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}
