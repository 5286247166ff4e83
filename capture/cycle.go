package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/streamer/internal/fps"
	"github.com/e7canasta/streamer/telemetry"
)

// Cycle runs the capture loop over a Device and publishes the latest frame.
type Cycle struct {
	dev    Device
	cfg    Config
	sink   telemetry.Sink
	format Format
	slots  []*slot

	// Latest published frame (written by the capture goroutine only)
	current atomic.Pointer[published]

	// Capture goroutine state
	retired []*slot
	rate    *fps.Counter

	// Statistics (atomic for thread-safety)
	seq       atomic.Uint64
	captured  atomic.Uint64
	skipped   atomic.Uint64
	timeouts  atomic.Uint64
	transient atomic.Uint64

	// Lifecycle
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	stopped  bool
	running  atomic.Bool
	errMu    sync.Mutex
	err      error
	released bool
}

// New brings dev to streaming state: negotiate the format, request and map
// the buffers, queue all of them and start streaming.
//
// New takes ownership of dev. On failure every mapped region is unmapped,
// buffers are released and the device is closed; the returned error wraps
// ErrDeviceInit (and ErrResourceExhausted when buffers could not be had).
func New(dev Device, cfg Config) (*Cycle, error) {
	if dev == nil {
		return nil, fmt.Errorf("capture: device is required")
	}
	if cfg.Format.Width <= 0 || cfg.Format.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid geometry %dx%d", cfg.Format.Width, cfg.Format.Height)
	}
	if cfg.Format.PixelFormat == 0 {
		cfg.Format.PixelFormat = PixelFormatRGB24
	}
	if cfg.Buffers == 0 {
		cfg.Buffers = 4
	}
	if cfg.Buffers < MinBuffers || cfg.Buffers > MaxBuffers {
		return nil, fmt.Errorf("capture: invalid buffer count %d (must be %d-%d)", cfg.Buffers, MinBuffers, MaxBuffers)
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 2 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "video"
	}

	c := &Cycle{
		dev:  dev,
		cfg:  cfg,
		sink: telemetry.OrDiscard(cfg.Sink),
		rate: fps.New(time.Second),
		done: make(chan struct{}),
	}

	if err := c.init(); err != nil {
		c.teardown()
		if cerr := dev.Close(); cerr != nil {
			slog.Debug("capture: close after failed init", "error", cerr)
		}
		return nil, err
	}

	slog.Info("capture: device streaming",
		"format", c.format.String(),
		"buffers", len(c.slots),
		"dequeue_timeout", cfg.DequeueTimeout,
	)

	return c, nil
}

func (c *Cycle) init() error {
	actual, err := c.dev.NegotiateFormat(c.cfg.Format)
	if err != nil {
		return fmt.Errorf("%w: set format: %w", ErrDeviceInit, err)
	}
	if actual != c.cfg.Format {
		m := FormatMismatch{Requested: c.cfg.Format, Actual: actual}
		slog.Warn("capture: format mismatch, continuing with device format",
			"requested", m.Requested.String(),
			"actual", m.Actual.String(),
		)
		c.sink.Warn("format_mismatch", "requested", m.Requested.String(), "actual", m.Actual.String())
	}
	c.format = actual

	regions, err := c.dev.RequestBuffers(c.cfg.Buffers)
	if err != nil {
		return fmt.Errorf("%w: request buffers: %w", ErrDeviceInit, err)
	}
	if len(regions) < MinBuffers {
		return fmt.Errorf("%w: %w: device granted %d buffers (need at least %d)",
			ErrDeviceInit, ErrResourceExhausted, len(regions), MinBuffers)
	}
	if len(regions) != c.cfg.Buffers {
		slog.Warn("capture: device granted a different buffer count",
			"requested", c.cfg.Buffers,
			"granted", len(regions),
		)
	}

	for i, r := range regions {
		if r.Index != i {
			return fmt.Errorf("%w: region %d reports index %d", ErrDeviceInit, i, r.Index)
		}
		mem, err := c.dev.Map(r)
		if err != nil {
			return fmt.Errorf("%w: %w: map slot %d: %w", ErrDeviceInit, ErrResourceExhausted, i, err)
		}
		s := &slot{region: r, mem: mem}
		s.owner.Store(ownerConsumer)
		c.slots = append(c.slots, s)
	}

	for _, s := range c.slots {
		if err := c.dev.Enqueue(s.region.Index); err != nil {
			return fmt.Errorf("%w: enqueue slot %d: %w", ErrDeviceInit, s.region.Index, err)
		}
		s.owner.Store(ownerDevice)
	}

	if err := c.dev.StartStream(); err != nil {
		return fmt.Errorf("%w: start stream: %w", ErrDeviceInit, err)
	}

	return nil
}

// Start launches the capture goroutine.
func (c *Cycle) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.running.Store(true)

	c.wg.Add(1)
	go c.run(ctx)

	return nil
}

// Format returns the negotiated format.
func (c *Cycle) Format() Format { return c.format }

// Done is closed when the capture loop exits.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the capture loop, or nil while running
// and after a clean Stop.
func (c *Cycle) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Acquire returns the latest published frame with a read lease, or nil when
// no frame has been captured yet. The slot behind the frame is not handed
// back to the device until Release.
func (c *Cycle) Acquire() *Frame {
	for {
		p := c.current.Load()
		if p == nil {
			return nil
		}

		p.slot.readers.Add(1)
		if c.current.Load() != p {
			// Replaced between load and lease; the slot may already be queued.
			p.slot.readers.Add(-1)
			continue
		}
		p.seen.Store(true)

		size := c.format.FrameSize()
		if size <= 0 || size > len(p.slot.mem) {
			size = len(p.slot.mem)
		}

		return &Frame{
			Data:        p.slot.mem[:size:size],
			Width:       c.format.Width,
			Height:      c.format.Height,
			PixelFormat: c.format.PixelFormat,
			Slot:        p.slot.region.Index,
			Seq:         p.seq,
			Timestamp:   p.at,
			lease:       p.slot,
		}
	}
}

func (c *Cycle) run(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.done)
	defer c.running.Store(false)

	for {
		if ctx.Err() != nil {
			slog.Debug("capture: context cancelled, stopping capture loop")
			return
		}

		if err := c.recycle(); err != nil {
			c.fail(err)
			return
		}

		idx, err := c.dev.Dequeue(c.cfg.DequeueTimeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			if ctx.Err() != nil {
				return
			}
			n := c.timeouts.Add(1)
			slog.Warn("capture: no frame within timeout",
				"timeout", c.cfg.DequeueTimeout,
				"timeouts", n,
			)
			c.sink.Warn("capture_timeout", "timeout", c.cfg.DequeueTimeout, "count", n)
			continue
		case errors.Is(err, ErrTransient):
			c.transient.Add(1)
			continue
		default:
			c.fail(fmt.Errorf("dequeue: %w", err))
			return
		}

		if err := c.publish(idx); err != nil {
			c.fail(err)
			return
		}
	}
}

// publish moves a dequeued slot to the consumer side, swaps it in as the
// latest frame and retires the previous one.
func (c *Cycle) publish(idx int) error {
	if idx < 0 || idx >= len(c.slots) {
		return fmt.Errorf("device returned slot %d, have %d", idx, len(c.slots))
	}
	s := c.slots[idx]
	if !s.owner.CompareAndSwap(ownerDevice, ownerConsumer) {
		return fmt.Errorf("device returned slot %d which it does not own", idx)
	}

	now := time.Now()
	next := &published{slot: s, seq: c.seq.Add(1), at: now}
	prev := c.current.Swap(next)
	c.captured.Add(1)

	if prev != nil {
		if !prev.seen.Load() {
			c.skipped.Add(1)
		}
		c.retired = append(c.retired, prev.slot)
	}

	if n, ok := c.rate.Tick(now); ok {
		slog.Debug("capture: frame rate", "fps", n, "seq", next.seq)
		c.sink.FrameRate(c.cfg.Source, n)
	}

	return c.recycle()
}

// recycle re-enqueues every retired slot that no reader holds.
func (c *Cycle) recycle() error {
	kept := c.retired[:0]
	var failed error

	for _, s := range c.retired {
		if failed != nil || s.readers.Load() > 0 {
			kept = append(kept, s)
			continue
		}

		s.owner.Store(ownerDevice)
		if err := c.dev.Enqueue(s.region.Index); err != nil {
			s.owner.Store(ownerConsumer)
			kept = append(kept, s)
			if errors.Is(err, ErrTransient) {
				c.transient.Add(1)
				continue
			}
			failed = fmt.Errorf("enqueue slot %d: %w", s.region.Index, err)
		}
	}

	c.retired = kept
	return failed
}

func (c *Cycle) fail(err error) {
	if !errors.Is(err, ErrFatalDevice) {
		err = fmt.Errorf("%w: %w", ErrFatalDevice, err)
	}

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	slog.Error("capture: capture loop stopped",
		"error", err,
		"frames_captured", c.captured.Load(),
		"seq", c.seq.Load(),
	)
	c.sink.Warn("capture_failed", "error", err)
}

// Stop ends the capture loop, waits for it (bounded by one dequeue timeout
// plus a second), stops streaming and releases every slot. The device is
// closed. Idempotent.
func (c *Cycle) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}
	c.stopped = true

	joined := true
	if c.cancel != nil {
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			slog.Debug("capture: capture loop stopped cleanly")
		case <-time.After(c.cfg.DequeueTimeout + time.Second):
			slog.Warn("capture: stop timeout exceeded, capture loop may still be running")
			joined = false
		}
	} else {
		close(c.done)
	}

	c.current.Store(nil)
	c.waitLeases(time.Second)

	if err := c.dev.StopStream(); err != nil {
		slog.Warn("capture: stop stream failed", "error", err)
	}
	// A loop that is still running owns the slots; leave them mapped.
	if joined {
		c.teardown()
	} else {
		slog.Warn("capture: slots left mapped, capture loop did not exit")
	}

	var err error
	if cerr := c.dev.Close(); cerr != nil {
		err = fmt.Errorf("capture: close device: %w", cerr)
	}

	slog.Info("capture: capture cycle stopped",
		"frames_captured", c.captured.Load(),
		"frames_skipped", c.skipped.Load(),
		"timeouts", c.timeouts.Load(),
	)

	return err
}

// waitLeases gives outstanding readers up to d to Release before the slots
// are unmapped.
func (c *Cycle) waitLeases(d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		busy := 0
		for _, s := range c.slots {
			if s.readers.Load() > 0 {
				busy++
			}
		}
		if busy == 0 {
			return
		}
		if time.Now().After(deadline) {
			slog.Warn("capture: releasing slots with outstanding readers", "slots", busy)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// teardown unmaps every mapped slot and releases the device buffers.
func (c *Cycle) teardown() {
	if c.released {
		return
	}
	c.released = true

	for _, s := range c.slots {
		if err := c.dev.Unmap(s.region, s.mem); err != nil {
			slog.Warn("capture: unmap failed", "slot", s.region.Index, "error", err)
		}
		s.mem = nil
	}
	c.slots = nil
	c.retired = nil

	if err := c.dev.ReleaseBuffers(); err != nil {
		slog.Debug("capture: release buffers failed", "error", err)
	}
}

// Stats returns current cycle statistics.
func (c *Cycle) Stats() Stats {
	c.mu.Lock()
	buffers := len(c.slots)
	c.mu.Unlock()

	return Stats{
		FramesCaptured:  c.captured.Load(),
		FramesSkipped:   c.skipped.Load(),
		Timeouts:        c.timeouts.Load(),
		TransientErrors: c.transient.Load(),
		CurrentSeq:      c.seq.Load(),
		FPS:             c.rate.Last(),
		Format:          c.format,
		Buffers:         buffers,
		Running:         c.running.Load(),
	}
}
