package gstsrc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/streamer/capture"
)

var _ capture.Device = (*Device)(nil)

// Device is a camera opened through GStreamer.
type Device struct {
	path    string
	fps     int
	session string

	elements *pipelineElements
	format   capture.Format

	// slots is fixed between RequestBuffers and ReleaseBuffers.
	slots  [][]byte
	free   chan int
	filled chan int
	fatal  chan error

	frames  atomic.Uint64
	dropped atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open builds the pipeline for path. fps <= 0 lets the camera choose.
func Open(path string, fps int) (*Device, error) {
	elements, err := createPipeline(path)
	if err != nil {
		return nil, fmt.Errorf("gstsrc: %s: %w", path, err)
	}
	d := &Device{
		path:     path,
		fps:      fps,
		session:  uuid.New().String(),
		elements: elements,
		fatal:    make(chan error, 1),
	}
	slog.Info("gstsrc: device opened", "path", path, "session", d.session)
	return d, nil
}

// NegotiateFormat forces want through the capsfilter; videoconvert and
// videoscale adapt whatever the camera produces.
func (d *Device) NegotiateFormat(want capture.Format) (capture.Format, error) {
	if want.PixelFormat != capture.PixelFormatRGB24 {
		return capture.Format{}, fmt.Errorf("gstsrc: unsupported pixel format %s", want.PixelFormat)
	}
	if want.Width <= 0 || want.Height <= 0 {
		return capture.Format{}, fmt.Errorf("gstsrc: invalid geometry %dx%d", want.Width, want.Height)
	}

	caps := buildCaps(want.Width, want.Height, d.fps)
	d.elements.CapsFilter.SetProperty("caps", gst.NewCapsFromString(caps))
	d.format = want

	slog.Debug("gstsrc: caps set", "caps", caps, "session", d.session)
	return want, nil
}

// RequestBuffers allocates n frame-sized slots in Go memory.
func (d *Device) RequestBuffers(n int) ([]capture.Region, error) {
	if d.slots != nil {
		return nil, errors.New("gstsrc: buffers already requested")
	}
	size := d.format.FrameSize()
	if size <= 0 {
		return nil, errors.New("gstsrc: format not negotiated")
	}

	d.slots = make([][]byte, n)
	d.free = make(chan int, n)
	d.filled = make(chan int, n)

	regions := make([]capture.Region, n)
	for i := range d.slots {
		d.slots[i] = make([]byte, size)
		regions[i] = capture.Region{Index: i, Offset: int64(i * size), Length: size}
	}
	return regions, nil
}

func (d *Device) Map(r capture.Region) ([]byte, error) {
	if r.Index < 0 || r.Index >= len(d.slots) {
		return nil, fmt.Errorf("gstsrc: map: no slot %d", r.Index)
	}
	return d.slots[r.Index], nil
}

// Unmap is a no-op; slots live until ReleaseBuffers.
func (d *Device) Unmap(capture.Region, []byte) error { return nil }

func (d *Device) Enqueue(index int) error {
	if index < 0 || index >= len(d.slots) {
		return fmt.Errorf("gstsrc: enqueue: no slot %d", index)
	}
	select {
	case d.free <- index:
		return nil
	default:
		return fmt.Errorf("gstsrc: enqueue: slot %d queued twice", index)
	}
}

func (d *Device) Dequeue(timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case idx := <-d.filled:
		return idx, nil
	case err := <-d.fatal:
		return -1, err
	case <-timer.C:
		return -1, fmt.Errorf("gstsrc: no sample in %v: %w", timeout, capture.ErrTimeout)
	}
}

// StartStream installs the sample callback, sets the pipeline to PLAYING
// and starts the bus monitor.
func (d *Device) StartStream() error {
	if d.slots == nil {
		return errors.New("gstsrc: no buffers requested")
	}

	d.elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onNewSample,
	})

	if err := d.elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstsrc: failed to set pipeline to PLAYING: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.monitor(ctx); err != nil {
			select {
			case d.fatal <- err:
			default:
			}
		}
	}()

	slog.Info("gstsrc: stream started",
		"path", d.path,
		"format", d.format.String(),
		"slots", len(d.slots),
		"session", d.session,
	)
	return nil
}

// onNewSample copies the sample into a free slot. With no free slot the
// sample is dropped: every slot is either filled and waiting or held by
// the consumer.
func (d *Device) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstsrc: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstsrc: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	var idx int
	select {
	case idx = <-d.free:
	default:
		d.dropped.Add(1)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	n := copyFrame(d.slots[idx], data, d.format.Width, d.format.Height)
	buffer.Unmap()

	if n < len(d.slots[idx]) {
		slog.Debug("gstsrc: short sample", "got", n, "want", len(d.slots[idx]))
	}

	d.frames.Add(1)
	d.filled <- idx
	return gst.FlowOK
}

// monitor watches the bus until ctx ends. EOS and pipeline errors are
// returned so the next Dequeue fails.
func (d *Device) monitor(ctx context.Context) error {
	bus := d.elements.Pipeline.GetPipelineBus()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				slog.Info("gstsrc: end of stream received",
					"path", d.path,
					"uptime", time.Since(started),
					"frames", d.frames.Load(),
				)
				return errors.New("gstsrc: end of stream")

			case gst.MessageError:
				gerr := msg.ParseError()
				category := ClassifyError(gerr)
				slog.Error("gstsrc: pipeline error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"category", category.String(),
					"path", d.path,
					"uptime", time.Since(started),
					"frames", d.frames.Load(),
					"session", d.session,
				)
				return fmt.Errorf("gstsrc: pipeline error [%s]: %s", category, gerr.Error())

			case gst.MessageStateChanged:
				if msg.Source() == d.elements.Pipeline.GetName() {
					old, state := msg.ParseStateChanged()
					slog.Debug("gstsrc: pipeline state changed", "from", old, "to", state)
				}
			}
		}
	}
}

// StopStream stops the monitor and sets the pipeline to NULL.
func (d *Device) StopStream() error {
	if d.cancel != nil {
		d.cancel()
		d.wg.Wait()
		d.cancel = nil
	}
	if err := destroyPipeline(d.elements); err != nil {
		return fmt.Errorf("gstsrc: %w", err)
	}
	slog.Info("gstsrc: stream stopped",
		"path", d.path,
		"frames", d.frames.Load(),
		"dropped", d.dropped.Load(),
	)
	return nil
}

func (d *Device) ReleaseBuffers() error {
	d.slots = nil
	return nil
}

// Dropped returns samples discarded because every slot was busy.
func (d *Device) Dropped() uint64 { return d.dropped.Load() }

func (d *Device) Close() error {
	err := destroyPipeline(d.elements)
	d.elements = nil
	return err
}

// rgbStride is the row stride GStreamer uses for packed RGB: rows are
// padded to a multiple of 4 bytes.
func rgbStride(width int) int {
	return (width*3 + 3) &^ 3
}

// copyFrame copies a packed RGB sample into dst as tightly packed rows and
// returns the number of bytes written.
func copyFrame(dst, src []byte, width, height int) int {
	row := width * 3
	stride := rgbStride(width)
	if stride == row || len(src) == row*height {
		return copy(dst, src)
	}

	n := 0
	for y := 0; y < height; y++ {
		s := y * stride
		d := y * row
		if s >= len(src) || d >= len(dst) {
			break
		}
		n += copy(dst[d:min(d+row, len(dst))], src[s:min(s+row, len(src))])
	}
	return n
}
