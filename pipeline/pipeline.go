// Package pipeline composes capture, staging and audio transport into the
// streamer's render loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/streamer/audio"
	"github.com/e7canasta/streamer/capture"
	"github.com/e7canasta/streamer/internal/fps"
	"github.com/e7canasta/streamer/staging"
	"github.com/e7canasta/streamer/telemetry"
)

// Source is a running capture (capture.Supervisor or capture.Cycle).
type Source interface {
	Start(ctx context.Context) error
	Acquire() *capture.Frame
	Done() <-chan struct{}
	Err() error
	Stats() capture.Stats
	Stop() error
}

// Display is the window the pipeline renders into.
type Display interface {
	staging.Uploader
	Present() error
	// PollEvents drains pending input; false means the user asked to quit.
	PollEvents(onToggleFilter func()) bool
}

// Options configures a Pipeline.
type Options struct {
	Source   Source           // required
	Uploader staging.Uploader // required
	Width    int              // stream geometry
	Height   int

	// AudioEngine enables audio passthrough when non-nil.
	AudioEngine audio.Engine
	Audio       audio.Config

	Sink          telemetry.Sink
	StatsInterval time.Duration // audio health reporting period (default: 1s)
}

// Stats is a point-in-time snapshot of the whole pipeline.
type Stats struct {
	Capture   capture.Stats
	Audio     *audio.Stats // nil without audio
	RenderFPS int
	Rendered  uint64 // frames copied into staging
	Idle      uint64 // renders with no frame available
}

// Pipeline owns the staging pair and the audio transport and reads frames
// from the capture source. RenderFrame, ToggleFiltering and Run must be
// called from the render goroutine.
type Pipeline struct {
	opts Options
	src  Source
	pair *staging.Pair
	sink telemetry.Sink

	transport atomic.Pointer[audio.Transport]
	render    *fps.Counter
	rendered  atomic.Uint64
	idle      atomic.Uint64
	mismatch  bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New validates opts and builds the staging pair. Nothing runs until Start.
func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("pipeline: source is required")
	}
	pair, err := staging.NewPair(opts.Uploader, opts.Width, opts.Height, capture.PixelFormatRGB24.BytesPerPixel())
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Second
	}

	return &Pipeline{
		opts:   opts,
		src:    opts.Source,
		pair:   pair,
		sink:   telemetry.OrDiscard(opts.Sink),
		render: fps.New(time.Second),
	}, nil
}

// Start starts capture and, when configured, audio. Capture failure is
// returned; audio failure is logged and the pipeline runs without sound.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return capture.ErrStopped
	}
	if p.cancel != nil {
		return capture.ErrAlreadyStarted
	}

	if err := p.src.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start capture: %w", err)
	}

	if p.opts.AudioEngine != nil {
		t, err := audio.Open(p.opts.AudioEngine, p.opts.Audio)
		if err != nil {
			slog.Warn("pipeline: audio unavailable, continuing without sound", "error", err)
			p.sink.Warn("audio_unavailable", "error", err)
		} else {
			p.transport.Store(t)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if t := p.transport.Load(); t != nil {
		p.wg.Add(1)
		go p.reportAudio(ctx, t)
	}

	slog.Info("pipeline: started",
		"geometry", fmt.Sprintf("%dx%d", p.opts.Width, p.opts.Height),
		"audio", p.transport.Load() != nil,
	)
	return nil
}

// RenderFrame copies the latest captured frame into staging and draws the
// current texture. With no frame yet it only draws.
func (p *Pipeline) RenderFrame() error {
	if f := p.src.Acquire(); f != nil {
		if !p.mismatch && (f.Width != p.opts.Width || f.Height != p.opts.Height) {
			p.mismatch = true
			slog.Warn("pipeline: frame geometry differs from staging",
				"frame", fmt.Sprintf("%dx%d", f.Width, f.Height),
				"staging", fmt.Sprintf("%dx%d", p.opts.Width, p.opts.Height),
			)
		}
		err := p.pair.Fill(f.Data)
		f.Release()
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		p.rendered.Add(1)
	} else {
		p.idle.Add(1)
	}

	if n, ok := p.render.Tick(time.Now()); ok {
		p.sink.FrameRate("render", n)
	}

	if err := p.pair.Draw(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// ToggleFiltering flips texture filtering between nearest and linear.
func (p *Pipeline) ToggleFiltering() {
	f, err := p.pair.ToggleFiltering()
	if err != nil {
		slog.Warn("pipeline: toggle filtering failed", "error", err)
		return
	}
	slog.Info("pipeline: texture filtering", "filter", f.String())
}

// Run renders into display until the user quits, ctx ends or capture gives
// up. It returns the capture error in the last case.
func (p *Pipeline) Run(ctx context.Context, display Display) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.src.Done():
			return p.Err()
		default:
		}

		if !display.PollEvents(p.ToggleFiltering) {
			slog.Info("pipeline: quit requested")
			return nil
		}
		if err := p.RenderFrame(); err != nil {
			return err
		}
		if err := display.Present(); err != nil {
			return fmt.Errorf("pipeline: present: %w", err)
		}
	}
}

// reportAudio warns about ring overflow and output underruns once per
// interval while they keep happening.
func (p *Pipeline) reportAudio(ctx context.Context, t *audio.Transport) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.StatsInterval)
	defer ticker.Stop()

	var last audio.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := t.Stats()
			if d := st.Dropped - last.Dropped; d > 0 {
				slog.Debug("pipeline: audio samples dropped", "samples", d, "buffered", st.Buffered)
				p.sink.Warn("audio_overflow", "dropped", d, "buffered", st.Buffered)
			}
			if u := st.Underruns - last.Underruns; u > 0 && st.GateOpen {
				p.sink.Warn("audio_underrun", "blocks", u, "buffered", st.Buffered)
			}
			last = st
		}
	}
}

// Stats returns a snapshot of capture, audio and render counters.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Capture:   p.src.Stats(),
		RenderFPS: p.render.Last(),
		Rendered:  p.rendered.Load(),
		Idle:      p.idle.Load(),
	}
	if t := p.transport.Load(); t != nil {
		as := t.Stats()
		st.Audio = &as
	}
	return st
}

// Err returns the terminal capture error, if capture gave up.
func (p *Pipeline) Err() error {
	return p.src.Err()
}

// Stop stops audio, then capture. Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	var errs []error
	if t := p.transport.Load(); t != nil {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.src.Stop(); err != nil {
		errs = append(errs, err)
	}

	st := p.Stats()
	slog.Info("pipeline: stopped",
		"frames_captured", st.Capture.FramesCaptured,
		"frames_skipped", st.Capture.FramesSkipped,
		"restarts", st.Capture.Restarts,
		"rendered", st.Rendered,
	)

	return errors.Join(errs...)
}
