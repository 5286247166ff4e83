package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/streamer/audio"
	"github.com/e7canasta/streamer/capture"
	"github.com/e7canasta/streamer/internal/devicetest"
	"github.com/e7canasta/streamer/pipeline"
	"github.com/e7canasta/streamer/staging"
)

const testW, testH = 64, 48

// fakeDisplay keeps two CPU-side regions and a texture, like the SDL view.
type fakeDisplay struct {
	regions  [2][]byte
	texture  []byte
	filter   staging.Filter
	draws    int
	presents int
	polls    int
	quitAt   int // PollEvents returns false on this call (0 = never)
	toggleAt int
}

func newDisplay() *fakeDisplay {
	size := testW * testH * 3
	return &fakeDisplay{
		regions: [2][]byte{make([]byte, size), make([]byte, size)},
		texture: make([]byte, size),
	}
}

func (d *fakeDisplay) UploadTexture(r int) error {
	copy(d.texture, d.regions[r])
	return nil
}
func (d *fakeDisplay) MapRegion(r int) ([]byte, int, error) { return d.regions[r], testW * 3, nil }
func (d *fakeDisplay) UnmapRegion(int) error                { return nil }
func (d *fakeDisplay) DrawQuad() error                      { d.draws++; return nil }
func (d *fakeDisplay) Filter() (staging.Filter, error)      { return d.filter, nil }
func (d *fakeDisplay) SetFilter(f staging.Filter) error     { d.filter = f; return nil }
func (d *fakeDisplay) Present() error                       { d.presents++; return nil }

func (d *fakeDisplay) PollEvents(onToggleFilter func()) bool {
	d.polls++
	if d.polls == d.toggleAt {
		onToggleFilter()
	}
	return d.quitAt == 0 || d.polls < d.quitAt
}

type recordSink struct {
	mu     sync.Mutex
	events map[string]int
	rates  map[string]int
}

func newSink() *recordSink {
	return &recordSink{events: map[string]int{}, rates: map[string]int{}}
}

func (s *recordSink) FrameRate(source string, fps int) {
	s.mu.Lock()
	s.rates[source] = fps
	s.mu.Unlock()
}

func (s *recordSink) Warn(event string, _ ...any) {
	s.mu.Lock()
	s.events[event]++
	s.mu.Unlock()
}

func (s *recordSink) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[event]
}

type fakeStream struct{}

func (fakeStream) Start() error { return nil }
func (fakeStream) Stop() error  { return nil }
func (fakeStream) Close() error { return nil }

type fakeEngine struct {
	mu   sync.Mutex
	onIn func([]float32)
	err  error
}

func (e *fakeEngine) OpenInput(_ audio.StreamConfig, cb func([]float32)) (audio.Stream, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.mu.Lock()
	e.onIn = cb
	e.mu.Unlock()
	return fakeStream{}, nil
}

func (e *fakeEngine) OpenOutput(audio.StreamConfig, func([]float32)) (audio.Stream, error) {
	return fakeStream{}, nil
}

func (e *fakeEngine) input(block []float32) {
	e.mu.Lock()
	cb := e.onIn
	e.mu.Unlock()
	cb(block)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newPipeline(t *testing.T, dev *devicetest.Device, display *fakeDisplay, mutate func(*pipeline.Options)) (*pipeline.Pipeline, *capture.Cycle) {
	t.Helper()
	cfg := capture.DefaultConfig(testW, testH)
	cfg.DequeueTimeout = 20 * time.Millisecond
	c, err := capture.New(dev, cfg)
	if err != nil {
		t.Fatalf("capture.New() error = %v", err)
	}

	opts := pipeline.Options{
		Source:   c,
		Uploader: display,
		Width:    testW,
		Height:   testH,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := pipeline.New(opts)
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { p.Stop() })
	return p, c
}

func complete(t *testing.T, dev *devicetest.Device, c *capture.Cycle, idx int, value byte) {
	t.Helper()
	before := c.Stats().CurrentSeq
	waitFor(t, "slot queued", func() bool { return dev.Queued(idx) })
	if !dev.Complete(idx, value) {
		t.Fatalf("slot %d not device owned", idx)
	}
	waitFor(t, "frame published", func() bool { return c.Stats().CurrentSeq > before })
}

func TestNewValidation(t *testing.T) {
	if _, err := pipeline.New(pipeline.Options{Uploader: newDisplay(), Width: 1, Height: 1}); err == nil {
		t.Error("New() without source should fail")
	}

	c, err := capture.New(devicetest.New(), capture.DefaultConfig(testW, testH))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	if _, err := pipeline.New(pipeline.Options{Source: c, Width: testW, Height: testH}); err == nil {
		t.Error("New() without uploader should fail")
	}
	if _, err := pipeline.New(pipeline.Options{Source: c, Uploader: newDisplay()}); err == nil {
		t.Error("New() without geometry should fail")
	}
}

// The device completes slot 2, then slot 0. The displayed texture shows
// slot 2's pixels and then slot 0's, and never slot 2's again.
func TestEndToEndLatestFrame(t *testing.T) {
	dev := devicetest.New()
	display := newDisplay()
	p, c := newPipeline(t, dev, display, nil)

	t.Run("Slot2ThenSlot0", func(t *testing.T) {
		complete(t, dev, c, 2, 0xA2)
		if err := p.RenderFrame(); err != nil {
			t.Fatal(err)
		}

		complete(t, dev, c, 0, 0xA0)
		if err := p.RenderFrame(); err != nil {
			t.Fatal(err)
		}
		// Textures lag one fill.
		if display.texture[0] != 0xA2 {
			t.Fatalf("texture = %#x after second render, want 0xA2", display.texture[0])
		}

		for i := 0; i < 4; i++ {
			if err := p.RenderFrame(); err != nil {
				t.Fatal(err)
			}
			if display.texture[0] != 0xA0 || display.texture[len(display.texture)-1] != 0xA0 {
				t.Fatalf("render %d: texture = %#x, want 0xA0", i, display.texture[0])
			}
		}

		if v := dev.Violations(); len(v) > 0 {
			t.Errorf("ownership violations: %v", v)
		}
		t.Logf("✅ slot 2 then slot 0 displayed in order")
	})

	st := p.Stats()
	if st.Rendered != 6 || st.Idle != 0 {
		t.Errorf("Rendered = %d, Idle = %d, want 6, 0", st.Rendered, st.Idle)
	}
	if display.draws != 6 {
		t.Errorf("draws = %d, want 6", display.draws)
	}
	if st.Audio != nil {
		t.Error("audio stats without audio engine")
	}
}

func TestRenderBeforeFirstFrameOnlyDraws(t *testing.T) {
	display := newDisplay()
	p, _ := newPipeline(t, devicetest.New(), display, nil)

	if err := p.RenderFrame(); err != nil {
		t.Fatal(err)
	}
	if display.draws != 1 {
		t.Errorf("draws = %d, want 1", display.draws)
	}
	if st := p.Stats(); st.Idle != 1 || st.Rendered != 0 {
		t.Errorf("Idle = %d, Rendered = %d, want 1, 0", st.Idle, st.Rendered)
	}
}

func TestRunUntilQuit(t *testing.T) {
	dev := devicetest.New()
	display := newDisplay()
	display.quitAt = 5
	display.toggleAt = 2
	p, c := newPipeline(t, dev, display, nil)
	complete(t, dev, c, 1, 0x11)

	if err := p.Run(context.Background(), display); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if display.presents != 4 {
		t.Errorf("presents = %d, want 4", display.presents)
	}
	if display.filter != staging.FilterLinear {
		t.Errorf("filter = %v, want linear after toggle", display.filter)
	}
}

func TestRunReturnsCaptureFailure(t *testing.T) {
	dev := devicetest.New()
	display := newDisplay()
	p, _ := newPipeline(t, dev, display, nil)

	dev.Inject(errors.New("device unplugged"))

	err := p.Run(context.Background(), display)
	if !errors.Is(err, capture.ErrFatalDevice) {
		t.Fatalf("Run() error = %v, want ErrFatalDevice", err)
	}
	if !errors.Is(p.Err(), capture.ErrFatalDevice) {
		t.Errorf("Err() = %v", p.Err())
	}
}

func TestRunStopsOnContext(t *testing.T) {
	display := newDisplay()
	p, _ := newPipeline(t, devicetest.New(), display, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx, display); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestAudioFailureIsNotFatal(t *testing.T) {
	sink := newSink()
	p, _ := newPipeline(t, devicetest.New(), newDisplay(), func(o *pipeline.Options) {
		o.AudioEngine = &fakeEngine{err: errors.New("no such device")}
		o.Audio = audio.DefaultConfig()
		o.Sink = sink
	})

	if sink.count("audio_unavailable") != 1 {
		t.Error("audio_unavailable not reported")
	}
	if p.Stats().Audio != nil {
		t.Error("audio stats present after failed open")
	}
}

func TestAudioOverflowReported(t *testing.T) {
	sink := newSink()
	engine := &fakeEngine{}
	p, _ := newPipeline(t, devicetest.New(), newDisplay(), func(o *pipeline.Options) {
		o.AudioEngine = engine
		o.Audio = audio.Config{
			SampleRate:      48000,
			Channels:        1,
			FramesPerBuffer: 4,
			RingCapacity:    8,
			ReadThreshold:   4,
		}
		o.Sink = sink
		o.StatsInterval = 5 * time.Millisecond
	})

	engine.input(make([]float32, 20))

	waitFor(t, "audio_overflow", func() bool { return sink.count("audio_overflow") > 0 })

	st := p.Stats()
	if st.Audio == nil || st.Audio.Dropped != 12 {
		t.Errorf("Audio stats = %+v, want 12 dropped", st.Audio)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p, _ := newPipeline(t, devicetest.New(), newDisplay(), nil)

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, capture.ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}
