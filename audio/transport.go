package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Config configures a Transport.
type Config struct {
	InputDevice     string
	OutputDevice    string
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
	RingCapacity    int // samples
	ReadThreshold   int // samples buffered before playback starts
}

// DefaultConfig returns 48 kHz stereo with 1 ms blocks, a 30720-sample ring
// and a 20480-sample start threshold.
func DefaultConfig() Config {
	return Config{
		SampleRate:      48000,
		Channels:        2,
		FramesPerBuffer: 48,
		RingCapacity:    30 * 1024,
		ReadThreshold:   20 * 1024,
	}
}

// Stats is a point-in-time snapshot of a Transport.
type Stats struct {
	Buffered     int
	Capacity     int
	Dropped      uint64
	Underruns    uint64 // output blocks played as silence because nothing was readable
	InputBlocks  uint64
	OutputBlocks uint64
	GateOpen     bool
}

// Transport connects an input callback to an output callback through a Ring.
type Transport struct {
	ring *Ring

	inputBlocks  atomic.Uint64
	outputBlocks atomic.Uint64
	underruns    atomic.Uint64

	mu     sync.Mutex
	in     Stream
	out    Stream
	closed bool
}

// NewTransport returns a transport over ring without opening any stream.
func NewTransport(ring *Ring) *Transport {
	return &Transport{ring: ring}
}

// Ring returns the transport's ring.
func (t *Transport) Ring() *Ring { return t.ring }

// OnInput writes a captured block into the ring.
func (t *Transport) OnInput(block []float32) {
	for _, v := range block {
		t.ring.Put(v)
	}
	t.inputBlocks.Add(1)
}

// OnOutput fills a playback block. The whole block is silence while the
// ring is not readable; otherwise samples are taken in order and any
// shortfall is zero-filled.
func (t *Transport) OnOutput(block []float32) {
	t.outputBlocks.Add(1)

	if !t.ring.CanRead() {
		clear(block)
		t.underruns.Add(1)
		return
	}
	for i := range block {
		block[i] = t.ring.Get()
	}
}

// Open builds a ring from cfg and starts an input and an output stream on
// engine wired to the transport.
func Open(engine Engine, cfg Config) (*Transport, error) {
	if engine == nil {
		return nil, fmt.Errorf("audio: engine is required")
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("audio: invalid stream parameters (rate=%v channels=%d frames=%d)",
			cfg.SampleRate, cfg.Channels, cfg.FramesPerBuffer)
	}

	ring, err := NewRing(cfg.RingCapacity, cfg.ReadThreshold)
	if err != nil {
		return nil, err
	}
	t := NewTransport(ring)

	inCfg := StreamConfig{
		Device:          cfg.InputDevice,
		Channels:        cfg.Channels,
		SampleRate:      cfg.SampleRate,
		FramesPerBuffer: cfg.FramesPerBuffer,
	}
	outCfg := inCfg
	outCfg.Device = cfg.OutputDevice

	if t.in, err = engine.OpenInput(inCfg, t.OnInput); err != nil {
		return nil, fmt.Errorf("audio: open input stream: %w", err)
	}
	if t.out, err = engine.OpenOutput(outCfg, t.OnOutput); err != nil {
		t.in.Close()
		return nil, fmt.Errorf("audio: open output stream: %w", err)
	}

	if err := t.in.Start(); err != nil {
		t.Close()
		return nil, fmt.Errorf("audio: start input stream: %w", err)
	}
	if err := t.out.Start(); err != nil {
		t.Close()
		return nil, fmt.Errorf("audio: start output stream: %w", err)
	}

	slog.Info("audio: transport started",
		"input_device", deviceName(cfg.InputDevice),
		"output_device", deviceName(cfg.OutputDevice),
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"frames_per_buffer", cfg.FramesPerBuffer,
		"ring_capacity", cfg.RingCapacity,
		"read_threshold", cfg.ReadThreshold,
	)

	return t, nil
}

func deviceName(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

// Close stops and closes both streams. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for _, s := range []Stream{t.in, t.out} {
		if s == nil {
			continue
		}
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	st := t.Stats()
	slog.Info("audio: transport closed",
		"dropped", st.Dropped,
		"underruns", st.Underruns,
		"input_blocks", st.InputBlocks,
		"output_blocks", st.OutputBlocks,
	)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("audio: close streams: %w", err)
	}
	return nil
}

// Stats returns current transport statistics.
func (t *Transport) Stats() Stats {
	return Stats{
		Buffered:     t.ring.Len(),
		Capacity:     t.ring.Cap(),
		Dropped:      t.ring.Dropped(),
		Underruns:    t.underruns.Load(),
		InputBlocks:  t.inputBlocks.Load(),
		OutputBlocks: t.outputBlocks.Load(),
		GateOpen:     t.ring.GateOpen(),
	}
}
