package audio

import (
	"errors"
	"testing"
)

type fakeStream struct {
	started, stopped, closed bool
	startErr                 error
}

func (s *fakeStream) Start() error { s.started = true; return s.startErr }
func (s *fakeStream) Stop() error  { s.stopped = true; return nil }
func (s *fakeStream) Close() error { s.closed = true; return nil }

type fakeEngine struct {
	in, out       *fakeStream
	inCfg, outCfg StreamConfig
	onIn          func([]float32)
	onOut         func([]float32)
	outErr        error
}

func (e *fakeEngine) OpenInput(cfg StreamConfig, cb func([]float32)) (Stream, error) {
	e.inCfg, e.onIn = cfg, cb
	e.in = &fakeStream{}
	return e.in, nil
}

func (e *fakeEngine) OpenOutput(cfg StreamConfig, cb func([]float32)) (Stream, error) {
	if e.outErr != nil {
		return nil, e.outErr
	}
	e.outCfg, e.onOut = cfg, cb
	e.out = &fakeStream{}
	return e.out, nil
}

func TestOutputIsSilentUntilGateOpens(t *testing.T) {
	ring := mustRing(t, 100, 20)
	tr := NewTransport(ring)

	tr.OnInput(make([]float32, 10))
	for i := 0; i < 9; i++ {
		tr.OnInput([]float32{float32(i + 1)})
	}

	out := []float32{9, 9, 9, 9}
	tr.OnOutput(out)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v before gate, want 0", i, v)
		}
	}
	if ring.Len() != 19 {
		t.Errorf("closed gate must not consume: Len() = %d, want 19", ring.Len())
	}

	tr.OnInput([]float32{42})
	block := make([]float32, 25)
	tr.OnOutput(block)

	// 10 zeros, 1..9, 42, then zero padding once drained.
	if block[10] != 1 || block[18] != 9 || block[19] != 42 || block[20] != 0 {
		t.Errorf("block = %v", block)
	}

	st := tr.Stats()
	if st.Underruns != 1 || st.OutputBlocks != 2 || st.InputBlocks != 11 || !st.GateOpen {
		t.Errorf("stats = %+v", st)
	}
}

func TestOutputZeroFillsWholeBlockWhenEmpty(t *testing.T) {
	ring := mustRing(t, 8, 1)
	tr := NewTransport(ring)
	tr.OnInput([]float32{1})
	tr.OnOutput(make([]float32, 1))

	block := []float32{5, 5, 5}
	tr.OnOutput(block)
	for i, v := range block {
		if v != 0 {
			t.Errorf("block[%d] = %v, want 0", i, v)
		}
	}
}

func TestOpenWiresCallbacks(t *testing.T) {
	e := &fakeEngine{}
	cfg := DefaultConfig()
	cfg.InputDevice = "MS2109"

	tr, err := Open(e, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if !e.in.started || !e.out.started {
		t.Fatal("streams not started")
	}
	if e.inCfg.Device != "MS2109" || e.outCfg.Device != "" {
		t.Errorf("devices in=%q out=%q", e.inCfg.Device, e.outCfg.Device)
	}
	if e.inCfg.FramesPerBuffer != 48 || e.inCfg.Channels != 2 || e.inCfg.SampleRate != 48000 {
		t.Errorf("input config = %+v", e.inCfg)
	}

	e.onIn(make([]float32, 96))
	if tr.Stats().Buffered != 96 {
		t.Errorf("Buffered = %d, want 96", tr.Stats().Buffered)
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if !e.in.closed || !e.out.closed {
		t.Error("streams not closed")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(nil, DefaultConfig()); err == nil {
		t.Error("nil engine should fail")
	}

	bad := DefaultConfig()
	bad.ReadThreshold = bad.RingCapacity + 1
	if _, err := Open(&fakeEngine{}, bad); err == nil {
		t.Error("invalid ring should fail")
	}

	e := &fakeEngine{outErr: errors.New("no default output device")}
	if _, err := Open(e, DefaultConfig()); err == nil {
		t.Error("output open failure should fail")
	} else if !e.in.closed {
		t.Error("input stream should be closed when output fails")
	}
}
