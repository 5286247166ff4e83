package audio

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Ring is a fixed-capacity single-producer single-consumer circular buffer
// of float32 samples with drop-oldest overflow and a latched read gate.
//
// Each cursor has exactly one writer. head and reserve are written by the
// producer, tail by the consumer. On overflow the producer does not move
// tail; the consumer notices it has been lapped and skips ahead, using
// reserve to reject a slot the producer may be rewriting.
type Ring struct {
	slots     []atomic.Uint32
	capacity  uint64
	threshold uint64

	_       [56]byte
	head    atomic.Uint64 // samples written (producer)
	reserve atomic.Uint64 // samples whose write has begun (producer)
	_       [48]byte
	tail    atomic.Uint64 // samples consumed or skipped (consumer)
	_       [56]byte

	gate    atomic.Bool
	skipped atomic.Uint64 // samples the consumer skipped past (consumer)
}

// NewRing returns a ring holding capacity samples whose gate opens once
// readThreshold samples are buffered.
func NewRing(capacity, readThreshold int) (*Ring, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("audio: invalid ring capacity %d (must be >= 2)", capacity)
	}
	if readThreshold < 0 || readThreshold > capacity {
		return nil, fmt.Errorf("audio: invalid read threshold %d (must be 0-%d)", readThreshold, capacity)
	}
	return &Ring{
		slots:     make([]atomic.Uint32, capacity),
		capacity:  uint64(capacity),
		threshold: uint64(readThreshold),
	}, nil
}

// Put appends one sample. Producer only.
func (r *Ring) Put(v float32) {
	h := r.head.Load()
	r.reserve.Store(h + 1)
	r.slots[h%r.capacity].Store(math.Float32bits(v))
	r.head.Store(h + 1)

	if !r.gate.Load() && r.buffered(h+1, r.tail.Load()) >= r.threshold {
		r.gate.Store(true)
	}
}

// Get removes and returns the oldest sample, or 0 when the ring is empty.
// It never blocks. Consumer only.
func (r *Ring) Get() float32 {
	v, _ := r.TryGet()
	return v
}

// TryGet is Get that also reports whether a sample was available.
func (r *Ring) TryGet() (float32, bool) {
	start := r.tail.Load()
	t := start
	for {
		h := r.head.Load()
		if t >= h {
			r.tail.Store(t)
			return 0, false
		}
		if h-t > r.capacity {
			t = h - r.capacity
		}

		bits := r.slots[t%r.capacity].Load()

		// Index t+capacity is the write that reuses this slot; if it has
		// begun, the value may be torn and t has been overrun.
		res := r.reserve.Load()
		if res <= t+r.capacity {
			if t > start {
				r.skipped.Add(t - start)
			}
			r.tail.Store(t + 1)
			return math.Float32frombits(bits), true
		}
		t = res - r.capacity
	}
}

// CanRead reports whether the gate has opened and a sample is buffered.
func (r *Ring) CanRead() bool {
	return r.gate.Load() && r.Len() > 0
}

// Len returns the number of buffered samples, at most Cap.
func (r *Ring) Len() int {
	return int(r.buffered(r.head.Load(), r.tail.Load()))
}

func (r *Ring) buffered(h, t uint64) uint64 {
	if t >= h {
		return 0
	}
	n := h - t
	if n > r.capacity {
		n = r.capacity
	}
	return n
}

// Cap returns the ring capacity in samples.
func (r *Ring) Cap() int { return int(r.capacity) }

// Threshold returns the gate threshold in samples.
func (r *Ring) Threshold() int { return int(r.threshold) }

// GateOpen reports whether the threshold has ever been reached.
func (r *Ring) GateOpen() bool { return r.gate.Load() }

// Dropped returns the number of samples overwritten before being read:
// those the consumer skipped past plus those lapped but not yet skipped.
// Exact once producer and consumer are idle.
func (r *Ring) Dropped() uint64 {
	for {
		s := r.skipped.Load()
		t := r.tail.Load()
		h := r.head.Load()
		if r.skipped.Load() != s {
			continue
		}
		var lapped uint64
		if h > t+r.capacity {
			lapped = h - t - r.capacity
		}
		return s + lapped
	}
}
