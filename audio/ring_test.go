package audio

import (
	"sync"
	"testing"
	"testing/quick"
)

func TestNewRingValidation(t *testing.T) {
	tests := []struct {
		name      string
		capacity  int
		threshold int
		wantErr   bool
	}{
		{"defaults", 30 * 1024, 20 * 1024, false},
		{"threshold zero", 10, 0, false},
		{"threshold equals capacity", 10, 10, false},
		{"capacity too small", 1, 0, true},
		{"negative threshold", 10, -1, true},
		{"threshold above capacity", 10, 11, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRing(tt.capacity, tt.threshold)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRing(%d, %d) error = %v, wantErr %v", tt.capacity, tt.threshold, err, tt.wantErr)
			}
		})
	}
}

func mustRing(t *testing.T, capacity, threshold int) *Ring {
	t.Helper()
	r, err := NewRing(capacity, threshold)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRingLenNeverExceedsCap(t *testing.T) {
	f := func(ops []bool, capacity uint8) bool {
		c := int(capacity%64) + 2
		r, _ := NewRing(c, c/2)
		for i, put := range ops {
			if put {
				r.Put(float32(i))
			} else {
				r.Get()
			}
			if n := r.Len(); n < 0 || n > r.Cap() {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestRingFIFOWithinCapacity(t *testing.T) {
	f := func(samples []float32) bool {
		if len(samples) == 0 {
			return true
		}
		r, _ := NewRing(len(samples)+1, 0)
		for _, s := range samples {
			r.Put(s)
		}
		for _, want := range samples {
			got, ok := r.TryGet()
			if !ok || got != want {
				return false
			}
		}
		_, ok := r.TryGet()
		return !ok && r.Dropped() == 0
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestRingGateOpensAtThreshold(t *testing.T) {
	r := mustRing(t, 100, 20)

	for i := 0; i < 19; i++ {
		r.Put(1)
	}
	if r.CanRead() || r.GateOpen() {
		t.Fatal("gate open after 19 samples, threshold 20")
	}

	r.Put(1)
	if !r.CanRead() {
		t.Fatal("CanRead() = false after 20 samples")
	}

	// Drain to empty: the gate stays latched, only emptiness blocks reads.
	for r.Len() > 0 {
		r.Get()
	}
	if r.CanRead() {
		t.Error("CanRead() = true on empty ring")
	}
	if !r.GateOpen() {
		t.Error("gate closed after draining")
	}

	r.Put(0.5)
	if !r.CanRead() {
		t.Error("single sample after latch should be readable")
	}
	t.Logf("✅ gate latched at %d samples", r.Threshold())
}

func TestRingOverflowDropsOldest(t *testing.T) {
	r := mustRing(t, 10, 0)
	for i := 0; i < 15; i++ {
		r.Put(float32(i))
	}

	if r.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", r.Len())
	}
	if r.Dropped() != 5 {
		t.Errorf("Dropped() = %d, want 5", r.Dropped())
	}
	for want := 5; want < 15; want++ {
		if got := r.Get(); got != float32(want) {
			t.Fatalf("Get() = %v, want %d", got, want)
		}
	}
	if _, ok := r.TryGet(); ok {
		t.Error("ring should be empty")
	}
}

func TestRingEmptyGetReturnsZero(t *testing.T) {
	r := mustRing(t, 4, 0)
	for i := 0; i < 3; i++ {
		if got := r.Get(); got != 0 {
			t.Fatalf("Get() on empty ring = %v, want 0", got)
		}
	}
	r.Put(7)
	if got := r.Get(); got != 7 {
		t.Errorf("Get() = %v, want 7", got)
	}
	if got := r.Get(); got != 0 {
		t.Errorf("Get() after drain = %v, want 0", got)
	}
}

// One producer, one consumer, heavy overflow: whatever the consumer reads
// must be strictly increasing (FIFO, nothing torn, nothing repeated).
func TestRingConcurrentOrder(t *testing.T) {
	r := mustRing(t, 64, 0)
	const n = 200000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			r.Put(float32(i))
		}
	}()

	last := float32(0)
	reads := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		v, ok := r.TryGet()
		if ok {
			if v <= last {
				t.Fatalf("read %v after %v", v, last)
			}
			last = v
			reads++
			continue
		}
		select {
		case <-done:
			if r.Len() == 0 {
				t.Logf("✅ %d reads, %d dropped, last=%v", reads, r.Dropped(), last)
				if last != n {
					t.Errorf("last read = %v, want %d", last, n)
				}
				return
			}
		default:
		}
	}
}

// Every written sample is read, dropped or still buffered, exactly once,
// however the producer and consumer interleave.
func TestRingDropAccounting(t *testing.T) {
	r := mustRing(t, 16, 0)
	const n = 100000

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= n; i++ {
			r.Put(float32(i))
		}
	}()

	reads := 0
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		if _, ok := r.TryGet(); ok {
			reads++
		}
	}

	total := uint64(reads) + r.Dropped() + uint64(r.Len())
	if total != n {
		t.Fatalf("reads %d + dropped %d + buffered %d = %d, want %d",
			reads, r.Dropped(), r.Len(), total, n)
	}

	for r.Len() > 0 {
		r.Get()
		reads++
	}
	if uint64(reads)+r.Dropped() != n {
		t.Errorf("after drain: reads %d + dropped %d != %d", reads, r.Dropped(), n)
	}

	dropped := r.Dropped()
	r.Put(1)
	r.Get()
	if r.Dropped() != dropped {
		t.Errorf("Dropped() changed from %d to %d without overflow", dropped, r.Dropped())
	}
	t.Logf("✅ %d reads, %d dropped", reads, dropped)
}

func TestRingDroppedStableWhileDraining(t *testing.T) {
	r := mustRing(t, 10, 0)
	for i := 0; i < 15; i++ {
		r.Put(float32(i))
	}
	for i := 0; i < 10; i++ {
		r.Get()
		if r.Dropped() != 5 {
			t.Fatalf("after %d reads Dropped() = %d, want 5", i+1, r.Dropped())
		}
	}
}
