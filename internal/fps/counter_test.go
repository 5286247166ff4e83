package fps

import (
	"testing"
	"time"
)

func TestCounterReportsOncePerWindow(t *testing.T) {
	c := New(time.Second)
	base := time.Unix(1000, 0)

	reports := 0
	var got int
	// 60 ticks spaced 1/60s: the 61st tick (t=1s) closes the window.
	for i := 0; i <= 60; i++ {
		now := base.Add(time.Duration(i) * time.Second / 60)
		if n, ok := c.Tick(now); ok {
			reports++
			got = n
		}
	}

	if reports != 1 {
		t.Fatalf("reports = %d, want 1", reports)
	}
	if got != 61 {
		t.Errorf("fps = %d, want 61", got)
	}
	if c.Last() != got {
		t.Errorf("Last() = %d, want %d", c.Last(), got)
	}
	t.Logf("✅ window closed with %d frames", got)
}

func TestCounterNoReportWithinWindow(t *testing.T) {
	c := New(0)
	base := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		if _, ok := c.Tick(base.Add(time.Duration(i) * 10 * time.Millisecond)); ok {
			t.Fatalf("unexpected report at tick %d", i)
		}
	}
	if c.Last() != 0 {
		t.Errorf("Last() = %d before any window closed", c.Last())
	}
}

func TestCounterReset(t *testing.T) {
	c := New(time.Second)
	base := time.Unix(0, 0)
	c.Tick(base)
	c.Tick(base.Add(time.Second))
	c.Reset()

	if c.Last() != 0 {
		t.Errorf("Last() = %d after Reset", c.Last())
	}
	if _, ok := c.Tick(base.Add(5 * time.Second)); ok {
		t.Error("first tick after Reset should open a new window")
	}
}
