// Package capture implements the capture buffer cycle: a fixed pool of
// device-mapped frame slots that rotate between the capture device and the
// renderer without copying pixel data.
//
// # Ownership
//
// Every slot is owned either by the device (queued, being filled) or by the
// consumer side (dequeued, possibly published). The capture goroutine is the
// only code that talks to the Device:
//
//	dequeue(timeout) ─▶ publish (atomic swap) ─▶ retire previous ─▶ re-enqueue
//	     ▲                                                              │
//	     └──────────────────────────────────────────────────────────────┘
//
// A retired slot is handed back to the device only when no reader holds a
// lease on it, so a frame returned by Acquire stays valid until Release.
//
// # Quick Start
//
//	dev, err := v4l2.Open("/dev/video1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cycle, err := capture.New(dev, capture.DefaultConfig(800, 600))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cycle.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer cycle.Stop()
//
//	// render loop
//	if f := cycle.Acquire(); f != nil {
//	    upload(f.Data)
//	    f.Release()
//	}
//
// # Failure handling
//
// Dequeue timeouts are logged and retried, transient I/O errors are retried
// silently. Any other device error ends the loop: Done is closed and Err
// reports the error wrapped in ErrFatalDevice. Supervisor restarts a failed
// cycle with exponential backoff.
//
// # Thread Safety
//
// Acquire, Frame.Release, Stats, Done and Err are safe from any goroutine.
// Start and Stop must not race each other. Stop must not be called while a
// render goroutine may still Acquire.
package capture
