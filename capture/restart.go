package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/streamer/telemetry"
)

// RestartConfig controls how a failed capture cycle is restarted.
type RestartConfig struct {
	MaxRetries    int           // consecutive failed restarts before giving up (default: 5)
	RetryDelay    time.Duration // initial backoff (default: 1 second)
	MaxRetryDelay time.Duration // backoff cap (default: 30 seconds)
}

// DefaultRestartConfig returns the default restart policy.
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// OpenFunc opens the capture device for a new cycle.
type OpenFunc func(ctx context.Context) (Device, error)

// Supervisor keeps a capture cycle running, reopening the device with
// exponential backoff when the cycle fails:
//   - Attempt 1: 1 second
//   - Attempt 2: 2 seconds
//   - Attempt 3: 4 seconds
//   - ...capped at MaxRetryDelay
//
// The retry counter resets once a restarted cycle has captured a frame.
// After MaxRetries consecutive failures Done is closed and Err reports why.
type Supervisor struct {
	open    OpenFunc
	cfg     Config
	restart RestartConfig
	sink    telemetry.Sink

	current  atomic.Pointer[Cycle]
	restarts atomic.Uint32
	last     atomic.Pointer[Stats]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	errMu  sync.Mutex
	err    error
}

// NewSupervisor validates its arguments; nothing is opened until Start.
func NewSupervisor(open OpenFunc, cfg Config, restart RestartConfig) (*Supervisor, error) {
	if open == nil {
		return nil, fmt.Errorf("capture: open function is required")
	}
	if restart.MaxRetries < 0 {
		return nil, fmt.Errorf("capture: invalid max retries %d", restart.MaxRetries)
	}
	if restart.RetryDelay <= 0 {
		restart.RetryDelay = time.Second
	}
	if restart.MaxRetryDelay < restart.RetryDelay {
		restart.MaxRetryDelay = restart.RetryDelay
	}

	return &Supervisor{
		open:    open,
		cfg:     cfg,
		restart: restart,
		sink:    telemetry.OrDiscard(cfg.Sink),
		done:    make(chan struct{}),
	}, nil
}

// Start opens the first cycle synchronously so that configuration errors
// surface immediately, then supervises it in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	c, err := s.startCycle(ctx)
	if err != nil {
		cancel()
		return err
	}
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx, c)

	return nil
}

func (s *Supervisor) startCycle(ctx context.Context) (*Cycle, error) {
	dev, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: open device: %w", err)
	}
	c, err := New(dev, s.cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		c.Stop()
		return nil, err
	}
	s.current.Store(c)
	return c, nil
}

func (s *Supervisor) run(ctx context.Context, c *Cycle) {
	defer s.wg.Done()
	defer close(s.done)

	retries := 0
	for {
		select {
		case <-ctx.Done():
			s.retire(c)
			return
		case <-c.Done():
		}

		err := c.Err()
		if c.Stats().FramesCaptured > 0 {
			retries = 0
		}
		s.retire(c)
		if err == nil {
			return
		}

		for {
			retries++
			n := s.restarts.Add(1)

			if retries > s.restart.MaxRetries {
				s.setErr(fmt.Errorf("capture: max restarts exceeded (%d attempts): %w", s.restart.MaxRetries, err))
				slog.Error("capture: giving up on capture device", "error", err, "restarts", n)
				s.sink.Warn("capture_gave_up", "error", err, "restarts", n)
				return
			}

			delay := backoff(retries, s.restart)
			slog.Warn("capture: restarting capture",
				"attempt", retries,
				"max_retries", s.restart.MaxRetries,
				"delay", delay,
				"error", err,
			)
			s.sink.Warn("capture_restart", "attempt", retries, "delay", delay, "error", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				slog.Info("capture: context cancelled during backoff")
				return
			}

			c, err = s.startCycle(ctx)
			if err == nil {
				break
			}
			slog.Error("capture: restart failed", "error", err)
		}
	}
}

// retire detaches c from readers and stops it.
func (s *Supervisor) retire(c *Cycle) {
	s.current.CompareAndSwap(c, nil)
	st := c.Stats()
	s.last.Store(&st)
	if err := c.Stop(); err != nil {
		slog.Debug("capture: stop after failure", "error", err)
	}
}

func (s *Supervisor) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// backoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func backoff(attempt int, cfg RestartConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// Acquire returns the latest frame of the running cycle, or nil while no
// cycle is up or nothing has been captured yet.
func (s *Supervisor) Acquire() *Frame {
	c := s.current.Load()
	if c == nil {
		return nil
	}
	return c.Acquire()
}

// Done is closed when supervision ends: after Stop, or after giving up.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Err returns the terminal error after the supervisor gave up.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stats returns statistics of the running cycle (or of the last one).
func (s *Supervisor) Stats() Stats {
	var st Stats
	if c := s.current.Load(); c != nil {
		st = c.Stats()
	} else if last := s.last.Load(); last != nil {
		st = *last
		st.Running = false
	}
	st.Restarts = s.restarts.Load()
	return st
}

// Stop ends supervision and stops the running cycle. Idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()

	timeout := s.cfg.DequeueTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout + 3*time.Second):
		slog.Warn("capture: supervisor stop timeout exceeded")
	}

	slog.Info("capture: supervisor stopped", "restarts", s.restarts.Load())
	return nil
}
