// Package telemetry carries the out-of-band observations of the streamer:
// capture and render frame rates once per second, and warning events such as
// format mismatches, dequeue timeouts, restarts and audio underruns.
//
// Sinks are fire-and-forget. A sink must never block the capture goroutine or
// the audio callbacks that report through it.
package telemetry

import (
	"log/slog"
)

// Sink receives telemetry events.
type Sink interface {
	// FrameRate reports the number of frames observed by source during the
	// last one-second window.
	FrameRate(source string, fps int)

	// Warn reports a named warning event with slog-style key/value attrs.
	Warn(event string, attrs ...any)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) FrameRate(string, int) {}
func (discard) Warn(string, ...any)   {}

// LogSink writes events through a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink backed by logger (slog.Default() when nil).
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) FrameRate(source string, fps int) {
	s.logger.Info("telemetry: frame rate", "source", source, "fps", fps)
}

func (s *LogSink) Warn(event string, attrs ...any) {
	s.logger.Warn("telemetry: "+event, attrs...)
}

// Multi fans events out to every non-nil sink, in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) FrameRate(source string, fps int) {
	for _, s := range m {
		s.FrameRate(source, fps)
	}
}

func (m multi) Warn(event string, attrs ...any) {
	for _, s := range m {
		s.Warn(event, attrs...)
	}
}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}
