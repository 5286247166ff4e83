package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/e7canasta/streamer/capture"
	"github.com/e7canasta/streamer/internal/config"
	"github.com/e7canasta/streamer/internal/gstsrc"
	"github.com/e7canasta/streamer/internal/paengine"
	"github.com/e7canasta/streamer/internal/sdlview"
	"github.com/e7canasta/streamer/internal/v4l2"
	"github.com/e7canasta/streamer/pipeline"
	"github.com/e7canasta/streamer/telemetry"
)

func init() {
	// SDL must stay on the main thread.
	runtime.LockOSThread()
}

func main() {
	if err := run(); err != nil {
		slog.Error("streamer failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	videoDevice := flag.String("video-device", "", "Video capture device (overrides config)")
	audioDevice := flag.String("audio-device", "", "Audio input device name substring (overrides config)")
	geometry := flag.String("geometry", "", "Capture geometry WIDTHxHEIGHT (overrides config)")
	backend := flag.String("backend", "", "Capture backend: v4l2 or gstreamer (overrides config)")
	noAudio := flag.Bool("no-audio", false, "Disable audio passthrough")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if err := applyFlags(cfg, *videoDevice, *audioDevice, *geometry, *backend, *noAudio, *debug); err != nil {
		return err
	}

	// Setup structured logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	slog.Info("starting streamer",
		"config", *configPath,
		"backend", cfg.Video.Backend,
		"video_device", cfg.Video.Device,
		"geometry", fmt.Sprintf("%dx%d", cfg.Video.Width, cfg.Video.Height),
		"audio", cfg.Audio.Enabled,
	)

	sink, closeSink := buildSink(cfg, logger)
	defer closeSink()

	sup, err := capture.NewSupervisor(opener(cfg), cfg.CaptureConfig(sink), cfg.RestartPolicy())
	if err != nil {
		return err
	}

	view, err := sdlview.New(sdlview.Config{
		Title:           cfg.Display.Title,
		Width:           cfg.Video.Width,
		Height:          cfg.Video.Height,
		LinearFiltering: cfg.Display.LinearFiltering,
		Fullscreen:      cfg.Display.Fullscreen,
	})
	if err != nil {
		return err
	}
	defer view.Close()

	opts := pipeline.Options{
		Source:   sup,
		Uploader: view,
		Width:    cfg.Video.Width,
		Height:   cfg.Video.Height,
		Audio:    cfg.AudioTransport(),
		Sink:     sink,
	}

	if cfg.Audio.Enabled {
		engine, err := paengine.New()
		if err != nil {
			slog.Warn("audio engine unavailable, continuing without sound", "error", err)
		} else {
			defer engine.Close()
			opts.AudioEngine = engine
		}
	}

	p, err := pipeline.New(opts)
	if err != nil {
		return err
	}

	// Create context with cancellation for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		return err
	}

	runErr := p.Run(ctx, view)

	slog.Info("shutting down")
	if err := p.Stop(); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}

	st := p.Stats()
	slog.Info("streamer stopped",
		"frames_captured", st.Capture.FramesCaptured,
		"frames_skipped", st.Capture.FramesSkipped,
		"restarts", st.Capture.Restarts,
		"rendered", st.Rendered,
	)
	return runErr
}

func applyFlags(cfg *config.Config, videoDevice, audioDevice, geometry, backend string, noAudio, debug bool) error {
	if videoDevice != "" {
		cfg.Video.Device = videoDevice
	}
	if audioDevice != "" {
		cfg.Audio.InputDevice = audioDevice
	}
	if geometry != "" {
		w, h, err := config.ParseGeometry(geometry)
		if err != nil {
			return err
		}
		cfg.Video.Width, cfg.Video.Height = w, h
	}
	if backend != "" {
		cfg.Video.Backend = backend
	}
	if noAudio {
		cfg.Audio.Enabled = false
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	return config.Validate(cfg)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildSink logs telemetry and, when a broker is configured, publishes it
// over MQTT. An unreachable broker only disables MQTT.
func buildSink(cfg *config.Config, logger *slog.Logger) (telemetry.Sink, func()) {
	logSink := telemetry.NewLogSink(logger)
	if cfg.Telemetry.MQTT.Broker == "" {
		return logSink, func() {}
	}

	mq, err := telemetry.NewMQTTSink(cfg.MQTTSink())
	if err != nil {
		slog.Warn("mqtt telemetry disabled", "broker", cfg.Telemetry.MQTT.Broker, "error", err)
		return logSink, func() {}
	}
	return telemetry.Multi(logSink, mq), mq.Close
}

func opener(cfg *config.Config) capture.OpenFunc {
	path := cfg.Video.Device
	if cfg.Video.Backend == "gstreamer" {
		fps := cfg.Video.FPS
		return func(context.Context) (capture.Device, error) {
			dev, err := gstsrc.Open(path, fps)
			if err != nil {
				return nil, err
			}
			return dev, nil
		}
	}
	return func(context.Context) (capture.Device, error) {
		dev, err := v4l2.Open(path)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
}
