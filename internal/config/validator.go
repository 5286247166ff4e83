package config

import (
	"fmt"

	"github.com/e7canasta/streamer/audio"
	"github.com/e7canasta/streamer/capture"
)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate video config
	switch cfg.Video.Backend {
	case "":
		cfg.Video.Backend = "v4l2"
	case "v4l2", "gstreamer":
	default:
		return fmt.Errorf("video.backend must be 'v4l2' or 'gstreamer', got '%s'", cfg.Video.Backend)
	}
	if cfg.Video.Device == "" {
		return fmt.Errorf("video.device is required")
	}
	if cfg.Video.Width == 0 && cfg.Video.Height == 0 {
		cfg.Video.Width, cfg.Video.Height = 800, 600
	}
	if cfg.Video.Width <= 0 || cfg.Video.Height <= 0 {
		return fmt.Errorf("video geometry must be > 0, got %dx%d", cfg.Video.Width, cfg.Video.Height)
	}
	if cfg.Video.FPS < 0 {
		return fmt.Errorf("video.fps must be >= 0")
	}
	if cfg.Video.Buffers == 0 {
		cfg.Video.Buffers = 4
	}
	if cfg.Video.Buffers < capture.MinBuffers || cfg.Video.Buffers > capture.MaxBuffers {
		return fmt.Errorf("video.buffers must be in [%d, %d], got %d",
			capture.MinBuffers, capture.MaxBuffers, cfg.Video.Buffers)
	}
	if cfg.Video.DequeueTimeoutMS <= 0 {
		cfg.Video.DequeueTimeoutMS = 2000
	}

	// Validate audio config
	def := audio.DefaultConfig()
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = def.SampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = def.Channels
	}
	if cfg.Audio.FramesPerBuffer == 0 {
		cfg.Audio.FramesPerBuffer = def.FramesPerBuffer
	}
	if cfg.Audio.RingCapacity == 0 {
		cfg.Audio.RingCapacity = def.RingCapacity
	}
	if cfg.Audio.ReadThreshold == 0 {
		cfg.Audio.ReadThreshold = def.ReadThreshold
	}
	if cfg.Audio.SampleRate < 0 || cfg.Audio.Channels < 0 || cfg.Audio.FramesPerBuffer < 0 {
		return fmt.Errorf("audio sample_rate, channels and frames_per_buffer must be > 0")
	}
	if cfg.Audio.RingCapacity < 2 {
		return fmt.Errorf("audio.ring_capacity must be >= 2, got %d", cfg.Audio.RingCapacity)
	}
	if cfg.Audio.ReadThreshold < 0 || cfg.Audio.ReadThreshold > cfg.Audio.RingCapacity {
		return fmt.Errorf("audio.read_threshold must be in [0, ring_capacity], got %d", cfg.Audio.ReadThreshold)
	}

	// Set default restart policy if not provided
	if cfg.Restart.MaxRetries == nil {
		n := capture.DefaultRestartConfig().MaxRetries
		cfg.Restart.MaxRetries = &n
	}
	if *cfg.Restart.MaxRetries < 0 {
		return fmt.Errorf("restart.max_retries must be >= 0")
	}
	if cfg.Restart.InitialDelayMS <= 0 {
		cfg.Restart.InitialDelayMS = 1000
	}
	if cfg.Restart.MaxDelayMS <= 0 {
		cfg.Restart.MaxDelayMS = 30000
	}
	if cfg.Restart.MaxDelayMS < cfg.Restart.InitialDelayMS {
		return fmt.Errorf("restart.max_delay_ms must be >= initial_delay_ms")
	}

	// Set default topic if MQTT is enabled
	if cfg.Telemetry.MQTT.Broker != "" && cfg.Telemetry.MQTT.Topic == "" {
		cfg.Telemetry.MQTT.Topic = "streamer/telemetry"
	}

	if cfg.Display.Title == "" {
		cfg.Display.Title = "streamer"
	}

	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got '%s'", cfg.Log.Level)
	}

	return nil
}
