// Package config loads the streamer configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/streamer/audio"
	"github.com/e7canasta/streamer/capture"
	"github.com/e7canasta/streamer/telemetry"
)

// Config represents the complete streamer configuration
type Config struct {
	Video     VideoConfig     `yaml:"video"`
	Audio     AudioConfig     `yaml:"audio"`
	Restart   RestartConfig   `yaml:"restart"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Display   DisplayConfig   `yaml:"display"`
	Log       LogConfig       `yaml:"log"`
}

// VideoConfig contains capture settings
type VideoConfig struct {
	Backend          string `yaml:"backend"` // v4l2, gstreamer
	Device           string `yaml:"device"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	FPS              int    `yaml:"fps"`     // gstreamer only, 0 = camera default
	Buffers          int    `yaml:"buffers"` // mapped slots (2-32)
	DequeueTimeoutMS int    `yaml:"dequeue_timeout_ms"`
}

// AudioConfig contains the audio passthrough settings
type AudioConfig struct {
	Enabled         bool    `yaml:"enabled"`
	InputDevice     string  `yaml:"input_device"` // name substring, "" = default
	OutputDevice    string  `yaml:"output_device"`
	SampleRate      float64 `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	FramesPerBuffer int     `yaml:"frames_per_buffer"`
	RingCapacity    int     `yaml:"ring_capacity"`  // samples
	ReadThreshold   int     `yaml:"read_threshold"` // samples buffered before playback
}

// RestartConfig contains the capture restart policy
type RestartConfig struct {
	MaxRetries     *int `yaml:"max_retries"` // nil = default, 0 = never restart
	InitialDelayMS int  `yaml:"initial_delay_ms"`
	MaxDelayMS     int  `yaml:"max_delay_ms"`
}

// TelemetryConfig contains observability sinks
type TelemetryConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// DisplayConfig contains window settings
type DisplayConfig struct {
	Title           string `yaml:"title"`
	LinearFiltering bool   `yaml:"linear_filtering"`
	Fullscreen      bool   `yaml:"fullscreen"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Video: VideoConfig{Device: "/dev/video1"},
		Audio: AudioConfig{Enabled: true},
	}
	// Defaults only; cannot fail.
	_ = Validate(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{
		Video: VideoConfig{Device: "/dev/video1"},
		Audio: AudioConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ParseGeometry parses "WIDTHxHEIGHT".
func ParseGeometry(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("geometry %q: want WIDTHxHEIGHT", s)
	}
	width, err = strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("geometry %q: invalid width", s)
	}
	height, err = strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("geometry %q: invalid height", s)
	}
	return width, height, nil
}

// CaptureConfig converts the video section; sink is attached as is.
func (c *Config) CaptureConfig(sink telemetry.Sink) capture.Config {
	cfg := capture.DefaultConfig(c.Video.Width, c.Video.Height)
	cfg.Buffers = c.Video.Buffers
	cfg.DequeueTimeout = time.Duration(c.Video.DequeueTimeoutMS) * time.Millisecond
	cfg.Sink = sink
	return cfg
}

// RestartPolicy converts the restart section.
func (c *Config) RestartPolicy() capture.RestartConfig {
	return capture.RestartConfig{
		MaxRetries:    *c.Restart.MaxRetries,
		RetryDelay:    time.Duration(c.Restart.InitialDelayMS) * time.Millisecond,
		MaxRetryDelay: time.Duration(c.Restart.MaxDelayMS) * time.Millisecond,
	}
}

// AudioTransport converts the audio section.
func (c *Config) AudioTransport() audio.Config {
	return audio.Config{
		InputDevice:     c.Audio.InputDevice,
		OutputDevice:    c.Audio.OutputDevice,
		SampleRate:      c.Audio.SampleRate,
		Channels:        c.Audio.Channels,
		FramesPerBuffer: c.Audio.FramesPerBuffer,
		RingCapacity:    c.Audio.RingCapacity,
		ReadThreshold:   c.Audio.ReadThreshold,
	}
}

// MQTTSink converts the telemetry.mqtt section.
func (c *Config) MQTTSink() telemetry.MQTTConfig {
	return telemetry.MQTTConfig{
		Broker:   c.Telemetry.MQTT.Broker,
		Topic:    c.Telemetry.MQTT.Topic,
		ClientID: c.Telemetry.MQTT.ClientID,
	}
}
