// Package paengine implements audio.Engine on top of PortAudio.
package paengine

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/e7canasta/streamer/audio"
)

var _ audio.Engine = (*Engine)(nil)

// Engine owns the PortAudio library lifetime. Create one per process.
type Engine struct {
	inputOverflows   atomic.Uint64
	outputUnderflows atomic.Uint64
}

// New initializes PortAudio.
func New() (*Engine, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("paengine: initialize portaudio: %w", err)
	}
	slog.Debug("paengine: portaudio initialized", "version", portaudio.VersionText())
	return &Engine{}, nil
}

// OpenInput opens a capture stream on the first input device whose name
// contains cfg.Device, or on the default input device when it is empty.
func (e *Engine) OpenInput(cfg audio.StreamConfig, onBlock func(in []float32)) (audio.Stream, error) {
	dev, err := inputDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  latencyOrDefault(dev.DefaultLowInputLatency),
		},
		SampleRate:      cfg.SampleRate,
		FramesPerBuffer: cfg.FramesPerBuffer,
	}

	cb := func(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags&portaudio.InputOverflow != 0 {
			e.inputOverflows.Add(1)
		}
		onBlock(in)
	}

	s, err := portaudio.OpenStream(params, cb)
	if err != nil {
		return nil, fmt.Errorf("paengine: open input %q: %w", dev.Name, err)
	}

	slog.Info("paengine: input stream opened",
		"device", dev.Name,
		"channels", cfg.Channels,
		"sample_rate", cfg.SampleRate,
		"latency", dev.DefaultLowInputLatency,
	)
	return s, nil
}

// OpenOutput opens a playback stream, selected like OpenInput.
func (e *Engine) OpenOutput(cfg audio.StreamConfig, onBlock func(out []float32)) (audio.Stream, error) {
	dev, err := outputDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  latencyOrDefault(dev.DefaultLowOutputLatency),
		},
		SampleRate:      cfg.SampleRate,
		FramesPerBuffer: cfg.FramesPerBuffer,
	}

	cb := func(out []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags&portaudio.OutputUnderflow != 0 {
			e.outputUnderflows.Add(1)
		}
		onBlock(out)
	}

	s, err := portaudio.OpenStream(params, cb)
	if err != nil {
		return nil, fmt.Errorf("paengine: open output %q: %w", dev.Name, err)
	}

	slog.Info("paengine: output stream opened",
		"device", dev.Name,
		"channels", cfg.Channels,
		"sample_rate", cfg.SampleRate,
		"latency", dev.DefaultLowOutputLatency,
	)
	return s, nil
}

// XRuns returns the input overflows and output underflows PortAudio
// reported through callback flags.
func (e *Engine) XRuns() (inputOverflows, outputUnderflows uint64) {
	return e.inputOverflows.Load(), e.outputUnderflows.Load()
}

// Close terminates PortAudio. Streams must be closed first.
func (e *Engine) Close() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("paengine: terminate portaudio: %w", err)
	}
	in, out := e.XRuns()
	slog.Debug("paengine: portaudio terminated", "input_overflows", in, "output_underflows", out)
	return nil
}

func inputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" || name == "default" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("paengine: default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("paengine: list devices: %w", err)
	}
	dev := matchDevice(devices, name, true)
	if dev == nil {
		return nil, fmt.Errorf("paengine: no input device matching %q", name)
	}
	return dev, nil
}

func outputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" || name == "default" {
		dev, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("paengine: default output device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("paengine: list devices: %w", err)
	}
	dev := matchDevice(devices, name, false)
	if dev == nil {
		return nil, fmt.Errorf("paengine: no output device matching %q", name)
	}
	return dev, nil
}

// matchDevice returns the first device whose name contains name
// (case-insensitive) and that has channels in the wanted direction.
func matchDevice(devices []*portaudio.DeviceInfo, name string, input bool) *portaudio.DeviceInfo {
	want := strings.ToLower(name)
	for _, d := range devices {
		if d == nil {
			continue
		}
		if input && d.MaxInputChannels == 0 || !input && d.MaxOutputChannels == 0 {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), want) {
			return d
		}
	}
	return nil
}

// latencyOrDefault is used when a device reports no low latency figure.
func latencyOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Millisecond
	}
	return d
}
