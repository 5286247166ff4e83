package audio

// StreamConfig describes one engine stream.
type StreamConfig struct {
	Device          string // device name (substring match); empty selects the default
	Channels        int
	SampleRate      float64
	FramesPerBuffer int
}

// Stream is an opened engine stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Engine opens callback-driven audio streams. Callbacks run on the engine's
// real-time thread and receive interleaved float32 blocks.
type Engine interface {
	OpenInput(cfg StreamConfig, onBlock func(in []float32)) (Stream, error)
	OpenOutput(cfg StreamConfig, onBlock func(out []float32)) (Stream, error)
}
