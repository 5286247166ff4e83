package telemetry

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// MQTTConfig configures the MQTT telemetry sink.
type MQTTConfig struct {
	Broker   string // host:port, "tcp://" is added when no scheme is given
	Topic    string // base topic, events go to <Topic>/fps and <Topic>/warn
	ClientID string // defaults to "streamer-<session>"
}

// Event is the msgpack payload published for every telemetry event.
type Event struct {
	Session   string         `msgpack:"session"`
	Kind      string         `msgpack:"kind"`
	Source    string         `msgpack:"source,omitempty"`
	FPS       int            `msgpack:"fps,omitempty"`
	Event     string         `msgpack:"event,omitempty"`
	Attrs     map[string]any `msgpack:"attrs,omitempty"`
	Timestamp int64          `msgpack:"ts"`
}

// MQTTSink publishes events to an MQTT broker with QoS 0.
//
// Publishing never waits on the delivery token: a slow or disconnected
// broker costs dropped events, not stalled capture.
type MQTTSink struct {
	client  mqtt.Client
	topic   string
	session string

	connected atomic.Bool
	published atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTSink connects to the broker and returns a ready sink.
// The first connection attempt is bounded by 5 seconds and is not retried;
// once connected the client reconnects automatically.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("telemetry: mqtt broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "streamer/telemetry"
	}

	s := &MQTTSink{
		topic:   strings.TrimSuffix(cfg.Topic, "/"),
		session: uuid.New().String(),
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "streamer-" + s.session[:8]
	}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		s.connected.Store(true)
		slog.Info("telemetry: mqtt connection established",
			"broker", broker,
			"client_id", cfg.ClientID,
			"session", s.session,
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.connected.Store(false)
		slog.Warn("telemetry: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
		)
	}

	s.client = mqtt.NewClient(opts)

	slog.Info("telemetry: connecting to mqtt broker", "broker", broker)

	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		s.client.Disconnect(0)
		return nil, fmt.Errorf("telemetry: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		s.client.Disconnect(0)
		return nil, fmt.Errorf("telemetry: mqtt connection failed: %w", err)
	}
	s.connected.Store(true)

	return s, nil
}

// Session returns the id attached to every event from this sink.
func (s *MQTTSink) Session() string { return s.session }

func (s *MQTTSink) FrameRate(source string, fps int) {
	s.publish("fps", Event{
		Session:   s.session,
		Kind:      "fps",
		Source:    source,
		FPS:       fps,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *MQTTSink) Warn(event string, attrs ...any) {
	s.publish("warn", Event{
		Session:   s.session,
		Kind:      "warn",
		Event:     event,
		Attrs:     attrMap(attrs),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *MQTTSink) publish(kind string, ev Event) {
	if !s.connected.Load() {
		s.errors.Add(1)
		return
	}

	payload, err := msgpack.Marshal(&ev)
	if err != nil {
		s.errors.Add(1)
		slog.Debug("telemetry: marshal failed", "kind", kind, "error", err)
		return
	}

	s.client.Publish(s.topic+"/"+kind, 0, false, payload)
	s.published.Add(1)
}

// Published returns the number of events handed to the client.
func (s *MQTTSink) Published() uint64 { return s.published.Load() }

// Errors returns the number of events dropped before publishing.
func (s *MQTTSink) Errors() uint64 { return s.errors.Load() }

// Close disconnects, allowing 250ms for in-flight messages.
func (s *MQTTSink) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.connected.Store(false)
	slog.Info("telemetry: mqtt sink closed",
		"published", s.published.Load(),
		"errors", s.errors.Load(),
	)
}

// attrMap folds slog-style alternating key/value pairs into a map.
// A dangling key gets a nil value; non-string keys are formatted.
func attrMap(attrs []any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]any, len(attrs)/2+1)
	for i := 0; i < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			key = fmt.Sprint(attrs[i])
		}
		var val any
		if i+1 < len(attrs) {
			val = attrs[i+1]
			switch v := val.(type) {
			case error:
				val = v.Error()
			case time.Duration:
				val = v.String()
			case fmt.Stringer:
				val = v.String()
			}
		}
		m[key] = val
	}
	return m
}
