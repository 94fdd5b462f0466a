package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig configures an MQTTSink.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string // default telemetry/<ClientID>/events
	QoS      byte
	ClientID string
}

// DefaultMQTTTopic is the topic used when none is configured.
func DefaultMQTTTopic(deviceID string) string {
	if deviceID == "" {
		deviceID = "edge"
	}
	return "telemetry/" + deviceID + "/events"
}

// NewMQTTOptions returns the client options shared by the sink and the
// collector's MQTT ingest.
func NewMQTTOptions(broker, clientID string, log zerolog.Logger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", broker).Str("client_id", clientID).Msg("connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	return opts
}

// MQTTSink publishes each event as JSON to one MQTT topic.
type MQTTSink struct {
	cfg    MQTTConfig
	logger zerolog.Logger

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTSink creates an unconnected MQTTSink.
func NewMQTTSink(cfg MQTTConfig, log zerolog.Logger) *MQTTSink {
	if cfg.Broker == "" {
		cfg.Broker = "tcp://localhost:1883"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "edge"
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultMQTTTopic(cfg.ClientID)
	}
	return &MQTTSink{
		cfg:    cfg,
		logger: log.With().Str("module", "mqtt-sink").Logger(),
	}
}

// Topic returns the topic events are published to.
func (s *MQTTSink) Topic() string { return s.cfg.Topic }

// Connect dials the broker. It is safe to call again after a failure.
func (s *MQTTSink) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	client := mqtt.NewClient(NewMQTTOptions(s.cfg.Broker, s.cfg.ClientID+"-pub", s.logger))
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout connecting to mqtt broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", s.cfg.Broker, err)
	}
	s.client = client
	return nil
}

func (s *MQTTSink) Deliver(ctx context.Context, ev Event) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	token := client.Publish(s.cfg.Topic, s.cfg.QoS, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

func (s *MQTTSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	return nil
}
