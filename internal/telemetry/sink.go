package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrStatus wraps a non-2xx response from the collector.
	ErrStatus = errors.New("telemetry: unexpected status")
	// ErrNotConnected is returned by broker sinks before Connect succeeds.
	ErrNotConnected = errors.New("telemetry: sink not connected")
	// ErrUnknownSink is returned by NewSink for an unsupported type.
	ErrUnknownSink = errors.New("telemetry: unknown sink type")
)

// Sink delivers one event to a remote endpoint. Deliver must honour ctx.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
	Close() error
}

// Connector is implemented by sinks that hold a broker connection which the
// caller establishes (and may retry) after construction.
type Connector interface {
	Connect() error
}

// Sink types accepted by NewSink.
const (
	SinkHTTP = "http"
	SinkMQTT = "mqtt"
	SinkNATS = "nats"
)

// SinkConfig selects and configures a sink.
type SinkConfig struct {
	Type        string `yaml:"type" json:"type"` // "http", "mqtt" or "nats"
	URL         string `yaml:"url" json:"url"`   // collector base URL for http
	MQTTBroker  string `yaml:"mqtt_broker" json:"mqttBroker"`
	MQTTTopic   string `yaml:"mqtt_topic" json:"mqttTopic"`
	MQTTQoS     byte   `yaml:"mqtt_qos" json:"mqttQos"`
	NATSURL     string `yaml:"nats_url" json:"natsUrl"`
	NATSSubject string `yaml:"nats_subject" json:"natsSubject"`
	DeviceID    string `yaml:"device_id" json:"deviceId"`
}

// NewSink builds the sink named by cfg.Type. Broker sinks are returned
// unconnected; see Connector.
func NewSink(cfg SinkConfig, log zerolog.Logger) (Sink, error) {
	switch strings.ToLower(cfg.Type) {
	case "", SinkHTTP:
		if cfg.URL == "" {
			return nil, errors.New("telemetry: http sink requires a url")
		}
		return NewHTTPSink(cfg.URL, nil), nil
	case SinkMQTT:
		return NewMQTTSink(MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			QoS:      cfg.MQTTQoS,
			ClientID: cfg.DeviceID,
		}, log), nil
	case SinkNATS:
		return NewNATSSink(NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Name:    cfg.DeviceID,
		}, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, cfg.Type)
	}
}

// maxDrainBytes caps how much of a response body is read before closing.
const maxDrainBytes = 64 << 10

// HTTPSink POSTs each event as JSON to <baseURL>/api/events.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates an HTTPSink. A nil client uses http.DefaultClient;
// request deadlines come from the Deliver context.
func NewHTTPSink(baseURL string, client *http.Client) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{
		url:    strings.TrimRight(baseURL, "/") + "/api/events",
		client: client,
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry: post %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d from %s", ErrStatus, resp.StatusCode, s.url)
	}
	return nil
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
