package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/edge-telemetry/internal/hub"
	"github.com/shaunagostinho/edge-telemetry/internal/telemetry"
)

// IngestConfig names the broker subscriptions feeding the hub. Empty
// addresses leave that transport disabled.
type IngestConfig struct {
	MQTTBroker  string
	MQTTTopic   string // may contain wildcards, e.g. telemetry/+/events
	MQTTQoS     byte
	NATSURL     string
	NATSSubject string
	ClientID    string
}

// Ingest accepts events published to MQTT or NATS by edge devices.
type Ingest struct {
	cfg      IngestConfig
	hub      *hub.Hub
	logger   zerolog.Logger
	validate *validator.Validate

	mu     sync.Mutex
	mqtt   mqtt.Client
	nats   *nats.Conn
	natSub *nats.Subscription
}

// NewIngest creates an Ingest delivering into h. Nothing is connected yet.
func NewIngest(cfg IngestConfig, h *hub.Hub, log zerolog.Logger) *Ingest {
	if cfg.MQTTTopic == "" {
		cfg.MQTTTopic = "telemetry/+/events"
	}
	if cfg.NATSSubject == "" {
		cfg.NATSSubject = telemetry.DefaultNATSSubject
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "collector"
	}
	return &Ingest{
		cfg:      cfg,
		hub:      h,
		logger:   log.With().Str("module", "ingest").Logger(),
		validate: validator.New(),
	}
}

// MQTTEnabled reports whether an MQTT broker is configured.
func (i *Ingest) MQTTEnabled() bool { return i.cfg.MQTTBroker != "" }

// NATSEnabled reports whether a NATS server is configured.
func (i *Ingest) NATSEnabled() bool { return i.cfg.NATSURL != "" }

// Handle decodes one message and passes it to the hub. Invalid messages are
// logged and dropped.
func (i *Ingest) Handle(source string, data []byte) error {
	ev, err := decodeEvent(i.validate, data)
	if err != nil {
		i.logger.Warn().Err(err).Str("source", source).Msg("dropped message")
		return err
	}
	i.hub.AcceptEvent(ev)
	return nil
}

// ConnectMQTT dials the broker and subscribes on every (re)connect.
func (i *Ingest) ConnectMQTT() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.mqtt != nil {
		return nil
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		i.Handle("mqtt:"+msg.Topic(), msg.Payload())
	}
	opts := telemetry.NewMQTTOptions(i.cfg.MQTTBroker, i.cfg.ClientID+"-ingest", i.logger)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(i.cfg.MQTTTopic, i.cfg.MQTTQoS, handler)
		go func() {
			if token.WaitTimeout(10*time.Second) && token.Error() == nil {
				i.logger.Info().Str("topic", i.cfg.MQTTTopic).Msg("subscribed")
				return
			}
			i.logger.Error().Err(token.Error()).Str("topic", i.cfg.MQTTTopic).Msg("subscribe failed")
		}()
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout connecting to mqtt broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", i.cfg.MQTTBroker, err)
	}
	i.mqtt = client
	return nil
}

// ConnectNATS dials the server and subscribes to the subject.
func (i *Ingest) ConnectNATS() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.nats != nil {
		return nil
	}

	nc, err := nats.Connect(i.cfg.NATSURL, telemetry.NATSOptions(i.cfg.ClientID+"-ingest", i.logger)...)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", i.cfg.NATSURL, err)
	}
	sub, err := nc.Subscribe(i.cfg.NATSSubject, func(m *nats.Msg) {
		i.Handle("nats:"+m.Subject, m.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe nats %s: %w", i.cfg.NATSSubject, err)
	}
	i.nats, i.natSub = nc, sub
	i.logger.Info().Str("subject", i.cfg.NATSSubject).Msg("subscribed")
	return nil
}

// Close drops both broker connections.
func (i *Ingest) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.mqtt != nil {
		i.mqtt.Disconnect(250)
		i.mqtt = nil
	}
	if i.natSub != nil {
		i.natSub.Unsubscribe()
		i.natSub = nil
	}
	if i.nats != nil {
		i.nats.Close()
		i.nats = nil
	}
}
