package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultNATSSubject is the subject used when none is configured.
const DefaultNATSSubject = "telemetry.events"

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	URL     string
	Subject string
	Name    string
}

// NATSOptions returns the connection options shared by the sink and the
// collector's NATS ingest.
func NATSOptions(name string, log zerolog.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
}

// NATSSink publishes each event as JSON to one NATS subject and flushes
// before returning.
type NATSSink struct {
	cfg    NATSConfig
	logger zerolog.Logger

	mu   sync.Mutex
	conn *nats.Conn
}

// NewNATSSink creates an unconnected NATSSink.
func NewNATSSink(cfg NATSConfig, log zerolog.Logger) *NATSSink {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultNATSSubject
	}
	if cfg.Name == "" {
		cfg.Name = "edge"
	}
	return &NATSSink{
		cfg:    cfg,
		logger: log.With().Str("module", "nats-sink").Logger(),
	}
}

// Subject returns the subject events are published to.
func (s *NATSSink) Subject() string { return s.cfg.Subject }

// Connect dials the server. It is safe to call again after a failure.
func (s *NATSSink) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	nc, err := nats.Connect(s.cfg.URL, NATSOptions(s.cfg.Name, s.logger)...)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", s.cfg.URL, err)
	}
	s.conn = nc
	s.logger.Info().Str("url", s.cfg.URL).Str("subject", s.cfg.Subject).Msg("connected")
	return nil
}

func (s *NATSSink) Deliver(ctx context.Context, ev Event) error {
	s.mu.Lock()
	nc := s.conn
	s.mu.Unlock()
	if nc == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	if err := nc.Publish(s.cfg.Subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.cfg.Subject, err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}
