// Package config loads the shared YAML configuration for the edge agent,
// the collector and the recognizer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/edge-telemetry/internal/logger"
	"github.com/shaunagostinho/edge-telemetry/internal/telemetry"
)

// Config holds all configuration.
type Config struct {
	GPS         GPSConfig         `yaml:"gps" json:"gps"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Collector   CollectorConfig   `yaml:"collector" json:"collector"`
	Recognition RecognitionConfig `yaml:"recognition" json:"recognition"`
	Logging     logger.Config     `yaml:"logging" json:"logging"`

	path string // file path the config was loaded from
}

type GPSConfig struct {
	Type            string `yaml:"type" json:"type"`          // "nmea", "demo" or "disabled"
	PortPath        string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate        int    `yaml:"baud_rate" json:"baudRate"`
	Driver          string `yaml:"driver" json:"driver"` // "bugst" or "jacobsa"
	ReadTimeoutMs   int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	PublishPeriodMs int    `yaml:"publish_period_ms" json:"publishPeriodMs"`
}

// TelemetryConfig configures the edge publisher and its sink.
type TelemetryConfig struct {
	Sink             telemetry.SinkConfig `yaml:"sink" json:"sink"`
	QueueSize        int                  `yaml:"queue_size" json:"queueSize"`
	RequestTimeoutMs int                  `yaml:"request_timeout_ms" json:"requestTimeoutMs"`
}

// CollectorConfig configures the collector. Broker ingest is enabled by
// setting the broker address or NATS URL.
type CollectorConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	RingSize    int    `yaml:"ring_size" json:"ringSize"`
	MQTTBroker  string `yaml:"mqtt_broker" json:"mqttBroker"`
	MQTTTopic   string `yaml:"mqtt_topic" json:"mqttTopic"`
	NATSURL     string `yaml:"nats_url" json:"natsUrl"`
	NATSSubject string `yaml:"nats_subject" json:"natsSubject"`
}

type RecognitionConfig struct {
	KnownFacesPath string  `yaml:"known_faces_path" json:"knownFacesPath"`
	Tolerance      float64 `yaml:"tolerance" json:"tolerance"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GPS: GPSConfig{
			Type:            "nmea",
			PortPath:        "/dev/serial0",
			BaudRate:        9600,
			Driver:          "bugst",
			ReadTimeoutMs:   1000,
			PublishPeriodMs: 1000,
		},
		Telemetry: TelemetryConfig{
			Sink: telemetry.SinkConfig{
				Type:        telemetry.SinkHTTP,
				URL:         "http://localhost:8000",
				MQTTBroker:  "tcp://localhost:1883",
				NATSURL:     "nats://127.0.0.1:4222",
				NATSSubject: telemetry.DefaultNATSSubject,
				DeviceID:    "edge-1",
			},
			QueueSize:        1000,
			RequestTimeoutMs: 3000,
		},
		Collector: CollectorConfig{
			ListenAddr:  ":8000",
			RingSize:    500,
			MQTTTopic:   "telemetry/+/events",
			NATSSubject: telemetry.DefaultNATSSubject,
		},
		Recognition: RecognitionConfig{
			KnownFacesPath: "known_faces.yaml",
			Tolerance:      0.5,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. A missing file yields the defaults; a malformed one is
// an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) || path == "":
		log.Info().Str("path", path).Msg("no config file, using defaults")
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{".env"}
	if path != "" {
		envPaths = append([]string{filepath.Join(filepath.Dir(path), ".env")}, envPaths...)
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() error {
	str := func(key string, dst ...*string) {
		if v := os.Getenv(key); v != "" {
			for _, d := range dst {
				*d = v
			}
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q: %w", key, v, err))
			return
		}
		*dst = n
	}

	str("GPS_TYPE", &c.GPS.Type)
	str("GPS_PORT", &c.GPS.PortPath)
	num("GPS_BAUD", &c.GPS.BaudRate)
	str("GPS_DRIVER", &c.GPS.Driver)
	num("PUBLISH_PERIOD_MS", &c.GPS.PublishPeriodMs)

	str("SINK_TYPE", &c.Telemetry.Sink.Type)
	str("TELEMETRY_URL", &c.Telemetry.Sink.URL)
	str("MQTT_BROKER", &c.Telemetry.Sink.MQTTBroker, &c.Collector.MQTTBroker)
	str("MQTT_TOPIC", &c.Telemetry.Sink.MQTTTopic, &c.Collector.MQTTTopic)
	str("NATS_URL", &c.Telemetry.Sink.NATSURL, &c.Collector.NATSURL)
	str("NATS_SUBJECT", &c.Telemetry.Sink.NATSSubject, &c.Collector.NATSSubject)
	str("DEVICE_ID", &c.Telemetry.Sink.DeviceID)
	num("QUEUE_SIZE", &c.Telemetry.QueueSize)

	str("LISTEN_ADDR", &c.Collector.ListenAddr)
	num("RING_SIZE", &c.Collector.RingSize)

	str("KNOWN_FACES", &c.Recognition.KnownFacesPath)
	if v := os.Getenv("FACE_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: FACE_TOLERANCE=%q: %w", v, err))
		} else {
			c.Recognition.Tolerance = f
		}
	}

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	return errors.Join(errs...)
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.GPS.Type {
	case "nmea", "demo", "disabled":
	default:
		errs = append(errs, fmt.Errorf("gps.type %q: want nmea, demo or disabled", c.GPS.Type))
	}
	if c.GPS.Type == "nmea" && c.GPS.PortPath == "" {
		errs = append(errs, errors.New("gps.port_path is required for nmea"))
	}
	if c.GPS.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("gps.baud_rate %d must be positive", c.GPS.BaudRate))
	}
	if c.GPS.PublishPeriodMs <= 0 {
		errs = append(errs, fmt.Errorf("gps.publish_period_ms %d must be positive", c.GPS.PublishPeriodMs))
	}
	switch strings.ToLower(c.Telemetry.Sink.Type) {
	case telemetry.SinkHTTP, telemetry.SinkMQTT, telemetry.SinkNATS:
	default:
		errs = append(errs, fmt.Errorf("telemetry.sink.type %q: want http, mqtt or nats", c.Telemetry.Sink.Type))
	}
	if c.Telemetry.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.queue_size %d must be positive", c.Telemetry.QueueSize))
	}
	if c.Telemetry.RequestTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.request_timeout_ms %d must be positive", c.Telemetry.RequestTimeoutMs))
	}
	if c.Collector.RingSize <= 0 {
		errs = append(errs, fmt.Errorf("collector.ring_size %d must be positive", c.Collector.RingSize))
	}
	if c.Recognition.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("recognition.tolerance %v must be positive", c.Recognition.Tolerance))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// PublishPeriod is GPS.PublishPeriodMs as a duration.
func (c *Config) PublishPeriod() time.Duration {
	return time.Duration(c.GPS.PublishPeriodMs) * time.Millisecond
}

// ReadTimeout is GPS.ReadTimeoutMs as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.GPS.ReadTimeoutMs) * time.Millisecond
}

// RequestTimeout is Telemetry.RequestTimeoutMs as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Telemetry.RequestTimeoutMs) * time.Millisecond
}
