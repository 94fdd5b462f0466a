package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/edge-telemetry/internal/agent"
	"github.com/shaunagostinho/edge-telemetry/internal/config"
	"github.com/shaunagostinho/edge-telemetry/internal/gps"
	"github.com/shaunagostinho/edge-telemetry/internal/logger"
	"github.com/shaunagostinho/edge-telemetry/internal/retry"
	"github.com/shaunagostinho/edge-telemetry/internal/serialport"
	"github.com/shaunagostinho/edge-telemetry/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "/etc/edge-telemetry/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with simulated GPS data")
	url := flag.String("url", "", "Override collector base URL (e.g. http://collector:8000)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if *demo {
		cfg.GPS.Type = "demo"
	}
	if *url != "" {
		cfg.Telemetry.Sink.URL = *url
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	lg := logger.New(cfg.Logging)
	lg.Info().Str("gps", cfg.GPS.Type).Str("sink", cfg.Telemetry.Sink.Type).Msg("edge-agent starting")

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		lg.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error().Err(err).Msg("edge-agent exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, lg zerolog.Logger) error {
	sink, err := telemetry.NewSink(cfg.Telemetry.Sink, lg)
	if err != nil {
		return err
	}
	defer sink.Close()

	// Broker sinks connect in the background; events queue meanwhile.
	if c, ok := sink.(telemetry.Connector); ok {
		go retry.Connect(ctx, cfg.Telemetry.Sink.Type, c.Connect, retry.Policy{}, lg)
	}

	pub := telemetry.NewPublisher(sink, telemetry.Options{
		QueueSize:      cfg.Telemetry.QueueSize,
		RequestTimeout: cfg.RequestTimeout(),
	}, lg)
	pub.Start()
	defer pub.Stop()

	var open gps.OpenFunc
	switch cfg.GPS.Type {
	case "disabled":
		lg.Info().Msg("gps disabled, idling")
		<-ctx.Done()
		return nil
	case "demo":
		open = func() (io.ReadCloser, error) { return gps.NewDemoSource(time.Second), nil }
	default:
		open = func() (io.ReadCloser, error) {
			return serialport.Open(serialport.Config{
				PortPath:    cfg.GPS.PortPath,
				BaudRate:    cfg.GPS.BaudRate,
				Driver:      cfg.GPS.Driver,
				ReadTimeout: cfg.ReadTimeout(),
			})
		}
	}

	reader := gps.NewReader(open, gps.NewAggregator(), lg)
	if err := reader.Start(); err != nil {
		return err
	}
	defer reader.Stop()

	agent.RunGPSLoop(ctx, reader, pub, cfg.PublishPeriod(), lg)
	st := pub.Stats()
	lg.Info().Uint64("delivered", st.Delivered).Uint64("failed", st.Failed).
		Uint64("dropped", st.Dropped).Int("queued", st.Queued).Msg("publisher totals")
	return nil
}
