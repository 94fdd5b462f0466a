package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/edge-telemetry/internal/config"
	"github.com/shaunagostinho/edge-telemetry/internal/hub"
	"github.com/shaunagostinho/edge-telemetry/internal/logger"
	"github.com/shaunagostinho/edge-telemetry/internal/retry"
	"github.com/shaunagostinho/edge-telemetry/internal/server"
	"github.com/shaunagostinho/edge-telemetry/web"
)

func main() {
	configPath := flag.String("config", "/etc/edge-telemetry/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8000)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if *listenAddr != "" {
		cfg.Collector.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	lg := logger.New(cfg.Logging)
	lg.Info().Int("ring_size", cfg.Collector.RingSize).Msg("collector starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		lg.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	h := hub.New(cfg.Collector.RingSize, lg)

	ingest := server.NewIngest(server.IngestConfig{
		MQTTBroker:  cfg.Collector.MQTTBroker,
		MQTTTopic:   cfg.Collector.MQTTTopic,
		NATSURL:     cfg.Collector.NATSURL,
		NATSSubject: cfg.Collector.NATSSubject,
	}, h, lg)
	defer ingest.Close()
	if ingest.MQTTEnabled() {
		go retry.Connect(ctx, "mqtt", ingest.ConnectMQTT, retry.Policy{}, lg)
	}
	if ingest.NATSEnabled() {
		go retry.Connect(ctx, "nats", ingest.ConnectNATS, retry.Policy{}, lg)
	}

	srv := server.New(server.Config{ListenAddr: cfg.Collector.ListenAddr, WebFS: web.FS}, h, lg)
	if err := srv.Run(ctx); err != nil {
		lg.Error().Err(err).Msg("server exited")
		ingest.Close()
		os.Exit(1)
	}
}
