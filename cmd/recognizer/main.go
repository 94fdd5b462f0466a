package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/edge-telemetry/internal/config"
	"github.com/shaunagostinho/edge-telemetry/internal/logger"
	"github.com/shaunagostinho/edge-telemetry/internal/recognition"
	"github.com/shaunagostinho/edge-telemetry/internal/retry"
	"github.com/shaunagostinho/edge-telemetry/internal/telemetry"
)

const maxFrameBytes = 4 << 20

func main() {
	configPath := flag.String("config", "/etc/edge-telemetry/config.yaml", "Path to config file")
	knownPath := flag.String("known", "", "Override known faces YAML path")
	tolerance := flag.Float64("tolerance", 0, "Override match tolerance (lower is stricter)")
	url := flag.String("url", "", "Override collector base URL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if *knownPath != "" {
		cfg.Recognition.KnownFacesPath = *knownPath
	}
	if *tolerance > 0 {
		cfg.Recognition.Tolerance = *tolerance
	}
	if *url != "" {
		cfg.Telemetry.Sink.URL = *url
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	lg := logger.New(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		lg.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, os.Stdin, lg); err != nil {
		lg.Error().Err(err).Msg("recognizer exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, lg zerolog.Logger) error {
	known, err := recognition.LoadKnown(cfg.Recognition.KnownFacesPath)
	if err != nil {
		return err
	}
	lg.Info().Int("known", known.Len()).Float64("tolerance", cfg.Recognition.Tolerance).Msg("recognizer starting")

	sink, err := telemetry.NewSink(cfg.Telemetry.Sink, lg)
	if err != nil {
		return err
	}
	defer sink.Close()
	if c, ok := sink.(telemetry.Connector); ok {
		go retry.Connect(ctx, cfg.Telemetry.Sink.Type, c.Connect, retry.Policy{}, lg)
	}

	pub := telemetry.NewPublisher(sink, telemetry.Options{
		QueueSize:      cfg.Telemetry.QueueSize,
		RequestTimeout: cfg.RequestTimeout(),
	}, lg)
	pub.Start()
	defer pub.Stop()

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), maxFrameBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			lg.Warn().Err(err).Msg("detector input error")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lg.Info().Msg("detector input closed")
				drain(ctx, pub, cfg.RequestTimeout())
				return nil
			}
			if len(line) == 0 {
				continue
			}
			frame, err := recognition.DecodeFrame(line)
			if err != nil {
				lg.Debug().Err(err).Msg("skipping frame")
				continue
			}
			if len(frame.Faces) == 0 {
				continue
			}
			matches := known.MatchFrame(frame, cfg.Recognition.Tolerance)
			for _, m := range matches {
				lg.Debug().Str("name", m.Name).Bool("authorized", m.Authorized).Msg("face")
			}
			pub.Publish(recognition.RecognitionEvent(matches, time.Now()))
		}
	}
}

// drain gives queued events up to timeout to reach the sink.
func drain(ctx context.Context, pub *telemetry.Publisher, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := pub.Stats()
		if st.Delivered+st.Failed+st.Dropped >= st.Published {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
