// Package retry keeps trying a connection with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Policy bounds the backoff. Zero fields take the defaults.
type Policy struct {
	Initial     time.Duration // default 1s
	Max         time.Duration // default 60s
	MaxAttempts int           // attempts logged as n/MaxAttempts; default 10
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Max <= 0 {
		p.Max = 60 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	return p
}

// Connect calls connect until it succeeds or ctx is cancelled. The delay
// starts at Initial and doubles up to Max, then stays there indefinitely.
// It returns ctx.Err() if cancelled first.
func Connect(ctx context.Context, name string, connect func() error, p Policy, log zerolog.Logger) error {
	p = p.withDefaults()
	delay := p.Initial
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect()
		if err == nil {
			log.Info().Str("target", name).Int("attempt", attempt+1).Msg("connected")
			return nil
		}

		attempt++
		ev := log.Warn().Err(err).Str("target", name).Dur("retry_in", delay)
		if attempt <= p.MaxAttempts {
			ev.Msgf("connect attempt %d/%d failed", attempt, p.MaxAttempts)
		} else {
			ev.Msgf("connect attempt %d failed", attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.Max {
			delay = p.Max
		}
	}
}
