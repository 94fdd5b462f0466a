// Package agent runs the edge-side loops that turn device state into
// telemetry events.
package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/edge-telemetry/internal/gps"
	"github.com/shaunagostinho/edge-telemetry/internal/telemetry"
)

// DefaultPeriod is the GPS publish interval used when none is given.
const DefaultPeriod = time.Second

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ev telemetry.Event)
}

// RunGPSLoop publishes the latest fix from src every period until ctx is
// cancelled. Ticks before the first fix publish nothing.
func RunGPSLoop(ctx context.Context, src gps.Source, pub Publisher, period time.Duration, log zerolog.Logger) {
	if period <= 0 {
		period = DefaultPeriod
	}
	log = log.With().Str("module", "gps-loop").Logger()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	log.Info().Dur("period", period).Msg("publishing GPS fixes")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fix, ok := src.Snapshot()
			if !ok {
				continue
			}
			pub.Publish(GPSEvent(fix, now))
		}
	}
}

// GPSEvent builds a gps event from fix. Unknown fields are JSON null.
func GPSEvent(fix gps.Fix, now time.Time) telemetry.Event {
	return telemetry.NewEvent(telemetry.KindGPS, now, map[string]any{
		"timestamp":      value(fix.Timestamp),
		"lat":            value(fix.Latitude),
		"lon":            value(fix.Longitude),
		"speed_kmh":      value(fix.SpeedKmh),
		"course_deg":     value(fix.CourseDeg),
		"fix_quality":    value(fix.FixQuality),
		"num_satellites": value(fix.NumSatellites),
		"valid":          fix.Valid,
	})
}

// value dereferences p, mapping nil to an untyped nil so it encodes as null.
func value[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
