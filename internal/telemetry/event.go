// Package telemetry carries timestamped events from the edge device to the
// collector through a bounded, non-blocking publisher.
package telemetry

import (
	"time"
)

// Well-known event kinds.
const (
	KindGPS         = "gps"
	KindRecognition = "recognition"
)

// Event is the unit sent over every transport. Treat it as immutable.
type Event struct {
	TimestampISO string         `json:"timestampIso" validate:"required"`
	Kind         string         `json:"kind" validate:"required"`
	Payload      map[string]any `json:"payload"`
}

// NewEvent stamps an event with ts in UTC. The payload map is copied.
func NewEvent(kind string, ts time.Time, payload map[string]any) Event {
	p := make(map[string]any, len(payload))
	for k, v := range payload {
		p[k] = v
	}
	return Event{
		TimestampISO: ts.UTC().Format(time.RFC3339Nano),
		Kind:         kind,
		Payload:      p,
	}
}
