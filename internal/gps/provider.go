package gps

// Source is anything that exposes the latest merged GPS fix.
type Source interface {
	// Snapshot returns the latest fix, or false if nothing was decoded yet.
	Snapshot() (Fix, bool)
}

// Fix holds a merged GPS fix. A nil field was never observed.
type Fix struct {
	Timestamp     *string  `json:"timestamp"`     // RFC3339 UTC, or hh:mm:ss when no date was seen
	Latitude      *float64 `json:"latitude"`      // Decimal degrees
	Longitude     *float64 `json:"longitude"`     // Decimal degrees
	SpeedKmh      *float64 `json:"speedKmh"`      // km/h
	CourseDeg     *float64 `json:"courseDeg"`     // Degrees true
	FixQuality    *int     `json:"fixQuality"`    // 0=none, 1=GPS, 2=DGPS
	NumSatellites *int     `json:"numSatellites"` // Sats in use
	Valid         bool     `json:"valid"`         // Active RMC status and a non-zero position
}

func (f Fix) clone() Fix {
	out := Fix{Valid: f.Valid}
	out.Timestamp = clonePtr(f.Timestamp)
	out.Latitude = clonePtr(f.Latitude)
	out.Longitude = clonePtr(f.Longitude)
	out.SpeedKmh = clonePtr(f.SpeedKmh)
	out.CourseDeg = clonePtr(f.CourseDeg)
	out.FixQuality = clonePtr(f.FixQuality)
	out.NumSatellites = clonePtr(f.NumSatellites)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
