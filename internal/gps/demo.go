package gps

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// NewDemoSource returns a stream of simulated RMC and GGA sentences, one
// pair per interval, driving in a circle. Closing it stops the generator.
func NewDemoSource(interval time.Duration) io.ReadCloser {
	if interval <= 0 {
		interval = time.Second
	}
	pr, pw := io.Pipe()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		t := 0.0
		for now := range ticker.C {
			t += 0.1
			for _, line := range demoSentences(now.UTC(), t) {
				if _, err := io.WriteString(pw, line); err != nil {
					return
				}
			}
		}
	}()
	return pr
}

func demoSentences(now time.Time, t float64) []string {
	// Simulate driving in a circle around a point
	centerLat := 43.6532 // Toronto
	centerLon := -79.3832
	radius := 0.005 // ~500m

	lat := centerLat + radius*math.Sin(t*0.1)
	lon := centerLon + radius*math.Cos(t*0.1)
	speedKn := (50 + 30*math.Sin(t*0.3) + rand.Float64()*5) / knotsToKmh
	heading := math.Mod(t*10, 360)

	latS, latH := formatCoord(lat, 2, "N", "S")
	lonS, lonH := formatCoord(lon, 3, "E", "W")
	hhmmss := now.Format("150405") + ".00"

	rmc := fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,%.1f,%.1f,%s,,,A",
		hhmmss, latS, latH, lonS, lonH, speedKn, heading, now.Format("020106"))
	gga := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,12,0.8,76.0,M,-34.0,M,,",
		hhmmss, latS, latH, lonS, lonH)
	return []string{frame(rmc), frame(gga)}
}

// frame wraps a payload as a checksummed sentence line.
func frame(payload string) string {
	return "$" + payload + "*" + nmea.Checksum(payload) + "\r\n"
}

// formatCoord renders decimal degrees as NMEA (d)ddmm.mmmm.
func formatCoord(v float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if v < 0 {
		hemi = neg
		v = -v
	}
	deg := math.Floor(v)
	min := (v - deg) * 60
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(deg), min), hemi
}
