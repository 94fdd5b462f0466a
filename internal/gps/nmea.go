package gps

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

const knotsToKmh = 1.852

// Outcome reports what Feed did with one line. Ignored lines never change
// the snapshot.
type Outcome struct {
	Accepted bool
	Type     string // Sentence type without talker, e.g. "RMC"
	Reason   string // Why the line was ignored
}

// AggregatorStats counts lines seen by an Aggregator.
type AggregatorStats struct {
	Accepted uint64 `json:"accepted"`
	Ignored  uint64 `json:"ignored"`
}

// Aggregator merges RMC and GGA sentences into the latest known Fix.
// Feed is expected to run on a single reader loop; Snapshot may be called
// from anywhere.
type Aggregator struct {
	mu    sync.Mutex
	state fixState

	last     atomic.Pointer[Fix]
	accepted atomic.Uint64
	ignored  atomic.Uint64
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Feed decodes one sentence and merges it into the current fix.
func (a *Aggregator) Feed(line string) Outcome {
	sent, err := parseSentence(line)
	if err != nil {
		return a.ignore(err.Error())
	}

	var d delta
	switch sent.Type {
	case nmea.TypeRMC:
		d, err = parseRMC(sent.Fields)
	case nmea.TypeGGA:
		d, err = parseGGA(sent.Fields)
	default:
		return a.ignore("unsupported sentence " + sent.Type)
	}
	if err != nil {
		return a.ignore(err.Error())
	}

	a.mu.Lock()
	a.state.merge(d)
	fix := a.state.fix()
	a.last.Store(&fix)
	a.mu.Unlock()

	a.accepted.Add(1)
	return Outcome{Accepted: true, Type: sent.Type}
}

// Snapshot returns a copy of the latest merged fix.
func (a *Aggregator) Snapshot() (Fix, bool) {
	p := a.last.Load()
	if p == nil {
		return Fix{}, false
	}
	return p.clone(), true
}

// Stats returns line counters.
func (a *Aggregator) Stats() AggregatorStats {
	return AggregatorStats{Accepted: a.accepted.Load(), Ignored: a.ignored.Load()}
}

func (a *Aggregator) ignore(reason string) Outcome {
	a.ignored.Add(1)
	return Outcome{Reason: reason}
}

type sentence struct {
	Type string
	// Fields excludes the talker+type field and the checksum.
	Fields []string
}

func parseSentence(line string) (sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return sentence{}, errors.New("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return sentence{}, errors.New("nmea: missing checksum")
	}
	payload := line[1:star]
	if ck := line[star+1:]; len(ck) != 2 || !strings.EqualFold(ck, nmea.Checksum(payload)) {
		return sentence{}, errors.New("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	// Accept GPxxx/GNxxx/GLxxx; the type is the last three characters.
	t := parts[0]
	if len(t) < 3 {
		return sentence{}, errors.New("nmea: short type")
	}
	return sentence{Type: strings.ToUpper(t[len(t)-3:]), Fields: parts[1:]}, nil
}

// delta carries the fields one sentence reported. Nil means absent.
type delta struct {
	timestamp *string
	lat       *float64
	lon       *float64
	speedKmh  *float64
	course    *float64
	quality   *int
	sats      *int
	active    *bool
}

// RMC: Recommended Minimum Specific GNSS Data
//
//	0: time (hhmmss.sss)
//	1: status (A=active, V=void)
//	2: latitude (ddmm.mmmm)
//	3: N/S
//	4: longitude (dddmm.mmmm)
//	5: E/W
//	6: speed over ground (knots)
//	7: course over ground (deg)
//	8: date (ddmmyy)
func parseRMC(f []string) (delta, error) {
	if len(f) < 9 {
		return delta{}, errors.New("rmc: short sentence")
	}
	var d delta
	var err error

	switch status := strings.TrimSpace(f[1]); status {
	case nmea.ValidRMC:
		d.active = ptr(true)
	case nmea.InvalidRMC:
		d.active = ptr(false)
	default:
		return delta{}, fmt.Errorf("rmc: bad status %q", status)
	}
	if d.timestamp, err = parseTimestamp(f[0], f[8]); err != nil {
		return delta{}, fmt.Errorf("rmc: %w", err)
	}
	if d.lat, err = parseCoord(f[2], f[3]); err != nil {
		return delta{}, fmt.Errorf("rmc: latitude: %w", err)
	}
	if d.lon, err = parseCoord(f[4], f[5]); err != nil {
		return delta{}, fmt.Errorf("rmc: longitude: %w", err)
	}
	knots, err := parseOptFloat(f[6])
	if err != nil {
		return delta{}, fmt.Errorf("rmc: speed: %w", err)
	}
	if knots != nil {
		d.speedKmh = ptr(*knots * knotsToKmh)
	}
	if d.course, err = parseOptFloat(f[7]); err != nil {
		return delta{}, fmt.Errorf("rmc: course: %w", err)
	}
	return d, nil
}

// GGA: Global Positioning System Fix Data
//
//	0: time
//	1: latitude
//	2: N/S
//	3: longitude
//	4: E/W
//	5: fix quality (0=invalid)
//	6: number of satellites
func parseGGA(f []string) (delta, error) {
	if len(f) < 7 {
		return delta{}, errors.New("gga: short sentence")
	}
	var d delta
	var err error
	if d.lat, err = parseCoord(f[1], f[2]); err != nil {
		return delta{}, fmt.Errorf("gga: latitude: %w", err)
	}
	if d.lon, err = parseCoord(f[3], f[4]); err != nil {
		return delta{}, fmt.Errorf("gga: longitude: %w", err)
	}
	if d.quality, err = parseOptInt(f[5]); err != nil {
		return delta{}, fmt.Errorf("gga: fix quality: %w", err)
	}
	if d.sats, err = parseOptInt(f[6]); err != nil {
		return delta{}, fmt.Errorf("gga: satellites: %w", err)
	}
	return d, nil
}

// fixState is the last observed value of every field plus whether it was
// ever observed.
type fixState struct {
	timestamp   string
	timestampOK bool
	lat, lon    float64
	latOK       bool
	lonOK       bool
	speedKmh    float64
	speedOK     bool
	course      float64
	courseOK    bool
	quality     int
	qualityOK   bool
	sats        int
	satsOK      bool
	active      bool
}

func (s *fixState) merge(d delta) {
	if d.timestamp != nil {
		s.timestamp, s.timestampOK = *d.timestamp, true
	}
	if d.lat != nil {
		s.lat, s.latOK = *d.lat, true
	}
	if d.lon != nil {
		s.lon, s.lonOK = *d.lon, true
	}
	if d.speedKmh != nil {
		s.speedKmh, s.speedOK = *d.speedKmh, true
	}
	if d.course != nil {
		s.course, s.courseOK = *d.course, true
	}
	if d.quality != nil {
		s.quality, s.qualityOK = *d.quality, true
	}
	if d.sats != nil {
		s.sats, s.satsOK = *d.sats, true
	}
	if d.active != nil {
		s.active = *d.active
	}
}

// fix allocates fresh pointers so published snapshots never alias state.
func (s *fixState) fix() Fix {
	out := Fix{
		Valid: s.active && s.latOK && s.lonOK && s.lat != 0 && s.lon != 0,
	}
	if s.timestampOK {
		out.Timestamp = ptr(s.timestamp)
	}
	if s.latOK {
		out.Latitude = ptr(s.lat)
	}
	if s.lonOK {
		out.Longitude = ptr(s.lon)
	}
	if s.speedOK {
		out.SpeedKmh = ptr(s.speedKmh)
	}
	if s.courseOK {
		out.CourseDeg = ptr(s.course)
	}
	if s.qualityOK {
		out.FixQuality = ptr(s.quality)
	}
	if s.satsOK {
		out.NumSatellites = ptr(s.sats)
	}
	return out
}

// parseTimestamp combines RMC time and date. Without a date only the time
// of day is kept.
func parseTimestamp(hhmmss, ddmmyy string) (*string, error) {
	t, err := nmea.ParseTime(strings.TrimSpace(hhmmss))
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	d, err := nmea.ParseDate(strings.TrimSpace(ddmmyy))
	if err != nil {
		return nil, err
	}
	if !d.Valid {
		s := fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
		return &s, nil
	}
	year := 2000 + d.YY
	if d.YY >= 70 {
		year = 1900 + d.YY
	}
	ts := time.Date(year, time.Month(d.MM), d.DD, t.Hour, t.Minute, t.Second,
		t.Millisecond*int(time.Millisecond), time.UTC)
	s := ts.Format(time.RFC3339Nano)
	return &s, nil
}

// parseCoord converts NMEA ddmm.mmmm plus hemisphere to decimal degrees.
// Both parts empty means the field is absent.
func parseCoord(raw, hemi string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	hemi = strings.ToUpper(strings.TrimSpace(hemi))
	if raw == "" && hemi == "" {
		return nil, nil
	}
	if raw == "" || hemi == "" {
		return nil, errors.New("incomplete coordinate")
	}
	v, err := nmea.ParseGPS(raw + " " + hemi)
	if err != nil {
		return nil, err
	}
	if err := checkFinite(v); err != nil {
		return nil, err
	}
	return &v, nil
}

func parseOptFloat(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if err := checkFinite(v); err != nil {
		return nil, err
	}
	return &v, nil
}

func parseOptInt(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// checkFinite rejects NaN and Inf, which strconv accepts but JSON cannot carry.
func checkFinite(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("non-finite value %v", v)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
