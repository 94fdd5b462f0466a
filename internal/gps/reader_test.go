package gps

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// scriptedPort replays a list of reads, then blocks until closed.
type scriptedPort struct {
	mu     sync.Mutex
	reads  []scriptedRead
	closed chan struct{}
	once   sync.Once
}

type scriptedRead struct {
	data string
	err  error
}

func newScriptedPort(reads ...scriptedRead) *scriptedPort {
	return &scriptedPort{reads: reads, closed: make(chan struct{})}
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.reads) > 0 {
		r := p.reads[0]
		p.reads = p.reads[1:]
		p.mu.Unlock()
		return copy(b, r.data), r.err
	}
	p.mu.Unlock()
	<-p.closed
	return 0, io.ErrClosedPipe
}

func (p *scriptedPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func waitForFix(t *testing.T, r *Reader, want func(Fix) bool) Fix {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fix, ok := r.Snapshot(); ok && want(fix) {
			return fix
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for fix")
	return Fix{}
}

func TestReader_FeedsAggregator(t *testing.T) {
	port := newScriptedPort(
		scriptedRead{data: nmeaLine("GPRMC,123519,A,1000.000,N,02000.000,E,5.0,084.4,230394,,") + "\r\n"},
		scriptedRead{data: "garbage\r\n"},
		scriptedRead{data: nmeaLine("GPGGA,123520,,,,,1,07,0.9,545.4,M,46.9,M,,") + "\r\n"},
	)
	r := NewReader(func() (io.ReadCloser, error) { return port, nil }, NewAggregator(), zerolog.Nop())
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer r.Stop()

	fix := waitForFix(t, r, func(f Fix) bool { return f.NumSatellites != nil })
	if !fix.Valid || *fix.Latitude != 10.0 || *fix.NumSatellites != 7 {
		t.Fatalf("unexpected fix %+v", fix)
	}
}

func TestReader_SurvivesReadErrorsAndKeepsPartialLines(t *testing.T) {
	line := nmeaLine("GPRMC,123519,A,1000.000,N,02000.000,E,5.0,084.4,230394,,") + "\r\n"
	port := newScriptedPort(
		scriptedRead{err: errors.New("device glitch")},
		scriptedRead{data: line[:20]},
		scriptedRead{}, // driver read timeout: (0, nil)
		scriptedRead{data: line[20:]},
	)
	r := NewReader(func() (io.ReadCloser, error) { return port, nil }, NewAggregator(), zerolog.Nop())
	r.backoff = time.Millisecond
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer r.Stop()

	fix := waitForFix(t, r, func(f Fix) bool { return f.Valid })
	if *fix.Longitude != 20.0 {
		t.Fatalf("lon=%v want 20.0", *fix.Longitude)
	}
}

func TestReader_DropsOverlongLines(t *testing.T) {
	good := nmeaLine("GPRMC,123519,A,1000.000,N,02000.000,E,5.0,084.4,230394,,")
	noise := strings.Repeat("\xff\x00", 50)
	reads := make([]scriptedRead, 0, 52)
	for i := 0; i < 50; i++ {
		reads = append(reads, scriptedRead{data: noise})
	}
	// The sentence glued to the noise belongs to the overlong line.
	reads = append(reads, scriptedRead{data: good + "\r\n"}, scriptedRead{data: good + "\r\n"})
	port := newScriptedPort(reads...)

	agg := NewAggregator()
	r := NewReader(func() (io.ReadCloser, error) { return port, nil }, agg, zerolog.Nop())
	r.backoff = time.Millisecond
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer r.Stop()

	waitForFix(t, r, func(f Fix) bool { return f.Valid })
	if st := agg.Stats(); st.Accepted != 1 || st.Ignored != 0 {
		t.Fatalf("stats=%+v want accepted=1 ignored=0", st)
	}
}

func TestReader_OpenFailureIsReported(t *testing.T) {
	openErr := errors.New("no such device")
	r := NewReader(func() (io.ReadCloser, error) { return nil, openErr }, NewAggregator(), zerolog.Nop())
	if err := r.Start(); !errors.Is(err, openErr) {
		t.Fatalf("err=%v want %v", err, openErr)
	}
	r.Stop()
}

func TestReader_StartStopIdempotent(t *testing.T) {
	opens := 0
	port := newScriptedPort()
	r := NewReader(func() (io.ReadCloser, error) {
		opens++
		return port, nil
	}, NewAggregator(), zerolog.Nop())

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if opens != 1 {
		t.Fatalf("opens=%d want 1", opens)
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop() did not return")
	}
	if _, ok := r.Snapshot(); ok {
		t.Fatalf("expected no snapshot")
	}
}

func TestReader_StopBeforeStart(t *testing.T) {
	r := NewReader(func() (io.ReadCloser, error) {
		t.Fatalf("open called after Stop")
		return nil, nil
	}, NewAggregator(), zerolog.Nop())
	r.Stop()
	if err := r.Start(); err != nil {
		t.Fatalf("Start() after Stop error: %v", err)
	}
}

func TestDemoSource_EmitsSentences(t *testing.T) {
	src := NewDemoSource(10 * time.Millisecond)
	r := NewReader(func() (io.ReadCloser, error) { return src, nil }, NewAggregator(), zerolog.Nop())
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer r.Stop()

	fix := waitForFix(t, r, func(f Fix) bool { return f.Valid && f.NumSatellites != nil })
	if *fix.FixQuality != 1 {
		t.Fatalf("fix quality=%d want 1", *fix.FixQuality)
	}
}
