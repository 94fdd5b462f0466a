package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordingSink keeps every delivered event and fails those of kind "bad".
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	if ev.Kind == "bad" {
		return errors.New("collector unavailable")
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) delivered() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// blockingSink blocks until the delivery context ends, or forever if
// ignoreCtx is set.
type blockingSink struct {
	ignoreCtx bool
	entered   chan struct{}
	once      sync.Once
}

func (s *blockingSink) Deliver(ctx context.Context, _ Event) error {
	s.once.Do(func() { close(s.entered) })
	if s.ignoreCtx {
		select {}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingSink) Close() error { return nil }

func ev(kind string, n int) Event {
	return NewEvent(kind, time.Unix(int64(n), 0), map[string]any{"n": n})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublisher_EvictsOldestWhenFull(t *testing.T) {
	p := NewPublisher(&recordingSink{}, Options{QueueSize: 2}, zerolog.Nop())
	p.Publish(ev("X", 1))
	p.Publish(ev("Y", 2))
	p.Publish(ev("Z", 3))

	pending := p.Pending()
	if len(pending) != 2 || pending[0].Kind != "Y" || pending[1].Kind != "Z" {
		t.Fatalf("pending=%+v want [Y Z]", pending)
	}
	if st := p.Stats(); st.Dropped != 1 || st.Queued != 2 || st.Published != 3 {
		t.Fatalf("stats=%+v want dropped=1 queued=2 published=3", st)
	}
}

func TestPublisher_PublishNeverBlocks(t *testing.T) {
	p := NewPublisher(&blockingSink{ignoreCtx: true, entered: make(chan struct{})}, Options{QueueSize: 5}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			p.Publish(ev(KindGPS, i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked")
	}

	pending := p.Pending()
	if len(pending) != 5 {
		t.Fatalf("pending=%d want 5", len(pending))
	}
	if n := pending[4].Payload["n"]; n != 9999 {
		t.Fatalf("newest pending n=%v want 9999", n)
	}
}

func TestPublisher_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, Options{QueueSize: 100}, zerolog.Nop())
	p.Start()
	defer p.Stop()

	for i := 0; i < 50; i++ {
		p.Publish(ev(KindGPS, i))
	}
	waitFor(t, "50 deliveries", func() bool { return len(sink.delivered()) == 50 })

	for i, got := range sink.delivered() {
		if got.Payload["n"] != i {
			t.Fatalf("delivery %d has n=%v", i, got.Payload["n"])
		}
	}
	if st := p.Stats(); st.Delivered != 50 || st.Queued != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestPublisher_FailedDeliveryIsDroppedAndWorkerContinues(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, Options{FailureBackoff: time.Millisecond}, zerolog.Nop())
	p.Start()
	defer p.Stop()

	p.Publish(ev("bad", 1))
	p.Publish(ev(KindGPS, 2))
	p.Publish(ev(KindGPS, 3))

	waitFor(t, "two deliveries", func() bool { return len(sink.delivered()) == 2 })
	got := sink.delivered()
	if got[0].Payload["n"] != 2 || got[1].Payload["n"] != 3 {
		t.Fatalf("delivered=%+v", got)
	}
	if st := p.Stats(); st.Failed != 1 {
		t.Fatalf("failed=%d want 1", st.Failed)
	}
}

func TestPublisher_StopCancelsInFlightDelivery(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{})}
	p := NewPublisher(sink, Options{RequestTimeout: time.Minute}, zerolog.Nop())
	p.Start()
	p.Publish(ev(KindGPS, 1))
	<-sink.entered

	start := time.Now()
	p.Stop()
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Stop took %v", d)
	}
}

func TestPublisher_StopIsBoundedWhenSinkIgnoresContext(t *testing.T) {
	sink := &blockingSink{ignoreCtx: true, entered: make(chan struct{})}
	p := NewPublisher(sink, Options{StopTimeout: 50 * time.Millisecond}, zerolog.Nop())
	p.Start()
	p.Publish(ev(KindGPS, 1))
	<-sink.entered

	start := time.Now()
	p.Stop()
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Stop took %v", d)
	}
}

func TestPublisher_StartStopIdempotent(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, Options{}, zerolog.Nop())
	p.Stop() // before Start
	p.Start()
	p.Start()
	p.Publish(ev(KindGPS, 1))

	time.Sleep(20 * time.Millisecond)
	if len(sink.delivered()) != 0 {
		t.Fatalf("worker ran after Stop")
	}
	if got := len(p.Pending()); got != 1 {
		t.Fatalf("pending=%d want 1", got)
	}
	p.Stop()
}

func TestPublisher_ConcurrentProducers(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, Options{QueueSize: 10000}, zerolog.Nop())
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.Publish(ev(fmt.Sprintf("w%d", w), i))
			}
		}(w)
	}
	wg.Wait()
	waitFor(t, "400 deliveries", func() bool { return len(sink.delivered()) == 400 })

	// Per-producer order survives interleaving.
	next := map[string]int{}
	for _, got := range sink.delivered() {
		if got.Payload["n"] != next[got.Kind] {
			t.Fatalf("%s: n=%v want %d", got.Kind, got.Payload["n"], next[got.Kind])
		}
		next[got.Kind]++
	}
}

func TestNewEvent_CopiesPayload(t *testing.T) {
	payload := map[string]any{"lat": 1.5}
	e := NewEvent(KindGPS, time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600)), payload)
	payload["lat"] = 2.5

	if e.Payload["lat"] != 1.5 {
		t.Fatalf("lat=%v want 1.5", e.Payload["lat"])
	}
	if e.TimestampISO != "2024-01-02T02:04:05Z" {
		t.Fatalf("timestamp=%s", e.TimestampISO)
	}
}
