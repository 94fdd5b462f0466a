package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options tunes a Publisher. Zero fields take the defaults below.
type Options struct {
	QueueSize      int
	RequestTimeout time.Duration
	FailureBackoff time.Duration
	PollInterval   time.Duration
	StopTimeout    time.Duration
}

// DefaultOptions returns the publisher defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:      1000,
		RequestTimeout: 3 * time.Second,
		FailureBackoff: 200 * time.Millisecond,
		PollInterval:   500 * time.Millisecond,
		StopTimeout:    2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.FailureBackoff <= 0 {
		o.FailureBackoff = d.FailureBackoff
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	return o
}

// PublisherStats are cumulative counters plus the current queue depth.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// Publisher decouples producers from a slow or unavailable Sink. Publish
// only enqueues; a single worker delivers in order. Failed deliveries are
// dropped, not retried.
type Publisher struct {
	sink   Sink
	opts   Options
	queue  *eventQueue
	logger zerolog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPublisher creates a stopped Publisher delivering to sink.
func NewPublisher(sink Sink, opts Options, log zerolog.Logger) *Publisher {
	opts = opts.withDefaults()
	return &Publisher{
		sink:   sink,
		opts:   opts,
		queue:  newEventQueue(opts.QueueSize),
		logger: log.With().Str("module", "publisher").Logger(),
	}
}

// Publish enqueues ev without blocking. When the queue is full the oldest
// pending event is discarded to make room.
func (p *Publisher) Publish(ev Event) {
	p.published.Add(1)
	if p.queue.push(ev) {
		p.logger.Debug().Str("kind", ev.Kind).Msg("queue full, dropped oldest event")
	}
}

// Start launches the delivery worker. Calling it again, or after Stop, does
// nothing.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.logger.Info().Int("queue_size", p.opts.QueueSize).Msg("started")
}

// Stop halts the worker, aborting an in-flight delivery, and waits at most
// StopTimeout for it to exit. Undelivered events stay queued.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
		p.logger.Info().Int("pending", p.queue.len()).Msg("stopped")
	case <-time.After(p.opts.StopTimeout):
		p.logger.Warn().Dur("timeout", p.opts.StopTimeout).Msg("worker did not exit in time")
	}
}

// Pending returns the queued events, oldest first.
func (p *Publisher) Pending() []Event {
	return p.queue.snapshot()
}

// Stats returns the current counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Delivered: p.delivered.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.queue.evictions(),
		Queued:    p.queue.len(),
	}
}

func (p *Publisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		ev, ok := p.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.queue.ready:
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
		err := p.sink.Deliver(reqCtx, ev)
		cancel()
		if err == nil {
			p.delivered.Add(1)
			continue
		}

		p.failed.Add(1)
		p.logger.Warn().Err(err).Str("kind", ev.Kind).Msg("delivery failed, event dropped")
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.FailureBackoff):
		}
	}
}
