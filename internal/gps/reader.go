package gps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	readBackoff     = 100 * time.Millisecond
	readStopTimeout = 2 * time.Second
	// NMEA sentences are at most 82 chars; anything longer is line noise.
	maxLineLen = 256
)

var errReadTimeout = errors.New("gps: read timeout")

// OpenFunc opens the sentence stream, usually a serial port.
type OpenFunc func() (io.ReadCloser, error)

// Reader owns the serial read loop feeding an Aggregator.
type Reader struct {
	open   OpenFunc
	agg    *Aggregator
	logger zerolog.Logger

	backoff     time.Duration
	stopTimeout time.Duration

	mu      sync.Mutex
	port    io.ReadCloser
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// NewReader creates a Reader. The device is not opened until Start.
func NewReader(open OpenFunc, agg *Aggregator, logger zerolog.Logger) *Reader {
	return &Reader{
		open:        open,
		agg:         agg,
		logger:      logger.With().Str("module", "gps").Logger(),
		backoff:     readBackoff,
		stopTimeout: readStopTimeout,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start opens the device and launches the read loop. Failing to open is the
// only error Start reports; later read errors are retried in the loop.
func (r *Reader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return nil
	}
	port, err := r.open()
	if err != nil {
		return fmt.Errorf("gps: failed to open device: %w", err)
	}
	r.port = port
	r.started = true
	go r.loop(port)
	r.logger.Info().Msg("reader started")
	return nil
}

// Stop closes the device and waits a bounded time for the loop to exit.
func (r *Reader) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stop)
	port, started := r.port, r.started
	r.mu.Unlock()

	if !started {
		return
	}
	// Closing unblocks a Read parked in the driver.
	if err := port.Close(); err != nil {
		r.logger.Debug().Err(err).Msg("close device")
	}
	select {
	case <-r.done:
		r.logger.Info().Msg("reader stopped")
	case <-time.After(r.stopTimeout):
		r.logger.Warn().Dur("timeout", r.stopTimeout).Msg("reader did not stop in time")
	}
}

// Snapshot returns the aggregator's latest fix.
func (r *Reader) Snapshot() (Fix, bool) {
	return r.agg.Snapshot()
}

func (r *Reader) loop(port io.Reader) {
	defer close(r.done)

	br := bufio.NewReaderSize(timeoutReader{port}, 512)
	var pending strings.Builder
	// overflow is set while the rest of an overlong line is being skipped.
	overflow := false
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		chunk, err := br.ReadSlice('\n')
		if !overflow && pending.Len()+len(chunk) <= maxLineLen {
			pending.Write(chunk)
		} else {
			// Overlong line: drop everything up to its terminator.
			pending.Reset()
			overflow = err != nil
			if err == nil {
				r.logger.Trace().Msg("overlong line dropped")
				continue
			}
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			// Keep the partial line; the rest arrives after the timeout.
			if !errors.Is(err, errReadTimeout) {
				r.logger.Debug().Err(err).Msg("read failed, backing off")
			}
			select {
			case <-r.stop:
				return
			case <-time.After(r.backoff):
			}
			continue
		}

		line := pending.String()
		pending.Reset()
		if out := r.agg.Feed(line); !out.Accepted {
			r.logger.Trace().Str("reason", out.Reason).Msg("sentence ignored")
		}
	}
}

// timeoutReader turns the (0, nil) a serial driver returns on read timeout
// into an error so bufio does not spin on it.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, errReadTimeout
	}
	return n, err
}
