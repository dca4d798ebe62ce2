package csvz

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Observability constants for the Sink.
const (
	// Metrics.
	SinkRowsTotal  = metricz.Key("sink.rows.total")
	SinkBytesTotal = metricz.Key("sink.bytes.total")
	SinkDurationMs = metricz.Key("sink.duration.ms")

	// Hook event keys.
	SinkEventClosed  = hookz.Key("sink.closed")
	SinkEventAborted = hookz.Key("sink.aborted")
)

const sinkBufferSize = 64 * 1024

// SinkStats is the bookkeeping of one sink.
type SinkStats struct {
	Started time.Time     // First write
	Rows    int64         // Rows written
	Bytes   int64         // Bytes written
	Elapsed time.Duration // Time since the first write, frozen at close
}

// SinkEvent is emitted via hookz when a sink is closed or aborted.
type SinkEvent struct {
	Name      Name
	Error     error // Abort cause
	Stats     SinkStats
	Timestamp time.Time
}

// Sink writes rows to an io.Writer as CSV. Rows are encoded with Encode and
// RawLine rows are written verbatim; a byte order mark is never written.
//
// A Sink owns its writer: Close and Abort close it when it is an io.Closer.
// Abort flushes what was already written before closing, so partial output
// survives a failed pipeline.
type Sink struct {
	w       io.Writer
	buf     *bufio.Writer
	clock   clockz.Clock
	metrics *metricz.Registry
	hooks   *hookz.Hooks[SinkEvent]
	err     error
	name    Name
	stats   SinkStats
	closed  bool
	mu      sync.Mutex
}

// NewSink creates a Sink writing to w.
func NewSink(name Name, w io.Writer) *Sink {
	metrics := metricz.New()
	metrics.Counter(SinkRowsTotal)
	metrics.Gauge(SinkBytesTotal)
	metrics.Gauge(SinkDurationMs)

	return &Sink{
		w:       w,
		buf:     bufio.NewWriterSize(w, sinkBufferSize),
		clock:   clockz.RealClock,
		metrics: metrics,
		hooks:   hookz.New[SinkEvent](),
		name:    name,
	}
}

// Name returns the name of this sink.
func (s *Sink) Name() Name {
	return s.name
}

// Write encodes and buffers one row. A failed write is sticky: every later
// call returns the same error.
func (s *Sink) Write(_ context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if errors.Is(s.err, ErrAborted) {
			return ErrAborted
		}
		return ErrClosed
	}
	if s.err != nil {
		return s.err
	}

	if s.stats.Started.IsZero() {
		s.stats.Started = s.clock.Now()
	}
	line, ok := rawLineOf(row)
	if !ok {
		line = RawLine(Encode(row))
	}
	n, err := s.buf.WriteString(string(line))
	s.stats.Bytes += int64(n)
	s.metrics.Gauge(SinkBytesTotal).Set(float64(s.stats.Bytes))
	if err != nil {
		s.err = wrapError(s.name, NewInput(row), err, s.clock.Since(s.stats.Started), s.clock.Now())
		return s.err
	}
	s.stats.Rows++
	s.metrics.Counter(SinkRowsTotal).Inc()
	return nil
}

// Drain writes every row of rows and flushes. An error from rows aborts the
// sink and is returned as is. Stopping early stops rows from being pulled.
func (s *Sink) Drain(ctx context.Context, rows Rows) error {
	for row, err := range rows {
		if err != nil {
			_ = s.Abort(err) //nolint:errcheck // the stream error wins
			return err
		}
		if err := ctx.Err(); err != nil {
			err = wrapError(s.name, Input{}, err, 0, s.clock.Now())
			_ = s.Abort(err) //nolint:errcheck // the context error wins
			return err
		}
		if err := s.Write(ctx, row); err != nil {
			return err
		}
	}
	return s.Flush()
}

// Flush pushes buffered rows to the writer.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *Sink) flush() error {
	if s.closed {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		if s.err == nil {
			s.err = wrapError(s.name, Input{}, err, s.clock.Since(s.stats.Started), s.clock.Now())
		}
		return s.err
	}
	return nil
}

// Close flushes and closes the sink. Calling Close again is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	err := s.flush()
	if cerr := s.closeWriter(); err == nil {
		err = cerr
	}
	stats := s.finish()
	s.mu.Unlock()

	_ = s.hooks.Emit(context.Background(), SinkEventClosed, SinkEvent{ //nolint:errcheck
		Name:      s.name,
		Error:     err,
		Stats:     stats,
		Timestamp: s.clock.Now(),
	})
	return err
}

// Abort stops the sink after a pipeline failure. Rows written so far are
// flushed; further writes fail with ErrAborted.
func (s *Sink) Abort(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	err := s.flush()
	if cerr := s.closeWriter(); err == nil {
		err = cerr
	}
	s.err = ErrAborted
	stats := s.finish()
	s.mu.Unlock()

	_ = s.hooks.Emit(context.Background(), SinkEventAborted, SinkEvent{ //nolint:errcheck
		Name:      s.name,
		Error:     cause,
		Stats:     stats,
		Timestamp: s.clock.Now(),
	})
	return err
}

func (s *Sink) closeWriter() error {
	if c, ok := s.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return wrapError(s.name, Input{}, err, 0, s.clock.Now())
		}
	}
	return nil
}

// finish freezes the stats. Callers hold s.mu.
func (s *Sink) finish() SinkStats {
	s.closed = true
	if !s.stats.Started.IsZero() {
		s.stats.Elapsed = s.clock.Since(s.stats.Started)
	}
	s.metrics.Gauge(SinkDurationMs).Set(float64(s.stats.Elapsed.Milliseconds()))
	return s.stats
}

// Stats returns the sink's bookkeeping. While the sink is open Elapsed is
// measured up to now.
func (s *Sink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	if !s.closed && !stats.Started.IsZero() {
		stats.Elapsed = s.clock.Since(stats.Started)
	}
	return stats
}

// Err returns the sticky write error, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WithClock sets a custom clock for testing.
func (s *Sink) WithClock(clock clockz.Clock) *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

// Metrics returns the metrics registry for this sink.
func (s *Sink) Metrics() *metricz.Registry {
	return s.metrics
}

// OnClosed registers a handler called asynchronously after Close.
func (s *Sink) OnClosed(handler func(context.Context, SinkEvent) error) error {
	_, err := s.hooks.Hook(SinkEventClosed, handler)
	return err
}

// OnAborted registers a handler called asynchronously after Abort.
func (s *Sink) OnAborted(handler func(context.Context, SinkEvent) error) error {
	_, err := s.hooks.Hook(SinkEventAborted, handler)
	return err
}
