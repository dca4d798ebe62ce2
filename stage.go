package csvz

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Stage.
const (
	// Metrics.
	StageRowsInTotal      = metricz.Key("stage.rows.in.total")
	StageRowsOutTotal     = metricz.Key("stage.rows.out.total")
	StageInvocationsTotal = metricz.Key("stage.invocations.total")
	StageFailuresTotal    = metricz.Key("stage.failures.total")
	StageRecoveredTotal   = metricz.Key("stage.recovered.total")
	StageSkippedTotal     = metricz.Key("stage.skipped.total")
	StageGroupSize        = metricz.Key("stage.group.size")
	StageGroupDurationMs  = metricz.Key("stage.group.duration.ms")

	// Spans.
	StageGroupSpan      = tracez.Key("stage.group")
	StageInvocationSpan = tracez.Key("stage.invocation")

	// Tags.
	StageTagGroupSize = tracez.Tag("stage.group_size")
	StageTagRows      = tracez.Tag("stage.rows")
	StageTagBatch     = tracez.Tag("stage.batch")
	StageTagHeader    = tracez.Tag("stage.header")
	StageTagSuccess   = tracez.Tag("stage.success")
	StageTagError     = tracez.Tag("stage.error")

	// Hook event keys.
	StageEventInvoked   = hookz.Key("stage.invoked")
	StageEventRecovered = hookz.Key("stage.recovered")
	StageEventFailed    = hookz.Key("stage.failed")
	StageEventFlushed   = hookz.Key("stage.flushed")
)

// StageEvent is emitted via hookz when an invocation finishes, when OnError
// recovers or gives up on a failure, and when the stage has drained its input.
type StageEvent struct {
	Name      Name          // Stage name
	Error     error         // Failure, for invoked/recovered/failed events
	Rows      int           // Rows in the invocation
	Batch     bool          // Whether the invocation was a batch
	Header    bool          // Whether the invocation was the header
	Success   bool          // Whether the invocation succeeded
	Duration  time.Duration // How long the invocation took
	RowsIn    int           // Rows consumed (for flushed)
	RowsOut   int           // Rows produced (for flushed)
	Timestamp time.Time     // When the event occurred
}

// Options configure a Stage. They are copied at construction and never
// change afterwards.
type Options struct {
	// Headers decides what happens to the first row. Defaults to passthrough.
	Headers HeaderPolicy

	// OnError recovers failed invocations. When nil, the first failure
	// terminates the stream.
	OnError RecoverFunc

	// MaxBatchSize groups that many consecutive data rows into one
	// invocation. Values below 2 disable batching.
	MaxBatchSize int

	// MaxConcurrent is how many invocations may be in flight before the stage
	// waits for the whole group to settle. Defaults to 1.
	MaxConcurrent int

	// RawInput hands transforms the encoded CSV text of their rows.
	RawInput bool

	// RawOutput forwards every output as encoded CSV text instead of rows.
	RawOutput bool
}

// Stage applies a transform to every row flowing through it, with header
// handling, batching, bounded concurrency and error recovery.
//
// Rows are admitted into a concurrency group until MaxConcurrent invocations
// are in flight; the stage then waits for the whole group before reading
// more input. Results are emitted in submission order no matter which
// invocation finished first, so a slow invocation holds back its siblings.
//
// Example:
//
//	upper := csvz.NewStage("upper", func(_ context.Context, in csvz.Input) (csvz.Output, error) {
//	    row := in.Row()
//	    out := make(csvz.Row, len(row))
//	    for i, f := range row {
//	        out[i] = strings.ToUpper(csvz.Stringify(f))
//	    }
//	    return csvz.Single(out), nil
//	}, csvz.Options{MaxConcurrent: 8, OnError: csvz.SkipOnError()})
//
//	for row, err := range upper.Apply(ctx, csvz.Decode(ctx, file, csvz.UTF8)) {
//	    ...
//	}
//
// # Observability
//
// Metrics:
//   - stage.rows.in.total: Counter of rows consumed
//   - stage.rows.out.total: Counter of rows produced
//   - stage.invocations.total: Counter of transform invocations
//   - stage.failures.total: Counter of unrecovered failures
//   - stage.recovered.total: Counter of failures recovered by OnError
//   - stage.skipped.total: Counter of invocations that produced no rows
//   - stage.group.size: Gauge of the last settled group size
//   - stage.group.duration.ms: Gauge of the last group's settle time
//
// Traces:
//   - stage.group: Span per concurrency group
//   - stage.invocation: Child span per invocation
//
// Events (via hooks):
//   - stage.invoked: Fired when an invocation returns
//   - stage.recovered: Fired when OnError replaced a failed output
//   - stage.failed: Fired when a failure terminates the stream
//   - stage.flushed: Fired when the stage drained its input
type Stage struct {
	fn      TransformFunc
	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[StageEvent]
	name    Name
	opts    Options
	mu      sync.RWMutex
}

// NewStage creates a Stage running fn with the given options.
func NewStage(name Name, fn TransformFunc, opts Options) *Stage {
	if fn == nil {
		panic("NewStage requires a transform function")
	}
	if opts.MaxBatchSize < 1 {
		opts.MaxBatchSize = 1
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}

	metrics := metricz.New()
	metrics.Counter(StageRowsInTotal)
	metrics.Counter(StageRowsOutTotal)
	metrics.Counter(StageInvocationsTotal)
	metrics.Counter(StageFailuresTotal)
	metrics.Counter(StageRecoveredTotal)
	metrics.Counter(StageSkippedTotal)
	metrics.Gauge(StageGroupSize)
	metrics.Gauge(StageGroupDurationMs)

	return &Stage{
		name:    name,
		fn:      fn,
		opts:    opts,
		clock:   clockz.RealClock,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[StageEvent](),
	}
}

// Name returns the name of this stage.
func (s *Stage) Name() Name {
	return s.name
}

// Options returns the stage configuration, with defaults applied.
func (s *Stage) Options() Options {
	return s.opts
}

// Apply returns the transformed sequence of src. Nothing happens until the
// result is iterated; each iteration runs with its own header flag, batch
// and concurrency group, so one Stage can serve several streams at once.
func (s *Stage) Apply(ctx context.Context, src Rows) Rows {
	return func(yield func(Row, error) bool) {
		r := s.newRun(ctx, yield)
		defer r.finish()

		headerSeen := false
		for item, err := range src {
			if err != nil {
				r.fail(err)
				return
			}
			if err := ctx.Err(); err != nil {
				r.fail(wrapError(s.name, Input{}, err, 0, r.clock.Now()))
				return
			}
			for _, in := range s.inputs(item) {
				r.rowsIn++
				s.metrics.Counter(StageRowsInTotal).Inc()
				if !headerSeen {
					headerSeen = true
					if !r.header(in) {
						return
					}
					continue
				}
				if !r.admit(in) {
					return
				}
			}
		}
		r.flush()
	}
}

// inputs decodes one upstream row into single-row inputs. Raw lines from a
// RawOutput stage are parsed back into rows unless this stage takes raw
// input itself.
func (s *Stage) inputs(item Row) []Input {
	line, isRaw := rawLineOf(item)
	switch {
	case s.opts.RawInput && isRaw:
		return []Input{{raw: []string{string(line)}}}
	case s.opts.RawInput:
		return []Input{{raw: []string{Encode(item)}}}
	case isRaw:
		recs := ParseString(string(line))
		ins := make([]Input, len(recs))
		for i, rec := range recs {
			ins[i] = Input{rows: []Row{rec.Row()}}
		}
		return ins
	default:
		return []Input{{rows: []Row{item}}}
	}
}

// expand applies the enqueue rule to an output.
func (s *Stage) expand(out Output) []Row {
	switch {
	case out.kind == kindSkip:
		return nil
	case out.kind == kindRaw:
		return out.Rows()
	case s.opts.RawOutput:
		var b strings.Builder
		for _, row := range out.rows {
			if line, ok := rawLineOf(row); ok {
				b.WriteString(string(line))
				continue
			}
			b.WriteString(Encode(row))
		}
		if b.Len() == 0 {
			return nil
		}
		return []Row{{RawLine(b.String())}}
	default:
		return out.rows
	}
}

// call runs one invocation with tracing, metrics and panic protection.
func (s *Stage) call(ctx context.Context, fn TransformFunc, in Input) (Output, error) {
	clock := s.getClock()
	ctx, span := s.tracer.StartSpan(ctx, StageInvocationSpan)
	span.SetTag(StageTagRows, strconv.Itoa(in.Len()))
	span.SetTag(StageTagBatch, strconv.FormatBool(in.IsBatch()))
	span.SetTag(StageTagHeader, strconv.FormatBool(in.IsHeader()))
	defer span.Finish()

	s.metrics.Counter(StageInvocationsTotal).Inc()
	start := clock.Now()
	out, err := s.protect(ctx, fn, in)
	elapsed := clock.Since(start)
	if err != nil {
		span.SetTag(StageTagSuccess, "false")
		span.SetTag(StageTagError, err.Error())
		err = wrapError(s.name, in, err, elapsed, clock.Now())
	} else {
		span.SetTag(StageTagSuccess, "true")
	}

	_ = s.hooks.Emit(ctx, StageEventInvoked, StageEvent{ //nolint:errcheck
		Name:      s.name,
		Error:     err,
		Rows:      in.Len(),
		Batch:     in.IsBatch(),
		Header:    in.IsHeader(),
		Success:   err == nil,
		Duration:  elapsed,
		Timestamp: clock.Now(),
	})
	return out, err
}

func (s *Stage) protect(ctx context.Context, fn TransformFunc, in Input) (out Output, err error) {
	defer recoverFromPanic(&out, &err, s.name)
	return fn(ctx, in)
}

func (s *Stage) protectRecover(ctx context.Context, in Input, cause error, fn TransformFunc) (out Output, err error) {
	defer recoverFromPanic(&out, &err, s.name)
	return s.opts.OnError(ctx, in, cause, fn)
}

// resolve turns a settled invocation into its effective output, consulting
// OnError for failures.
func (s *Stage) resolve(ctx context.Context, c *invocation) (Output, error) {
	if c.err == nil {
		return c.out, nil
	}
	clock := s.getClock()
	if s.opts.OnError == nil {
		s.metrics.Counter(StageFailuresTotal).Inc()
		s.emitFailure(ctx, c.in, c.err)
		return Output{}, c.err
	}

	out, err := s.protectRecover(ctx, c.in, c.err, c.fn)
	if err != nil {
		if !errors.Is(err, c.err) {
			err = wrapError(s.name, c.in, err, 0, clock.Now())
		}
		s.metrics.Counter(StageFailuresTotal).Inc()
		s.emitFailure(ctx, c.in, err)
		return Output{}, err
	}

	s.metrics.Counter(StageRecoveredTotal).Inc()
	_ = s.hooks.Emit(ctx, StageEventRecovered, StageEvent{ //nolint:errcheck
		Name:      s.name,
		Error:     c.err,
		Rows:      c.in.Len(),
		Batch:     c.in.IsBatch(),
		Header:    c.in.IsHeader(),
		Timestamp: clock.Now(),
	})
	return out, nil
}

func (s *Stage) emitFailure(ctx context.Context, in Input, err error) {
	_ = s.hooks.Emit(ctx, StageEventFailed, StageEvent{ //nolint:errcheck
		Name:      s.name,
		Error:     err,
		Rows:      in.Len(),
		Batch:     in.IsBatch(),
		Header:    in.IsHeader(),
		Timestamp: s.getClock().Now(),
	})
}

// WithClock sets a custom clock for testing.
func (s *Stage) WithClock(clock clockz.Clock) *Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

func (s *Stage) getClock() clockz.Clock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.clock == nil {
		return clockz.RealClock
	}
	return s.clock
}

// Metrics returns the metrics registry for this stage.
func (s *Stage) Metrics() *metricz.Registry {
	return s.metrics
}

// Tracer returns the tracer for this stage.
func (s *Stage) Tracer() *tracez.Tracer {
	return s.tracer
}

// Close gracefully shuts down observability components.
func (s *Stage) Close() error {
	if s.tracer != nil {
		s.tracer.Close()
	}
	s.hooks.Close()
	return nil
}

// OnInvoked registers a handler called asynchronously after every
// invocation, successful or not.
func (s *Stage) OnInvoked(handler func(context.Context, StageEvent) error) error {
	_, err := s.hooks.Hook(StageEventInvoked, handler)
	return err
}

// OnRecovered registers a handler called when OnError recovers a failure.
func (s *Stage) OnRecovered(handler func(context.Context, StageEvent) error) error {
	_, err := s.hooks.Hook(StageEventRecovered, handler)
	return err
}

// OnFailed registers a handler called when a failure terminates the stream.
func (s *Stage) OnFailed(handler func(context.Context, StageEvent) error) error {
	_, err := s.hooks.Hook(StageEventFailed, handler)
	return err
}

// OnFlushed registers a handler called once the stage drained its input.
func (s *Stage) OnFlushed(handler func(context.Context, StageEvent) error) error {
	_, err := s.hooks.Hook(StageEventFlushed, handler)
	return err
}
