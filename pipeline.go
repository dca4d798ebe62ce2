package csvz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Pipeline.
const (
	// Metrics.
	PipelineRunsTotal     = metricz.Key("pipeline.runs.total")
	PipelineFailuresTotal = metricz.Key("pipeline.failures.total")
	PipelineRowsLast      = metricz.Key("pipeline.rows.last")
	PipelineDurationMs    = metricz.Key("pipeline.duration.ms")

	// Spans.
	PipelineRunSpan = tracez.Key("pipeline.run")

	// Tags.
	PipelineTagRunID   = tracez.Tag("pipeline.run_id")
	PipelineTagStages  = tracez.Tag("pipeline.stages")
	PipelineTagRows    = tracez.Tag("pipeline.rows")
	PipelineTagSuccess = tracez.Tag("pipeline.success")
	PipelineTagError   = tracez.Tag("pipeline.error")

	// Hook event keys.
	PipelineEventCompleted = hookz.Key("pipeline.completed")
	PipelineEventFailed    = hookz.Key("pipeline.failed")
)

// Pipeline modification errors.
var (
	ErrIndexOutOfBounds = errors.New("index out of bounds")
	ErrStageNotFound    = errors.New("stage not found")
)

// Chainable is anything that transforms a stream of rows. Both Stage and
// Pipeline implement it, so pipelines nest.
type Chainable interface {
	Apply(ctx context.Context, src Rows) Rows
	Name() Name
}

// RunReport summarizes one Pipeline.Run.
type RunReport struct {
	ID       uuid.UUID
	Name     Name
	Err      error
	Sink     SinkStats
	Stages   int
	Duration time.Duration
}

// PipelineEvent is emitted via hookz when a run completes or fails.
type PipelineEvent struct {
	Name      Name
	RunID     uuid.UUID
	Error     error
	Report    RunReport
	Timestamp time.Time
}

// Pipeline chains stages so that the output of one is the input of the next.
// Stages run as a pull chain: the sink pulls from the last stage, which pulls
// from the one before it, down to the decoder. A slow consumer therefore
// slows every stage and the reader without buffering whole files.
//
// The stage list can be changed between runs; a run works on a snapshot
// taken when it starts.
//
// # Observability
//
// Metrics:
//   - pipeline.runs.total: Counter of runs started
//   - pipeline.failures.total: Counter of failed runs
//   - pipeline.rows.last: Gauge of rows written by the last run
//   - pipeline.duration.ms: Gauge of the last run's duration
//
// Traces:
//   - pipeline.run: Span per run, tagged with the run ID
//
// Events (via hooks):
//   - pipeline.completed: Fired when a run finished and closed its sink
//   - pipeline.failed: Fired when a run aborted its sink
type Pipeline struct {
	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[PipelineEvent]
	name    Name
	stages  []Chainable
	mu      sync.RWMutex
}

// NewPipeline creates a Pipeline running stages in order.
func NewPipeline(name Name, stages ...Chainable) *Pipeline {
	metrics := metricz.New()
	metrics.Counter(PipelineRunsTotal)
	metrics.Counter(PipelineFailuresTotal)
	metrics.Gauge(PipelineRowsLast)
	metrics.Gauge(PipelineDurationMs)

	return &Pipeline{
		clock:   clockz.RealClock,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[PipelineEvent](),
		name:    name,
		stages:  slices.Clone(stages),
	}
}

// Name returns the name of this pipeline.
func (p *Pipeline) Name() Name {
	return p.name
}

// Register appends stages to the end of the pipeline.
func (p *Pipeline) Register(stages ...Chainable) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, stages...)
	return p
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// InsertAt inserts stages at the specified index.
func (p *Pipeline) InsertAt(index int, stages ...Chainable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index > len(p.stages) {
		return ErrIndexOutOfBounds
	}
	p.stages = slices.Insert(p.stages, index, stages...)
	return nil
}

// RemoveAt removes the stage at the specified index.
func (p *Pipeline) RemoveAt(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.stages) {
		return ErrIndexOutOfBounds
	}
	p.stages = slices.Delete(p.stages, index, index+1)
	return nil
}

// Names returns the names of all stages in order.
func (p *Pipeline) Names() []Name {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]Name, len(p.stages))
	for i, stage := range p.stages {
		names[i] = stage.Name()
	}
	return names
}

// Find returns the first stage with the given name.
func (p *Pipeline) Find(name Name) (Chainable, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, stage := range p.stages {
		if stage.Name() == name {
			return stage, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrStageNotFound, name)
}

func (p *Pipeline) snapshot() []Chainable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.stages)
}

// Rows composes every stage over src. Errors keep the path of the stage that
// raised them.
func (p *Pipeline) Rows(ctx context.Context, src Rows) Rows {
	rows := src
	for _, stage := range p.snapshot() {
		rows = stage.Apply(ctx, rows)
	}
	return rows
}

// Apply implements Chainable. Errors are rooted at the pipeline's name so
// that nested pipelines report a full path.
func (p *Pipeline) Apply(ctx context.Context, src Rows) Rows {
	return func(yield func(Row, error) bool) {
		for row, err := range p.Rows(ctx, src) {
			if err != nil {
				yield(nil, wrapError(p.name, Input{}, err, 0, p.getClock().Now()))
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// Run decodes r, streams it through every stage and writes the result to
// sink. The sink is closed on success. On the first unrecovered error the
// sink is aborted, keeping the rows already written, and the error is
// returned as an *Error.
func (p *Pipeline) Run(ctx context.Context, r io.Reader, enc Encoding, sink *Sink) (RunReport, error) {
	clock := p.getClock()
	start := clock.Now()
	report := RunReport{
		ID:     uuid.New(),
		Name:   p.name,
		Stages: p.Len(),
	}
	p.metrics.Counter(PipelineRunsTotal).Inc()

	ctx, span := p.tracer.StartSpan(ctx, PipelineRunSpan)
	span.SetTag(PipelineTagRunID, report.ID.String())
	span.SetTag(PipelineTagStages, strconv.Itoa(report.Stages))
	defer span.Finish()

	err := sink.Drain(ctx, p.Rows(ctx, Decode(ctx, r, enc)))
	if err == nil {
		err = sink.Close()
	}
	if err != nil {
		_ = sink.Abort(err) //nolint:errcheck // the run error wins
		err = wrapError(p.name, Input{}, err, clock.Since(start), clock.Now())
	}

	report.Err = err
	report.Sink = sink.Stats()
	report.Duration = clock.Since(start)
	p.metrics.Gauge(PipelineRowsLast).Set(float64(report.Sink.Rows))
	p.metrics.Gauge(PipelineDurationMs).Set(float64(report.Duration.Milliseconds()))
	span.SetTag(PipelineTagRows, strconv.FormatInt(report.Sink.Rows, 10))

	event := PipelineEvent{
		Name:      p.name,
		RunID:     report.ID,
		Error:     err,
		Report:    report,
		Timestamp: clock.Now(),
	}
	if err != nil {
		p.metrics.Counter(PipelineFailuresTotal).Inc()
		span.SetTag(PipelineTagSuccess, "false")
		span.SetTag(PipelineTagError, err.Error())
		_ = p.hooks.Emit(ctx, PipelineEventFailed, event) //nolint:errcheck
		return report, err
	}
	span.SetTag(PipelineTagSuccess, "true")
	_ = p.hooks.Emit(ctx, PipelineEventCompleted, event) //nolint:errcheck
	return report, nil
}

// WithClock sets a custom clock for testing.
func (p *Pipeline) WithClock(clock clockz.Clock) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
	return p
}

func (p *Pipeline) getClock() clockz.Clock {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.clock == nil {
		return clockz.RealClock
	}
	return p.clock
}

// Metrics returns the metrics registry for this pipeline.
func (p *Pipeline) Metrics() *metricz.Registry {
	return p.metrics
}

// Tracer returns the tracer for this pipeline.
func (p *Pipeline) Tracer() *tracez.Tracer {
	return p.tracer
}

// Close releases the pipeline's tracer and hooks. Stages are not closed.
func (p *Pipeline) Close() error {
	if p.tracer != nil {
		p.tracer.Close()
	}
	p.hooks.Close()
	return nil
}

// OnCompleted registers a handler called asynchronously after a successful run.
func (p *Pipeline) OnCompleted(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.hooks.Hook(PipelineEventCompleted, handler)
	return err
}

// OnFailed registers a handler called asynchronously after a failed run.
func (p *Pipeline) OnFailed(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.hooks.Hook(PipelineEventFailed, handler)
	return err
}
