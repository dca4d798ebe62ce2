package csvz

import (
	"context"
	"strconv"
	"time"

	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"
)

// invocation is one submitted transform call and, once settled, its result.
type invocation struct {
	fn  TransformFunc
	out Output
	err error
	in  Input
}

// stageRun is the per-stream state of a Stage: the header flag, the pending
// batch and the current concurrency group. Only the goroutine iterating the
// stage touches it; invocations write to their own slot.
type stageRun struct {
	stage *Stage
	ctx   context.Context
	clock clockz.Clock
	yield func(Row, error) bool

	batch []Input

	group      []*invocation
	g          *errgroup.Group
	groupCtx   context.Context
	groupStart time.Time
	endSpan    func(size int)

	rowsIn  int
	rowsOut int
	failed  bool
}

func (s *Stage) newRun(ctx context.Context, yield func(Row, error) bool) *stageRun {
	return &stageRun{
		stage: s,
		ctx:   ctx,
		clock: s.getClock(),
		yield: yield,
	}
}

// header applies the header policy to the first row. Header invocations run
// alone and are awaited before any data row is admitted.
func (r *stageRun) header(in Input) bool {
	policy := r.stage.opts.Headers
	var fn TransformFunc
	switch policy.mode {
	case headerReplace:
		return r.enqueue(Single(policy.row))
	case headerTransform:
		fn = r.stage.fn
	case headerFunc:
		fn = policy.fn
	default:
		return r.emit(unitRow(in))
	}

	in.header = true
	c := &invocation{fn: fn, in: in}
	c.out, c.err = r.stage.call(r.ctx, fn, in)
	out, err := r.stage.resolve(r.ctx, c)
	if err != nil {
		r.stop(err)
		return false
	}
	return r.enqueue(out)
}

// admit adds a data row to the current batch, submitting the batch once it
// is full, or submits the row directly when batching is off.
func (r *stageRun) admit(in Input) bool {
	size := r.stage.opts.MaxBatchSize
	if size < 2 {
		return r.submit(in)
	}
	r.batch = append(r.batch, in)
	if len(r.batch) < size {
		return true
	}
	batch := mergeBatch(r.batch)
	r.batch = nil
	return r.submit(batch)
}

// submit starts an invocation in the current group and settles the group
// once it is full.
func (r *stageRun) submit(in Input) bool {
	if len(r.group) == 0 {
		r.openGroup()
	}
	c := &invocation{fn: r.stage.fn, in: in}
	r.group = append(r.group, c)

	ctx := r.groupCtx
	r.g.Go(func() error {
		c.out, c.err = r.stage.call(ctx, c.fn, c.in)
		return nil
	})

	if len(r.group) < r.stage.opts.MaxConcurrent {
		return true
	}
	return r.settle()
}

func (r *stageRun) openGroup() {
	r.g = new(errgroup.Group)
	r.groupStart = r.clock.Now()
	ctx, span := r.stage.tracer.StartSpan(r.ctx, StageGroupSpan)
	r.groupCtx = ctx
	r.endSpan = func(size int) {
		span.SetTag(StageTagGroupSize, strconv.Itoa(size))
		span.Finish()
	}
}

// wait blocks until every invocation of the current group has returned and
// hands the group back to the caller.
func (r *stageRun) wait() []*invocation {
	if len(r.group) == 0 {
		return nil
	}
	_ = r.g.Wait() //nolint:errcheck // invocations report through their slot
	group := r.group
	r.group = nil

	elapsed := r.clock.Since(r.groupStart)
	r.stage.metrics.Gauge(StageGroupSize).Set(float64(len(group)))
	r.stage.metrics.Gauge(StageGroupDurationMs).Set(float64(elapsed.Milliseconds()))
	r.endSpan(len(group))
	return group
}

// settle waits for the whole group, then resolves and emits each result in
// submission order.
func (r *stageRun) settle() bool {
	for _, c := range r.wait() {
		out, err := r.stage.resolve(r.ctx, c)
		if err != nil {
			r.stop(err)
			return false
		}
		if !r.enqueue(out) {
			return false
		}
	}
	return true
}

// flush submits the partial batch and drains the pending group at the end
// of input.
func (r *stageRun) flush() {
	if len(r.batch) > 0 {
		batch := mergeBatch(r.batch)
		r.batch = nil
		if !r.submit(batch) {
			return
		}
	}
	r.settle()
}

// enqueue emits the rows of an output.
func (r *stageRun) enqueue(out Output) bool {
	rows := r.stage.expand(out)
	if len(rows) == 0 {
		r.stage.metrics.Counter(StageSkippedTotal).Inc()
		return true
	}
	for _, row := range rows {
		if !r.emit(row) {
			return false
		}
	}
	return true
}

func (r *stageRun) emit(row Row) bool {
	r.rowsOut++
	r.stage.metrics.Counter(StageRowsOutTotal).Inc()
	return r.yield(row, nil)
}

// stop reports a terminal error downstream.
func (r *stageRun) stop(err error) {
	r.failed = true
	r.yield(nil, err)
}

// fail reports an upstream or context error once in-flight invocations have
// returned.
func (r *stageRun) fail(err error) {
	r.wait()
	r.stop(err)
}

// finish makes sure no invocation outlives the stream and reports the
// stage's totals.
func (r *stageRun) finish() {
	r.wait()
	_ = r.stage.hooks.Emit(r.ctx, StageEventFlushed, StageEvent{ //nolint:errcheck
		Name:      r.stage.name,
		RowsIn:    r.rowsIn,
		RowsOut:   r.rowsOut,
		Success:   !r.failed,
		Timestamp: r.clock.Now(),
	})
}

func mergeBatch(ins []Input) Input {
	out := Input{batch: true}
	for _, in := range ins {
		if in.raw != nil {
			out.raw = append(out.raw, in.raw...)
			continue
		}
		out.rows = append(out.rows, in.rows...)
	}
	return out
}

// unitRow returns the wire form of a single-row input.
func unitRow(in Input) Row {
	if in.raw != nil {
		return Row{RawLine(in.raw[0])}
	}
	return in.rows[0]
}
