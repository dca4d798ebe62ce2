package csvz

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/tracez"
)

func TestPipelineModification(t *testing.T) {
	a := NewStage("a", echo, Options{})
	b := NewStage("b", echo, Options{})
	c := NewStage("c", echo, Options{})

	t.Run("Register And Names", func(t *testing.T) {
		p := NewPipeline("p", a).Register(b, c)
		if p.Len() != 3 {
			t.Fatalf("expected 3 stages, got %d", p.Len())
		}
		if got := p.Names(); !reflect.DeepEqual(got, []Name{"a", "b", "c"}) {
			t.Errorf("unexpected names %v", got)
		}
	})

	t.Run("InsertAt", func(t *testing.T) {
		p := NewPipeline("p", a, c)
		if err := p.InsertAt(1, b); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := p.Names(); !reflect.DeepEqual(got, []Name{"a", "b", "c"}) {
			t.Errorf("unexpected names %v", got)
		}
		if err := p.InsertAt(4, b); !errors.Is(err, ErrIndexOutOfBounds) {
			t.Errorf("expected ErrIndexOutOfBounds, got %v", err)
		}
		if err := p.InsertAt(-1, b); !errors.Is(err, ErrIndexOutOfBounds) {
			t.Errorf("expected ErrIndexOutOfBounds, got %v", err)
		}
	})

	t.Run("RemoveAt", func(t *testing.T) {
		p := NewPipeline("p", a, b, c)
		if err := p.RemoveAt(0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := p.Names(); !reflect.DeepEqual(got, []Name{"b", "c"}) {
			t.Errorf("unexpected names %v", got)
		}
		if err := p.RemoveAt(2); !errors.Is(err, ErrIndexOutOfBounds) {
			t.Errorf("expected ErrIndexOutOfBounds, got %v", err)
		}
	})

	t.Run("Find", func(t *testing.T) {
		p := NewPipeline("p", a, b)
		found, err := p.Find("b")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if found != Chainable(b) {
			t.Error("expected to find stage b")
		}
		if _, err := p.Find("missing"); !errors.Is(err, ErrStageNotFound) {
			t.Errorf("expected ErrStageNotFound, got %v", err)
		}
	})

	t.Run("Constructor Copies Stages", func(t *testing.T) {
		stages := []Chainable{a, b}
		p := NewPipeline("p", stages...)
		stages[0] = c
		if p.Names()[0] != "a" {
			t.Error("pipeline should not share the caller's slice")
		}
	})
}

func TestPipelineRows(t *testing.T) {
	ctx := context.Background()

	t.Run("Composes Stages In Order", func(t *testing.T) {
		plusOne := NewStage("plus-one", func(_ context.Context, in Input) (Output, error) {
			return Single(Row{Stringify(in.Row()[0]) + "1"}), nil
		}, Options{})
		p := NewPipeline("p", plusOne, NewStage("double", doubleFields, Options{}))

		got := collect(t, p.Rows(ctx, FromRows(Row{"n"}, Row{"1"}, Row{"2"})))
		assertRows(t, got, []Row{{"n"}, {22}, {42}})
	})

	t.Run("Empty Pipeline Copies Input", func(t *testing.T) {
		p := NewPipeline("empty")
		got := collect(t, p.Rows(ctx, FromRows(Row{"a"}, Row{"b"})))
		assertRows(t, got, []Row{{"a"}, {"b"}})
	})

	t.Run("Rows Keeps Stage Path", func(t *testing.T) {
		p := NewPipeline("p", NewStage("double", doubleFields, Options{}))
		_, err := collectErr(t, p.Rows(ctx, FromRows(Row{"n"}, Row{"x"})))

		var csvErr *Error
		if !errors.As(err, &csvErr) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if !reflect.DeepEqual(csvErr.Path, []Name{"double"}) {
			t.Errorf("expected path [double], got %v", csvErr.Path)
		}
	})

	t.Run("Nested Pipelines Report Full Path", func(t *testing.T) {
		inner := NewPipeline("inner", NewStage("double", doubleFields, Options{}))
		outer := NewPipeline("outer", inner)

		_, err := collectErr(t, outer.Apply(ctx, FromRows(Row{"n"}, Row{"x"})))
		var csvErr *Error
		if !errors.As(err, &csvErr) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if !reflect.DeepEqual(csvErr.Path, []Name{"outer", "inner", "double"}) {
			t.Errorf("expected path [outer inner double], got %v", csvErr.Path)
		}
	})
}

func TestPipelineRun(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		p := NewPipeline("prices", NewStage("double", doubleFields, Options{}))
		defer p.Close()

		completed := make(chan PipelineEvent, 1)
		_ = p.OnCompleted(func(_ context.Context, e PipelineEvent) error {
			completed <- e
			return nil
		})

		out := &closingBuffer{}
		report, err := p.Run(ctx, strings.NewReader("price\n1\n2\n"), UTF8, NewSink("out", out))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.String() != "price\r\n2\r\n4\r\n" {
			t.Errorf("unexpected output %q", out.String())
		}
		if out.closed != 1 {
			t.Errorf("expected the sink to close its writer, got %d", out.closed)
		}
		if report.ID == uuid.Nil {
			t.Error("expected a run ID")
		}
		if report.Stages != 1 || report.Sink.Rows != 3 || report.Err != nil {
			t.Errorf("unexpected report %+v", report)
		}
		if runs := p.Metrics().Counter(PipelineRunsTotal).Value(); runs != 1 {
			t.Errorf("expected 1 run, got %f", runs)
		}
		if rows := p.Metrics().Gauge(PipelineRowsLast).Value(); rows != 3 {
			t.Errorf("expected 3 rows, got %f", rows)
		}

		select {
		case e := <-completed:
			if e.RunID != report.ID || e.Name != "prices" {
				t.Errorf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("completed event not received")
		}
	})

	t.Run("Each Run Gets A New ID", func(t *testing.T) {
		p := NewPipeline("p")
		first, _ := p.Run(ctx, strings.NewReader("a\n"), UTF8, NewSink("out", &bytes.Buffer{}))
		second, _ := p.Run(ctx, strings.NewReader("a\n"), UTF8, NewSink("out", &bytes.Buffer{}))
		if first.ID == second.ID {
			t.Error("expected distinct run IDs")
		}
	})

	t.Run("Empty Input", func(t *testing.T) {
		var out bytes.Buffer
		if _, err := NewPipeline("p").Run(ctx, strings.NewReader(""), UTF8, NewSink("out", &out)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.String() != "\r\n" {
			t.Errorf("expected a single empty row, got %q", out.String())
		}
	})

	t.Run("Stage Failure Aborts Sink", func(t *testing.T) {
		p := NewPipeline("strict", NewStage("double", doubleFields, Options{}))
		defer p.Close()

		failed := make(chan PipelineEvent, 1)
		_ = p.OnFailed(func(_ context.Context, e PipelineEvent) error {
			failed <- e
			return nil
		})

		var out bytes.Buffer
		sink := NewSink("out", &out)
		report, err := p.Run(ctx, strings.NewReader("n\n1\nx\n3\n"), UTF8, sink)

		var csvErr *Error
		if !errors.As(err, &csvErr) {
			t.Fatalf("expected *Error, got %v", err)
		}
		if !reflect.DeepEqual(csvErr.Path, []Name{"strict", "double"}) {
			t.Errorf("expected path [strict double], got %v", csvErr.Path)
		}
		if !reflect.DeepEqual(csvErr.Input.Row(), Row{"x"}) {
			t.Errorf("expected the failing row as input, got %v", csvErr.Input.Row())
		}
		if out.String() != "n\r\n2\r\n" {
			t.Errorf("expected partial output, got %q", out.String())
		}
		if !errors.Is(sink.Err(), ErrAborted) {
			t.Errorf("expected an aborted sink, got %v", sink.Err())
		}
		if report.Err != err {
			t.Error("report should carry the run error")
		}
		if failures := p.Metrics().Counter(PipelineFailuresTotal).Value(); failures != 1 {
			t.Errorf("expected 1 failure, got %f", failures)
		}

		select {
		case e := <-failed:
			if e.RunID != report.ID || !errors.Is(e.Error, err) {
				t.Errorf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("failed event not received")
		}
	})

	t.Run("Sink Failure", func(t *testing.T) {
		boom := errors.New("disk full")
		_, err := NewPipeline("p").Run(ctx, strings.NewReader("a\n"), UTF8, NewSink("out", brokenWriter{err: boom}))

		var csvErr *Error
		if !errors.As(err, &csvErr) || !errors.Is(err, boom) {
			t.Fatalf("expected a wrapped writer error, got %v", err)
		}
		if !reflect.DeepEqual(csvErr.Path, []Name{"p", "out"}) {
			t.Errorf("expected path [p out], got %v", csvErr.Path)
		}
	})

	t.Run("Canceled Context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := NewPipeline("p").Run(cctx, strings.NewReader("a\nb\n"), UTF8, NewSink("out", &bytes.Buffer{}))
		var csvErr *Error
		if !errors.As(err, &csvErr) || !csvErr.IsCanceled() {
			t.Errorf("expected a canceled *Error, got %v", err)
		}
	})

	t.Run("Run Span", func(t *testing.T) {
		p := NewPipeline("traced")
		defer p.Close()

		spans := make(chan tracez.Span, 1)
		p.Tracer().OnSpanComplete(func(span tracez.Span) {
			spans <- span
		})

		report, err := p.Run(ctx, strings.NewReader("a\n"), UTF8, NewSink("out", &bytes.Buffer{}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		select {
		case span := <-spans:
			if span.Name != PipelineRunSpan {
				t.Errorf("expected span %s, got %s", PipelineRunSpan, span.Name)
			}
			if span.Tags[PipelineTagRunID] != report.ID.String() {
				t.Errorf("expected run ID tag, got %q", span.Tags[PipelineTagRunID])
			}
			if span.Tags[PipelineTagSuccess] != "true" {
				t.Errorf("expected success tag, got %q", span.Tags[PipelineTagSuccess])
			}
		case <-time.After(time.Second):
			t.Fatal("span not received")
		}
	})
}
