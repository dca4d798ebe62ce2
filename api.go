// Package csvz provides a streaming CSV decoder and encoder with a composable
// row-transformation pipeline layered on top.
//
// # Overview
//
// csvz reads RFC 4180 style CSV from any io.Reader, one chunk at a time, and
// turns it into a lazy sequence of rows. Rows flow through zero or more
// transformation stages and end in a sink that writes them back out as CSV.
// Every step is pull-based: the sink pulling rows is what drives decoding,
// so a slow consumer paces the whole pipeline.
//
// # Installation
//
//	go get github.com/zoobzio/csvz
//
// Requires Go 1.23+ for range-over-func iterators.
//
// # Core Concepts
//
// Decoding is done by a small character-level state machine:
//
//	dec := csvz.NewDecoder()
//	records := dec.Write("a,\"b,c\"\r\n1,")
//	last, ok := dec.Finish()
//
// The decoder is lenient: malformed quoting never fails, stray quotes are kept
// as literal characters, carriage returns are ignored and byte order marks are
// dropped wherever they appear. Chunks may be split anywhere, including inside
// an escaped quote pair or a CRLF.
//
// Encoding is a pure function:
//
//	csvz.Encode(csvz.Row{"a,bc", `12"3`}) // "\"a,bc\",\"12\"\"3\"\r\n"
//
// Transformation is done by a Stage:
//
//	double := csvz.NewStage("double", func(_ context.Context, in csvz.Input) (csvz.Output, error) {
//	    out := make(csvz.Row, 0, len(in.Row()))
//	    for _, f := range in.Row() {
//	        n, err := strconv.Atoi(csvz.Stringify(f))
//	        if err != nil {
//	            return csvz.Output{}, err
//	        }
//	        out = append(out, n*2)
//	    }
//	    return csvz.Single(out), nil
//	}, csvz.Options{
//	    OnError:       csvz.Placeholder("n/a"),
//	    MaxBatchSize:  1,
//	    MaxConcurrent: 4,
//	})
//
// The first row is treated as a header and passes through untouched unless a
// HeaderPolicy says otherwise. Outputs are an explicit variant: Skip deletes
// the row, Single emits one row, Multiple emits several and RawText emits
// already encoded CSV.
//
// # Pipelines
//
// A Pipeline chains stages between a decoded source and a Sink:
//
//	sink := csvz.NewSink("out", file)
//	report, err := csvz.NewPipeline("prices", double, round).
//	    Run(ctx, input, csvz.UTF8, sink)
//
// # Error Handling
//
// Errors from a transform are fatal unless the stage has an OnError recovery
// function. Recovery strategies such as skipping, placeholders, retries and
// exponential backoff are plain RecoverFunc values (see SkipOnError,
// Placeholder, RetryOnError, BackoffOnError, FirstOf). Every error that leaves
// the package is an *Error carrying the failing input and the path of names
// it travelled through.
//
// # Observability
//
// Stages and sinks expose a metricz registry, a tracez tracer and hookz
// events, mirroring how the rest of the zoobzio toolkit reports on itself.
package csvz

import "iter"

// Name identifies a stage, sink or pipeline in errors, spans and events.
//
// Example:
//
//	const (
//	    DoublePricesName csvz.Name = "double-prices"
//	    OutputName       csvz.Name = "output"
//	)
type Name = string

// Record is a decoded CSV record: every field is a string.
type Record []string

// Row converts the record into a Row.
func (r Record) Row() Row {
	row := make(Row, len(r))
	for i, f := range r {
		row[i] = f
	}
	return row
}

// Row is an ordered sequence of field values. Rows coming out of the decoder
// hold strings; transforms may put any value in a field, and the sink
// serializes it with Stringify.
type Row []any

// Strings returns the row with every field stringified.
func (r Row) Strings() []string {
	out := make([]string, len(r))
	for i, f := range r {
		out[i] = Stringify(f)
	}
	return out
}

// Rows is a lazy, ordered sequence of rows. A non-nil error is terminal:
// producers yield it once and stop.
type Rows = iter.Seq2[Row, error]

// FromRows returns a Rows sequence over a fixed slice, handy for tests and
// for feeding stages from memory.
func FromRows(rows ...Row) Rows {
	return func(yield func(Row, error) bool) {
		for _, row := range rows {
			if !yield(row, nil) {
				return
			}
		}
	}
}

// Collect drains rows into a slice, stopping at the first error.
func Collect(rows Rows) ([]Row, error) {
	var out []Row
	for row, err := range rows {
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}
