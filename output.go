package csvz

import (
	"context"
	"strings"
)

// TransformFunc transforms one invocation's input: a single row, a batch of
// rows, or the header row. Returning an error fails the invocation; the
// stage's OnError decides what happens next.
type TransformFunc func(context.Context, Input) (Output, error)

// RecoverFunc is called with the failed input, the error and the transform
// that produced it. Its Output replaces the failed one. Returning an error is
// fatal: there is no second round of recovery.
type RecoverFunc func(ctx context.Context, in Input, err error, fn TransformFunc) (Output, error)

// RawLine is already encoded CSV text travelling through a pipeline as a row
// of its own. Sinks write it verbatim and stages decode it again unless they
// take raw input.
type RawLine string

func rawLineOf(row Row) (RawLine, bool) {
	if len(row) != 1 {
		return "", false
	}
	line, ok := row[0].(RawLine)
	return line, ok
}

// Input is what a TransformFunc receives. Depending on the stage options it
// holds one row, a batch of rows, or their encoded CSV text; Rows and Raw
// convert between the two forms on demand.
type Input struct {
	rows   []Row
	raw    []string
	batch  bool
	header bool
}

// NewInput builds a single-row input.
func NewInput(row Row) Input {
	return Input{rows: []Row{row}}
}

// NewBatchInput builds a batch input.
func NewBatchInput(rows ...Row) Input {
	return Input{rows: rows, batch: true}
}

// NewRawInput builds an input from encoded CSV records.
func NewRawInput(records ...string) Input {
	return Input{raw: records, batch: len(records) > 1}
}

// Row returns the first row of the input, the whole input unless batched.
func (in Input) Row() Row {
	rows := in.Rows()
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// Rows returns every row of the input.
func (in Input) Rows() []Row {
	if in.rows != nil || in.raw == nil {
		return in.rows
	}
	var rows []Row
	for _, text := range in.raw {
		for _, rec := range ParseString(text) {
			rows = append(rows, rec.Row())
		}
	}
	return rows
}

// Raw returns the input as encoded CSV text.
func (in Input) Raw() string {
	return strings.Join(in.RawRecords(), "")
}

// RawRecords returns the encoded CSV text of each row.
func (in Input) RawRecords() []string {
	if in.raw != nil {
		return in.raw
	}
	out := make([]string, len(in.rows))
	for i, row := range in.rows {
		out[i] = Encode(row)
	}
	return out
}

// Len returns the number of units in the input.
func (in Input) Len() int {
	if in.raw != nil {
		return len(in.raw)
	}
	return len(in.rows)
}

// IsBatch reports whether the input is a batch.
func (in Input) IsBatch() bool { return in.batch }

// IsHeader reports whether the input is the header row.
func (in Input) IsHeader() bool { return in.header }

type outputKind uint8

const (
	kindSkip outputKind = iota
	kindSingle
	kindMultiple
	kindRaw
)

// Output is the result of a transform. The zero value is Skip.
type Output struct {
	rows []Row
	raw  string
	kind outputKind
}

// Skip consumes the input without producing a row.
func Skip() Output { return Output{kind: kindSkip} }

// Single produces one row.
func Single(row Row) Output { return Output{kind: kindSingle, rows: []Row{row}} }

// Multiple produces each row in order.
func Multiple(rows ...Row) Output { return Output{kind: kindMultiple, rows: rows} }

// RawText produces already encoded CSV text, passed through unchanged.
func RawText(text string) Output { return Output{kind: kindRaw, raw: text} }

// IsSkip reports whether the output produces nothing.
func (o Output) IsSkip() bool { return o.kind == kindSkip }

// Rows returns the rows the output produces. Raw text is returned as a
// single RawLine row.
func (o Output) Rows() []Row {
	switch o.kind {
	case kindSingle, kindMultiple:
		return o.rows
	case kindRaw:
		return []Row{{RawLine(o.raw)}}
	default:
		return nil
	}
}

// Text returns the raw text of a RawText output.
func (o Output) Text() (string, bool) {
	return o.raw, o.kind == kindRaw
}

// Emit maps a dynamically shaped value onto an Output:
//   - nil skips the input
//   - an Output is returned as is
//   - a string or RawLine is raw CSV text
//   - a non-empty sequence whose elements are all rows becomes Multiple
//   - a Row, Record, []any or []string becomes Single
//   - any other value becomes a one-field row
func Emit(v any) Output {
	switch val := v.(type) {
	case nil:
		return Skip()
	case Output:
		return val
	case string:
		return RawText(val)
	case RawLine:
		return RawText(string(val))
	case []Row:
		return Multiple(val...)
	case []Record:
		rows := make([]Row, len(val))
		for i, rec := range val {
			rows[i] = rec.Row()
		}
		return Multiple(rows...)
	case [][]string:
		rows := make([]Row, len(val))
		for i, rec := range val {
			rows[i] = Record(rec).Row()
		}
		return Multiple(rows...)
	case [][]any:
		rows := make([]Row, len(val))
		for i, row := range val {
			rows[i] = Row(row)
		}
		return Multiple(rows...)
	case Row:
		return singleOrNested(val)
	case []any:
		return singleOrNested(val)
	case Record:
		return Single(val.Row())
	case []string:
		return Single(Record(val).Row())
	default:
		return Single(Row{v})
	}
}

func singleOrNested(fields []any) Output {
	if len(fields) == 0 {
		return Single(Row(fields))
	}
	rows := make([]Row, 0, len(fields))
	for _, f := range fields {
		row, ok := asRow(f)
		if !ok {
			return Single(Row(fields))
		}
		rows = append(rows, row)
	}
	return Multiple(rows...)
}

func asRow(v any) (Row, bool) {
	switch val := v.(type) {
	case Row:
		return val, true
	case []any:
		return Row(val), true
	case Record:
		return val.Row(), true
	case []string:
		return Record(val).Row(), true
	default:
		return nil, false
	}
}
