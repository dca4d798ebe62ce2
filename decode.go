package csvz

import (
	"context"
	"iter"
	"strings"
)

// byteOrderMark is dropped wherever it appears in the input.
const byteOrderMark = '\uFEFF'

// Decoder is the CSV state machine. It consumes already decoded characters
// and emits records as line feeds complete them, carrying its state across
// chunk boundaries. A Decoder is owned by one goroutine.
//
// The decoder never fails. Quotes only open a quoted field at the start of a
// field; anywhere else they are literal text. A quote right after a closing
// quote is an escaped quote. Carriage returns outside quotes are ignored, so
// LF and CRLF input decode identically.
type Decoder struct {
	row        Record
	field      strings.Builder
	last       rune
	quoted     bool
	justClosed bool
	seen       bool
}

// NewDecoder returns a decoder in its initial state.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Step advances the state machine by one character. It returns the finished
// record when c completes one.
func (d *Decoder) Step(c rune) (Record, bool) {
	if c == byteOrderMark {
		return nil, false
	}
	atStart := !d.seen || d.last == ',' || d.last == '\n' || d.last == '\r'
	d.seen = true
	d.last = c

	if d.quoted {
		if c == '"' {
			d.quoted = false
			d.justClosed = true
			return nil, false
		}
		d.field.WriteRune(c)
		return nil, false
	}

	if d.justClosed {
		d.justClosed = false
		if c == '"' {
			d.quoted = true
			d.field.WriteByte('"')
			return nil, false
		}
	}

	switch c {
	case '"':
		if atStart {
			d.quoted = true
		} else {
			d.field.WriteByte('"')
		}
	case ',':
		d.pushField()
	case '\n':
		d.pushField()
		rec := d.row
		d.row = nil
		return rec, true
	case '\r':
	default:
		d.field.WriteRune(c)
	}
	return nil, false
}

// Write feeds a chunk of any size and returns the records it completed.
func (d *Decoder) Write(chunk string) []Record {
	var out []Record
	for _, c := range chunk {
		if rec, ok := d.Step(c); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Finish ends the input. It returns the trailing record when the input did
// not end with a line feed, or a single empty field when the input held no
// characters at all. The decoder is reset afterwards.
func (d *Decoder) Finish() (Record, bool) {
	defer d.Reset()
	if d.field.Len() > 0 || len(d.row) > 0 {
		d.pushField()
		return d.row, true
	}
	if !d.seen {
		return Record{""}, true
	}
	return nil, false
}

// Reset returns the decoder to its initial state.
func (d *Decoder) Reset() {
	d.row = nil
	d.field.Reset()
	d.last = 0
	d.quoted = false
	d.justClosed = false
	d.seen = false
}

func (d *Decoder) pushField() {
	d.row = append(d.row, d.field.String())
	d.field.Reset()
}

// ParseString decodes a complete CSV text.
func ParseString(s string) []Record {
	d := NewDecoder()
	out := d.Write(s)
	if rec, ok := d.Finish(); ok {
		out = append(out, rec)
	}
	return out
}

// Records decodes a lazy sequence of text chunks into records. Chunks must
// not split a character; Chunks takes care of that for byte streams.
func Records(ctx context.Context, chunks iter.Seq2[string, error]) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		d := NewDecoder()
		for chunk, err := range chunks {
			if err != nil {
				yield(nil, err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			for _, c := range chunk {
				if rec, ok := d.Step(c); ok {
					if !yield(rec, nil) {
						return
					}
				}
			}
		}
		if rec, ok := d.Finish(); ok {
			yield(rec, nil)
		}
	}
}
