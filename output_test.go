package csvz

import (
	"reflect"
	"testing"
)

func TestEmit(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		skip     bool
		raw      string
		expected []Row
	}{
		{name: "nil skips", value: nil, skip: true},
		{name: "string is raw", value: "a,b\r\n", raw: "a,b\r\n", expected: []Row{{RawLine("a,b\r\n")}}},
		{name: "raw line is raw", value: RawLine("x\r\n"), raw: "x\r\n", expected: []Row{{RawLine("x\r\n")}}},
		{name: "row is single", value: Row{"a", 1}, expected: []Row{{"a", 1}}},
		{name: "empty row is single", value: Row{}, expected: []Row{{}}},
		{name: "record is single", value: Record{"a", "b"}, expected: []Row{{"a", "b"}}},
		{name: "strings are single", value: []string{"x"}, expected: []Row{{"x"}}},
		{name: "anys are single", value: []any{1, "two"}, expected: []Row{{1, "two"}}},
		{name: "rows are multiple", value: []Row{{"a"}, {"b"}}, expected: []Row{{"a"}, {"b"}}},
		{name: "records are multiple", value: []Record{{"a"}, {"b"}}, expected: []Row{{"a"}, {"b"}}},
		{name: "string slices are multiple", value: [][]string{{"a"}, {"b", "c"}}, expected: []Row{{"a"}, {"b", "c"}}},
		{name: "any slices are multiple", value: [][]any{{1}, {2}}, expected: []Row{{1}, {2}}},
		{name: "row of rows is multiple", value: Row{Row{"a"}, []string{"b"}}, expected: []Row{{"a"}, {"b"}}},
		{name: "mixed row stays single", value: Row{Row{"a"}, "b"}, expected: []Row{{Row{"a"}, "b"}}},
		{name: "scalar becomes one field", value: 42, expected: []Row{{42}}},
		{name: "empty rows produce nothing", value: []Row{}, expected: []Row{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Emit(tt.value)
			if out.IsSkip() != tt.skip {
				t.Fatalf("expected skip %v, got %v", tt.skip, out.IsSkip())
			}
			if text, ok := out.Text(); ok != (tt.raw != "") || text != tt.raw {
				t.Errorf("expected raw %q, got %q (%v)", tt.raw, text, ok)
			}
			if tt.skip {
				return
			}
			if got := out.Rows(); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("expected %#v, got %#v", tt.expected, got)
			}
		})
	}

	t.Run("Output Is Returned As Is", func(t *testing.T) {
		in := Multiple(Row{"a"}, Row{"b"})
		if !reflect.DeepEqual(Emit(in), in) {
			t.Error("expected the same output back")
		}
	})
}

func TestOutput(t *testing.T) {
	t.Run("Zero Value Skips", func(t *testing.T) {
		var out Output
		if !out.IsSkip() || out.Rows() != nil {
			t.Error("expected the zero output to skip")
		}
	})

	t.Run("Single", func(t *testing.T) {
		out := Single(Row{"x"})
		if out.IsSkip() {
			t.Error("expected single not to skip")
		}
		if !reflect.DeepEqual(out.Rows(), []Row{{"x"}}) {
			t.Errorf("unexpected rows %#v", out.Rows())
		}
	})

	t.Run("Raw Text", func(t *testing.T) {
		out := RawText("a\r\nb\r\n")
		text, ok := out.Text()
		if !ok || text != "a\r\nb\r\n" {
			t.Errorf("unexpected text %q (%v)", text, ok)
		}
		if _, ok := Single(Row{"a"}).Text(); ok {
			t.Error("expected no text for a row output")
		}
	})
}

func TestInput(t *testing.T) {
	t.Run("Single Row", func(t *testing.T) {
		in := NewInput(Row{"a", "b,c"})
		if in.IsBatch() || in.IsHeader() || in.Len() != 1 {
			t.Errorf("unexpected input shape %+v", in)
		}
		if !reflect.DeepEqual(in.Row(), Row{"a", "b,c"}) {
			t.Errorf("unexpected row %#v", in.Row())
		}
		if in.Raw() != "a,\"b,c\"\r\n" {
			t.Errorf("unexpected raw %q", in.Raw())
		}
	})

	t.Run("Batch", func(t *testing.T) {
		in := NewBatchInput(Row{"1"}, Row{"2"})
		if !in.IsBatch() || in.Len() != 2 {
			t.Errorf("unexpected input shape %+v", in)
		}
		if !reflect.DeepEqual(in.RawRecords(), []string{"1\r\n", "2\r\n"}) {
			t.Errorf("unexpected raw records %#v", in.RawRecords())
		}
	})

	t.Run("Raw Parses On Demand", func(t *testing.T) {
		in := NewRawInput("\"x,y\",z\r\n", "1,2\r\n")
		if !in.IsBatch() || in.Len() != 2 {
			t.Errorf("unexpected input shape %+v", in)
		}
		expected := []Row{{"x,y", "z"}, {"1", "2"}}
		if !reflect.DeepEqual(in.Rows(), expected) {
			t.Errorf("expected %#v, got %#v", expected, in.Rows())
		}
		if in.Raw() != "\"x,y\",z\r\n1,2\r\n" {
			t.Errorf("unexpected raw %q", in.Raw())
		}
	})

	t.Run("Empty", func(t *testing.T) {
		var in Input
		if in.Row() != nil || in.Len() != 0 {
			t.Error("expected the zero input to be empty")
		}
	})
}
