package benchmarks

import (
	"context"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/zoobzio/csvz"
	csvztest "github.com/zoobzio/csvz/testing"
)

func sampleCSV(rows int) string {
	var b strings.Builder
	b.WriteString("id,name,note\n")
	for i := 0; i < rows; i++ {
		b.WriteString(strconv.Itoa(i))
		b.WriteString(`,"Name, ` + strconv.Itoa(i) + `","says ""hi"""` + "\n")
	}
	return b.String()
}

// BenchmarkDecoder measures the raw decoding state machine.
func BenchmarkDecoder(b *testing.B) {
	input := sampleCSV(1000)
	b.SetBytes(int64(len(input)))
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if got := len(csvz.ParseString(input)); got != 1001 {
			b.Fatalf("expected 1001 records, got %d", got)
		}
	}
}

// BenchmarkEncode measures row encoding with quoting.
func BenchmarkEncode(b *testing.B) {
	row := csvz.Row{42, "plain", "needs, quoting", `has "quotes"`, 3.5}
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = csvz.Encode(row)
	}
}

// BenchmarkStage measures a stage under different group and batch sizes.
func BenchmarkStage(b *testing.B) {
	ctx := context.Background()
	input := sampleCSV(1000)

	cases := []struct {
		name string
		opts csvz.Options
	}{
		{"Sequential", csvz.Options{}},
		{"Concurrent_8", csvz.Options{MaxConcurrent: 8}},
		{"Batch_50", csvz.Options{MaxBatchSize: 50}},
		{"Batch_50_Concurrent_4", csvz.Options{MaxBatchSize: 50, MaxConcurrent: 4}},
	}

	for _, c := range cases {
		b.Run(c.name, func(b *testing.B) {
			stage := csvz.NewStage("echo", csvztest.Echo, c.opts)
			defer stage.Close()
			b.SetBytes(int64(len(input)))
			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				for _, err := range stage.Apply(ctx, csvz.Decode(ctx, strings.NewReader(input), csvz.UTF8)) {
					if err != nil {
						b.Fatal(err)
					}
				}
			}
		})
	}
}

// BenchmarkPipelineRun measures a full decode, transform, and write cycle.
func BenchmarkPipelineRun(b *testing.B) {
	ctx := context.Background()
	input := sampleCSV(1000)
	pipeline := csvz.NewPipeline("bench", csvz.NewStage("echo", csvztest.Echo, csvz.Options{MaxConcurrent: 4}))
	defer pipeline.Close()
	b.SetBytes(int64(len(input)))
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := pipeline.Run(ctx, strings.NewReader(input), csvz.UTF8, csvz.NewSink("discard", nopCloser{io.Discard})); err != nil {
			b.Fatal(err)
		}
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
