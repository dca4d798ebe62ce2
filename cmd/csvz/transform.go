package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/zoobzio/csvz"
)

var (
	transformOps         []string
	transformIn          string
	transformOut         string
	transformEncoding    string
	transformHeader      string
	transformHeaderRow   string
	transformOnError     string
	transformPlaceholder string
	transformRetries     int
	transformBatch       int
	transformConcurrency int
	transformTimeout     time.Duration
	transformRate        float64

	transformCmd = &cobra.Command{
		Use:   "transform",
		Short: "Stream a CSV file through row operations",
		Long: `Stream a CSV file through one stage per --op, in order.

Examples:
  csvz transform --in users.csv --out clean/users.csv --op trim --op lower
  csvz transform --in data.csv --op int --on-error placeholder --placeholder n/a
  csvz transform --in big.csv --op upper --concurrency 8 --batch 100

Run 'csvz list' to see available operations.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runTransform(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
)

func init() {
	flags := transformCmd.Flags()
	flags.StringArrayVar(&transformOps, "op", nil, "Operation to apply, as name or name:arg (repeatable)")
	flags.StringVar(&transformIn, "in", "-", "Input file, - for stdin")
	flags.StringVar(&transformOut, "out", "-", "Output file, - for stdout; parent directories are created")
	flags.StringVar(&transformEncoding, "encoding", "utf-8", "Input encoding: utf-8, utf-16le or utf-16be")
	flags.StringVar(&transformHeader, "header", "passthrough", "Header handling: passthrough or transform")
	flags.StringVar(&transformHeaderRow, "header-row", "", "Replace the header with these comma separated fields")
	flags.StringVar(&transformOnError, "on-error", "fail", "Failed rows: fail, skip, placeholder or retry")
	flags.StringVar(&transformPlaceholder, "placeholder", "", "Placeholder value for --on-error placeholder")
	flags.IntVar(&transformRetries, "retries", 3, "Attempts for --on-error retry before the row is skipped")
	flags.IntVar(&transformBatch, "batch", 1, "Rows per operation call")
	flags.IntVar(&transformConcurrency, "concurrency", 1, "Operation calls in flight per stage")
	flags.DurationVar(&transformTimeout, "timeout", 0, "Fail an operation call that runs longer than this (0 disables)")
	flags.Float64Var(&transformRate, "rate", 0, "Maximum operation calls per second per stage (0 disables)")

	_ = transformCmd.RegisterFlagCompletionFunc("op", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) { //nolint:errcheck
		return operationNames(), cobra.ShellCompDirectiveNoFileComp
	})
}

func transformOptions() (csvz.Options, error) {
	opts := csvz.Options{
		MaxBatchSize:  transformBatch,
		MaxConcurrent: transformConcurrency,
	}

	switch {
	case transformHeaderRow != "":
		fields := strings.Split(transformHeaderRow, ",")
		row := make(csvz.Row, len(fields))
		for i, f := range fields {
			row[i] = f
		}
		opts.Headers = csvz.HeaderReplace(row)
	case transformHeader == "transform":
		opts.Headers = csvz.HeaderTransform()
	case transformHeader == "passthrough":
		opts.Headers = csvz.HeaderPassthrough()
	default:
		return opts, fmt.Errorf("invalid --header %q", transformHeader)
	}

	switch transformOnError {
	case "fail":
	case "skip":
		opts.OnError = csvz.SkipOnError()
	case "placeholder":
		opts.OnError = csvz.Placeholder(transformPlaceholder)
	case "retry":
		opts.OnError = csvz.BackoffOnError(transformRetries, 10*time.Millisecond, time.Second, csvz.SkipOnError())
	default:
		return opts, fmt.Errorf("invalid --on-error %q", transformOnError)
	}
	return opts, nil
}

func runTransform(ctx context.Context, stdout, stderr io.Writer) error {
	if len(transformOps) == 0 {
		return fmt.Errorf("at least one --op is required")
	}
	enc, err := csvz.ParseEncoding(transformEncoding)
	if err != nil {
		return err
	}
	opts, err := transformOptions()
	if err != nil {
		return err
	}

	pipeline := csvz.NewPipeline("transform")
	defer pipeline.Close()
	for i, spec := range transformOps {
		fn, err := getOperationByName(spec)
		if err != nil {
			return err
		}
		if transformTimeout > 0 {
			fn = csvz.Timeout(fn, transformTimeout)
		}
		if transformRate > 0 {
			fn = csvz.RateLimit(fn, transformRate, max(1, transformConcurrency), true)
		}
		stage := csvz.NewStage(fmt.Sprintf("%d:%s", i, spec), fn, opts)
		defer stage.Close()
		pipeline.Register(stage)
	}

	in, err := openInput(transformIn)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := createOutput(transformOut, stdout)
	if err != nil {
		return err
	}

	report, err := pipeline.Run(ctx, in, enc, csvz.NewSink(transformOut, out))
	fmt.Fprintf(stderr, "run %s: %s rows, %s in %v\n",
		report.ID, humanize.Comma(report.Sink.Rows), humanize.Bytes(uint64(report.Sink.Bytes)),
		report.Duration.Round(time.Millisecond))
	return err
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// createOutput opens path for writing, creating missing parent directories.
// Stdout is never closed by the sink.
func createOutput(path string, stdout io.Writer) (io.Writer, error) {
	if path == "-" {
		return struct{ io.Writer }{stdout}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}
