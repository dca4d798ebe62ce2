package csvz

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors.
var (
	ErrClosed          = errors.New("csvz: sink is closed")
	ErrAborted         = errors.New("csvz: sink was aborted")
	ErrUnknownEncoding = errors.New("csvz: unknown text encoding")
)

// Error provides rich context about a failed transformation. It wraps the
// underlying error with where and when the failure occurred, which input was
// being processed, and whether the failure was a timeout or cancellation.
//
// Every unrecovered error leaving a Stage, Sink, or Pipeline is an *Error,
// so callers can rely on a single error shape:
//
//	_, err := pipeline.Run(ctx, file, csvz.UTF8, sink)
//	var csvErr *csvz.Error
//	if errors.As(err, &csvErr) {
//	    log.Printf("failed at %s on %v", strings.Join(csvErr.Path, " -> "), csvErr.Input.Rows())
//	}
type Error struct {
	Timestamp time.Time
	Input     Input
	Err       error
	Path      []Name
	Duration  time.Duration
	Timeout   bool
	Canceled  bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	path := strings.Join(e.Path, " -> ")
	if e.Timeout {
		return fmt.Sprintf("%s timed out after %v: %v", path, e.Duration, e.Err)
	}
	if e.Canceled {
		return fmt.Sprintf("%s canceled after %v: %v", path, e.Duration, e.Err)
	}
	return fmt.Sprintf("%s failed after %v: %v", path, e.Duration, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTimeout reports whether the error was caused by a deadline.
func (e *Error) IsTimeout() bool {
	if e == nil {
		return false
	}
	return e.Timeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled reports whether the error was caused by cancellation.
func (e *Error) IsCanceled() bool {
	if e == nil {
		return false
	}
	return e.Canceled || errors.Is(e.Err, context.Canceled)
}

// wrapError normalizes err into an *Error rooted at name. An existing *Error
// gets name prepended to its path instead of being wrapped twice.
func wrapError(name Name, in Input, err error, duration time.Duration, now time.Time) *Error {
	var csvErr *Error
	if errors.As(err, &csvErr) {
		csvErr.Path = append([]Name{name}, csvErr.Path...)
		return csvErr
	}
	return &Error{
		Timestamp: now,
		Input:     in,
		Err:       err,
		Path:      []Name{name},
		Duration:  duration,
		Timeout:   errors.Is(err, context.DeadlineExceeded),
		Canceled:  errors.Is(err, context.Canceled),
	}
}

// panicError is what a panic inside a transform or recovery function turns
// into. The message is sanitized so stack traces and paths never leak into
// error output.
type panicError struct {
	processorName Name
	sanitized     string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic in processor %q: %s", p.processorName, p.sanitized)
}

const maxPanicMessage = 200

var memoryAddress = regexp.MustCompile(`0x[0-9a-fA-F]+`)

func sanitizePanicMessage(v any) string {
	if v == nil {
		return "unknown panic (nil value)"
	}
	msg := fmt.Sprintf("%v", v)

	if len(msg) > maxPanicMessage {
		return "panic occurred (message truncated for security)"
	}
	if strings.Contains(msg, "goroutine ") || strings.Contains(msg, "runtime.") {
		return "panic occurred (stack trace sanitized)"
	}
	if strings.Contains(msg, ".go:") && (strings.Contains(msg, "/") || strings.Contains(msg, `\`)) {
		return "panic occurred (file path sanitized)"
	}
	msg = memoryAddress.ReplaceAllString(msg, "0x***")
	return "panic occurred: " + msg
}

// recoverFromPanic must be deferred directly by the function it protects.
// The panic value becomes a panicError, which callers wrap like any other
// transform error.
func recoverFromPanic(out *Output, err *error, name Name) {
	if r := recover(); r != nil {
		*out = Output{}
		*err = &panicError{
			processorName: name,
			sanitized:     sanitizePanicMessage(r),
		}
	}
}
