package csvz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestError(t *testing.T) {
	t.Run("Error Message Formatting", func(t *testing.T) {
		baseErr := errors.New("something went wrong")

		t.Run("Basic Error", func(t *testing.T) {
			err := &Error{
				Err:       baseErr,
				Path:      []Name{"pipeline", "validate"},
				Input:     NewInput(Row{"a", "b"}),
				Duration:  100 * time.Millisecond,
				Timestamp: time.Now(),
			}

			msg := err.Error()
			if !strings.Contains(msg, "pipeline -> validate") {
				t.Errorf("expected path elements joined in error, got: %s", msg)
			}
			if !strings.Contains(msg, "failed after 100ms") {
				t.Errorf("expected duration in error, got: %s", msg)
			}
			if !strings.Contains(msg, "something went wrong") {
				t.Errorf("expected base error in message, got: %s", msg)
			}
		})

		t.Run("Timeout Error", func(t *testing.T) {
			err := &Error{
				Err:      context.DeadlineExceeded,
				Path:     []Name{"api", "slow_stage"},
				Timeout:  true,
				Duration: 5 * time.Second,
			}

			if msg := err.Error(); !strings.Contains(msg, "api -> slow_stage timed out after 5s") {
				t.Errorf("expected timeout message, got: %s", msg)
			}
		})

		t.Run("Canceled Error", func(t *testing.T) {
			err := &Error{
				Err:      context.Canceled,
				Path:     []Name{"worker"},
				Canceled: true,
				Duration: 200 * time.Millisecond,
			}

			if msg := err.Error(); !strings.Contains(msg, "worker canceled after 200ms") {
				t.Errorf("expected canceled message, got: %s", msg)
			}
		})
	})

	t.Run("Unwrap", func(t *testing.T) {
		baseErr := errors.New("base")
		err := &Error{Err: baseErr, Path: []Name{"stage"}}

		if !errors.Is(err, baseErr) {
			t.Error("expected errors.Is to find the base error")
		}
		wrapped := fmt.Errorf("outer: %w", err)
		var csvErr *Error
		if !errors.As(wrapped, &csvErr) {
			t.Fatal("expected errors.As to find *Error")
		}
		if csvErr.Path[0] != "stage" {
			t.Errorf("expected path stage, got %v", csvErr.Path)
		}
	})

	t.Run("IsTimeout", func(t *testing.T) {
		tests := []struct {
			name     string
			err      *Error
			expected bool
		}{
			{"flag set", &Error{Err: errors.New("x"), Timeout: true}, true},
			{"deadline exceeded", &Error{Err: context.DeadlineExceeded}, true},
			{"wrapped deadline", &Error{Err: fmt.Errorf("call: %w", context.DeadlineExceeded)}, true},
			{"other error", &Error{Err: errors.New("x")}, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := tt.err.IsTimeout(); got != tt.expected {
					t.Errorf("expected %v, got %v", tt.expected, got)
				}
			})
		}
	})

	t.Run("IsCanceled", func(t *testing.T) {
		tests := []struct {
			name     string
			err      *Error
			expected bool
		}{
			{"flag set", &Error{Err: errors.New("x"), Canceled: true}, true},
			{"canceled", &Error{Err: context.Canceled}, true},
			{"other error", &Error{Err: errors.New("x")}, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := tt.err.IsCanceled(); got != tt.expected {
					t.Errorf("expected %v, got %v", tt.expected, got)
				}
			})
		}
	})

	t.Run("Nil Receiver", func(t *testing.T) {
		var err *Error
		if err.Error() != "<nil>" {
			t.Errorf("expected <nil>, got %q", err.Error())
		}
		if err.Unwrap() != nil {
			t.Error("expected nil unwrap")
		}
		if err.IsTimeout() || err.IsCanceled() {
			t.Error("expected nil receiver to be neither timeout nor canceled")
		}
	})

	t.Run("Wrap Prepends Path", func(t *testing.T) {
		now := time.Now()
		inner := wrapError("stage", NewInput(Row{"x"}), errors.New("bad"), time.Millisecond, now)
		outer := wrapError("pipeline", Input{}, inner, time.Second, now)

		if outer != inner {
			t.Error("expected the existing *Error to be reused")
		}
		if strings.Join(outer.Path, "/") != "pipeline/stage" {
			t.Errorf("expected path pipeline/stage, got %v", outer.Path)
		}
		if outer.Input.Row()[0] != "x" {
			t.Errorf("expected the failing input to be kept, got %v", outer.Input.Rows())
		}
	})

	t.Run("Wrap Flags Context Errors", func(t *testing.T) {
		err := wrapError("stage", Input{}, context.Canceled, 0, time.Now())
		if !err.Canceled || err.Timeout {
			t.Errorf("expected canceled flag only, got %+v", err)
		}
		err = wrapError("stage", Input{}, context.DeadlineExceeded, 0, time.Now())
		if !err.Timeout {
			t.Errorf("expected timeout flag, got %+v", err)
		}
	})

	t.Run("PanicError", func(t *testing.T) {
		pe := &panicError{
			processorName: "test_stage",
			sanitized:     "test panic message",
		}

		expected := `panic in processor "test_stage": test panic message`
		if pe.Error() != expected {
			t.Errorf("expected %q, got %q", expected, pe.Error())
		}
	})

	t.Run("PanicMessageSanitization", func(t *testing.T) {
		testCases := []struct {
			name     string
			panic    any
			expected string
		}{
			{
				name:     "simple string panic",
				panic:    "simple error",
				expected: "panic occurred: simple error",
			},
			{
				name:     "error panic",
				panic:    errors.New("boom"),
				expected: "panic occurred: boom",
			},
			{
				name:     "nil panic",
				panic:    nil,
				expected: "unknown panic (nil value)",
			},
			{
				name:     "memory address sanitization",
				panic:    "error at 0x1234567890abcdef",
				expected: "panic occurred: error at 0x***",
			},
			{
				name:     "file path sanitization",
				panic:    "/sensitive/path/file.go:123 error",
				expected: "panic occurred (file path sanitized)",
			},
			{
				name:     "windows path sanitization",
				panic:    "C:\\sensitive\\path\\file.go:123 error",
				expected: "panic occurred (file path sanitized)",
			},
			{
				name:     "long message truncation",
				panic:    strings.Repeat("a", 250),
				expected: "panic occurred (message truncated for security)",
			},
			{
				name:     "stack trace sanitization",
				panic:    "error\ngoroutine 1 [running]:\nruntime.main()",
				expected: "panic occurred (stack trace sanitized)",
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				if sanitized := sanitizePanicMessage(tc.panic); sanitized != tc.expected {
					t.Errorf("expected %q, got %q", tc.expected, sanitized)
				}
			})
		}
	})
}
