// Package testing provides test utilities and helpers for csvz-based applications.
//
// This package includes mock transforms, row assertions, and chaos testing
// tools to make testing csvz stages and pipelines easier.
//
// Example usage:
//
//	func TestMyStage(t *testing.T) {
//		mock := csvztest.NewMockTransform(t, "mock-transform")
//		mock.WithReturn(csvz.Single(csvz.Row{"x"}), nil)
//
//		stage := csvz.NewStage("test-stage", mock.Transform, csvz.Options{})
//		rows := csvztest.CollectRows(t, stage.Apply(ctx, csvz.FromRows(header, row)))
//
//		csvztest.AssertRows(t, rows, []csvz.Row{header, {"x"}})
//		csvztest.AssertCalled(t, mock, 1)
//	}
package testing

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/csvz"
)

// MockTransform provides a configurable mock csvz.TransformFunc through its
// Transform method. It tracks calls, concurrency and inputs, and allows
// configuring return values, delays and panics.
//
// Unless configured otherwise it echoes its input.
type MockTransform struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	t           *testing.T
	name        string
	callCount   int64
	inFlight    int64
	maxInFlight int64
	lastInput   csvz.Input
	returnOut   *csvz.Output
	returnErr   error
	fn          csvz.TransformFunc
	delay       time.Duration
	panicMsg    string
	mu          sync.RWMutex
	callHistory []MockCall
	maxHistory  int
}

// MockCall represents a single call to the mock transform.
type MockCall struct {
	Input     csvz.Input
	Timestamp time.Time
	Context   context.Context
}

// NewMockTransform creates a new mock transform for testing.
func NewMockTransform(t *testing.T, name string) *MockTransform {
	return &MockTransform{
		t:          t,
		name:       name,
		maxHistory: 100,
	}
}

// WithReturn configures the mock to return a fixed output and error.
func (m *MockTransform) WithReturn(out csvz.Output, err error) *MockTransform {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returnOut = &out
	m.returnErr = err
	m.fn = nil
	return m
}

// WithFunc configures the mock to delegate to fn after recording the call.
func (m *MockTransform) WithFunc(fn csvz.TransformFunc) *MockTransform {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	m.returnOut = nil
	m.returnErr = nil
	return m
}

// WithDelay configures the mock to delay execution.
func (m *MockTransform) WithDelay(d time.Duration) *MockTransform {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithPanic configures the mock to panic with a specific message.
func (m *MockTransform) WithPanic(msg string) *MockTransform {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
	return m
}

// WithHistorySize configures how many calls to keep in history.
// Set to 0 to disable history tracking.
func (m *MockTransform) WithHistorySize(size int) *MockTransform {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxHistory = size
	if size == 0 {
		m.callHistory = nil
	} else if len(m.callHistory) > size {
		m.callHistory = m.callHistory[len(m.callHistory)-size:]
	}
	return m
}

// Name returns the name of the mock transform.
func (m *MockTransform) Name() csvz.Name {
	return m.name
}

// Transform implements csvz.TransformFunc.
func (m *MockTransform) Transform(ctx context.Context, in csvz.Input) (csvz.Output, error) {
	atomic.AddInt64(&m.callCount, 1)
	current := atomic.AddInt64(&m.inFlight, 1)
	defer atomic.AddInt64(&m.inFlight, -1)
	for {
		peak := atomic.LoadInt64(&m.maxInFlight)
		if current <= peak || atomic.CompareAndSwapInt64(&m.maxInFlight, peak, current) {
			break
		}
	}

	m.mu.Lock()
	m.lastInput = in
	if m.maxHistory > 0 {
		m.callHistory = append(m.callHistory, MockCall{
			Input:     in,
			Timestamp: time.Now(),
			Context:   ctx,
		})
		if len(m.callHistory) > m.maxHistory {
			m.callHistory = m.callHistory[1:]
		}
	}
	delay := m.delay
	out := m.returnOut
	err := m.returnErr
	fn := m.fn
	panicMsg := m.panicMsg
	m.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return csvz.Output{}, ctx.Err()
		}
	}

	switch {
	case fn != nil:
		return fn(ctx, in)
	case out != nil:
		return *out, err
	case err != nil:
		return csvz.Output{}, err
	}
	return Echo(ctx, in)
}

// CallCount returns the number of times Transform has been called.
func (m *MockTransform) CallCount() int {
	return int(atomic.LoadInt64(&m.callCount))
}

// MaxInFlight returns the highest number of calls that ran at the same time.
func (m *MockTransform) MaxInFlight() int {
	return int(atomic.LoadInt64(&m.maxInFlight))
}

// LastInput returns the input from the most recent call.
func (m *MockTransform) LastInput() csvz.Input {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastInput
}

// CallHistory returns a copy of all recorded calls.
func (m *MockTransform) CallHistory() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.maxHistory == 0 {
		return nil
	}
	history := make([]MockCall, len(m.callHistory))
	copy(history, m.callHistory)
	return history
}

// Reset clears all call tracking.
func (m *MockTransform) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.StoreInt64(&m.callCount, 0)
	atomic.StoreInt64(&m.maxInFlight, 0)
	m.lastInput = csvz.Input{}
	m.callHistory = nil
}

// Echo returns its input unchanged: one row for single inputs and every row
// for batches.
func Echo(_ context.Context, in csvz.Input) (csvz.Output, error) {
	if in.IsBatch() {
		return csvz.Multiple(in.Rows()...), nil
	}
	return csvz.Single(in.Row()), nil
}

// Assertion Helpers

// AssertCalled verifies that a mock transform was called exactly n times.
func AssertCalled(t *testing.T, mock *MockTransform, expectedCalls int) {
	t.Helper()
	actualCalls := mock.CallCount()
	if actualCalls != expectedCalls {
		t.Errorf("expected mock transform %s to be called %d times, but was called %d times",
			mock.name, expectedCalls, actualCalls)
	}
}

// AssertNotCalled verifies that a mock transform was never called.
func AssertNotCalled(t *testing.T, mock *MockTransform) {
	t.Helper()
	AssertCalled(t, mock, 0)
}

// AssertCalledWith verifies that the last call received rows.
func AssertCalledWith(t *testing.T, mock *MockTransform, rows ...csvz.Row) {
	t.Helper()
	if mock.CallCount() == 0 {
		t.Errorf("expected mock transform %s to be called with %v, but it was never called", mock.name, rows)
		return
	}
	if got := mock.LastInput().Rows(); !reflect.DeepEqual(got, rows) {
		t.Errorf("expected mock transform %s to be called with %v, but was called with %v", mock.name, rows, got)
	}
}

// CollectRows drains rows and fails the test on any error.
func CollectRows(t *testing.T, rows csvz.Rows) []csvz.Row {
	t.Helper()
	out, err := csvz.Collect(rows)
	if err != nil {
		t.Fatalf("unexpected error collecting rows: %v", err)
	}
	return out
}

// CollectError drains rows and returns the rows before the failure and the
// error. The test fails when the stream ends without one.
func CollectError(t *testing.T, rows csvz.Rows) ([]csvz.Row, error) {
	t.Helper()
	out, err := csvz.Collect(rows)
	if err == nil {
		t.Fatalf("expected an error, got %d rows and none", len(out))
	}
	return out, err
}

// AssertRows compares rows field by field.
func AssertRows(t *testing.T, got, want []csvz.Row) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d rows, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !reflect.DeepEqual(got[i], want[i]) {
			t.Errorf("row %d: expected %#v, got %#v", i, want[i], got[i])
		}
	}
}

// ChaosTransform introduces controlled failures and delays around another
// transform. Failures are injected at the configured rates.
type ChaosTransform struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	name         string
	wrapped      csvz.TransformFunc
	failureRate  float64
	latencyMin   time.Duration
	latencyMax   time.Duration
	timeoutRate  float64
	panicRate    float64
	rng          *rand.Rand
	mu           sync.Mutex
	totalCalls   int64
	failedCalls  int64
	timeoutCalls int64
	panicCalls   int64
}

// ChaosConfig holds configuration for chaos testing.
type ChaosConfig struct {
	FailureRate float64       // Probability of returning an error (0.0 to 1.0)
	LatencyMin  time.Duration // Minimum additional latency to inject
	LatencyMax  time.Duration // Maximum additional latency to inject
	TimeoutRate float64       // Probability of simulating timeout (0.0 to 1.0)
	PanicRate   float64       // Probability of panicking (0.0 to 1.0)
	Seed        uint64        // Random seed for reproducible chaos (0 for random seed)
}

// ErrChaos is the error injected by ChaosTransform.
var ErrChaos = errors.New("chaos transform induced failure")

// NewChaosTransform wraps fn with chaos injection.
func NewChaosTransform(name string, fn csvz.TransformFunc, config ChaosConfig) *ChaosTransform {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &ChaosTransform{
		name:        name,
		wrapped:     fn,
		failureRate: config.FailureRate,
		latencyMin:  config.LatencyMin,
		latencyMax:  config.LatencyMax,
		timeoutRate: config.TimeoutRate,
		panicRate:   config.PanicRate,
		rng:         rand.New(rand.NewPCG(seed, seed>>1)), //nolint:gosec // G404: deterministic chaos scenarios
	}
}

// Name returns the name of the chaos transform.
func (c *ChaosTransform) Name() csvz.Name {
	return c.name
}

// Transform implements csvz.TransformFunc with chaos injection.
func (c *ChaosTransform) Transform(ctx context.Context, in csvz.Input) (csvz.Output, error) {
	atomic.AddInt64(&c.totalCalls, 1)

	c.mu.Lock()
	if c.rng.Float64() < c.panicRate {
		c.mu.Unlock()
		atomic.AddInt64(&c.panicCalls, 1)
		panic("chaos transform induced panic")
	}

	var latency time.Duration
	if c.latencyMax > c.latencyMin {
		latency = c.latencyMin + time.Duration(c.rng.Int64N(int64(c.latencyMax-c.latencyMin)))
	} else if c.latencyMin > 0 {
		latency = c.latencyMin
	}
	simulateTimeout := c.rng.Float64() < c.timeoutRate
	injectFailure := c.rng.Float64() < c.failureRate
	c.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return csvz.Output{}, ctx.Err()
		}
	}

	if simulateTimeout {
		atomic.AddInt64(&c.timeoutCalls, 1)
		return csvz.Output{}, context.DeadlineExceeded
	}

	out, err := c.wrapped(ctx, in)
	if injectFailure && err == nil {
		atomic.AddInt64(&c.failedCalls, 1)
		return csvz.Output{}, ErrChaos
	}
	return out, err
}

// Stats returns statistics about chaos injection.
func (c *ChaosTransform) Stats() ChaosStats {
	return ChaosStats{
		TotalCalls:   atomic.LoadInt64(&c.totalCalls),
		FailedCalls:  atomic.LoadInt64(&c.failedCalls),
		TimeoutCalls: atomic.LoadInt64(&c.timeoutCalls),
		PanicCalls:   atomic.LoadInt64(&c.panicCalls),
	}
}

// ChaosStats holds statistics about chaos injection.
type ChaosStats struct {
	TotalCalls   int64
	FailedCalls  int64
	TimeoutCalls int64
	PanicCalls   int64
}

// FailureRate returns the actual failure rate observed.
func (s ChaosStats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailedCalls) / float64(s.TotalCalls)
}

// String returns a human-readable representation of the stats.
func (s ChaosStats) String() string {
	return fmt.Sprintf("ChaosStats{Total: %d, Failed: %d (%.1f%%), Timeouts: %d, Panics: %d}",
		s.TotalCalls, s.FailedCalls, s.FailureRate()*100, s.TimeoutCalls, s.PanicCalls)
}

// Helper Functions

// WaitForCalls waits for a mock transform to be called at least n times,
// with a timeout. Returns true if the expected calls were reached.
func WaitForCalls(mock *MockTransform, expectedCalls int, timeout time.Duration) bool {
	start := time.Now()
	for time.Since(start) < timeout {
		if mock.CallCount() >= expectedCalls {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// ParallelTest runs a test function in parallel with multiple goroutines.
func ParallelTest(t *testing.T, goroutines int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}
	wg.Wait()
}
