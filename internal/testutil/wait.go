package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures the polling helpers.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the polling helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 5ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func waitOptions(opts []WaitOption) WaitOptions {
	o := WaitOptions{Timeout: 5 * time.Second, Interval: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Eventually polls fn until it reports ok and returns its value. The test
// fails when the timeout passes first.
func Eventually[T any](tb testing.TB, what string, fn func() (T, bool), opts ...WaitOption) T {
	tb.Helper()
	o := waitOptions(opts)

	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	for {
		if v, ok := fn(); ok {
			return v
		}
		select {
		case <-deadline.C:
			if v, ok := fn(); ok {
				return v
			}
			tb.Fatalf("timed out after %s waiting for %s", o.Timeout, what)
			var zero T
			return zero
		case <-tick.C:
		}
	}
}

// WaitFor polls until condition returns true or the timeout passes.
// It reports whether the condition was met.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := waitOptions(opts)
	deadline := time.Now().Add(o.Timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(o.Interval)
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// WaitForCount polls until counter reaches target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}
