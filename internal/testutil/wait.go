// Package testutil provides polling helpers for tests that observe work done
// on background goroutines.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures polling.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the polling helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets how long to poll (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  5 * time.Second,
		Interval: 10 * time.Millisecond,
	}
}

func resolve(opts []WaitOption) WaitOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls until condition returns true or the timeout is reached.
// Returns true if the condition was met.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := resolve(opts)

	deadline := time.Now().Add(o.Timeout)
	for {
		if condition() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(o.Interval)
	}
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustNever polls for the whole timeout and fails the test if condition ever
// returns true. Use a short timeout; it always runs to completion.
func MustNever(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	o := resolve(opts)

	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		if condition() {
			tb.Fatal("condition became true")
		}
		time.Sleep(o.Interval)
	}
}
