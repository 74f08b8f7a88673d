package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		after    int // condition turns true on this call, 0 = never
		expected bool
	}{
		{"immediate", 1, true},
		{"eventual", 3, true},
		{"timeout", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			got := WaitFor(t, func() bool {
				calls++
				return tt.after > 0 && calls >= tt.after
			}, WithTimeout(100*time.Millisecond), WithInterval(time.Millisecond))
			if got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestWaitForCount(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	go func() {
		for range 5 {
			time.Sleep(2 * time.Millisecond)
			counter.Add(1)
		}
	}()
	if !WaitForCount(t, &counter, 5, WithTimeout(time.Second)) {
		t.Errorf("Expected counter to reach 5, got %d", counter.Load())
	}

	var stuck atomic.Int64
	stuck.Store(2)
	if WaitForCount(t, &stuck, 10, WithTimeout(20*time.Millisecond)) {
		t.Error("Expected timeout for a counter that never reaches the target")
	}
	MustWaitForCount(t, &stuck, 2)
}

func TestEventually(t *testing.T) {
	t.Parallel()
	var n atomic.Int64
	go func() {
		time.Sleep(5 * time.Millisecond)
		n.Store(42)
	}()
	got := Eventually(t, "value", func() (int64, bool) {
		v := n.Load()
		return v, v != 0
	})
	if got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
}

func TestWaitOptions(t *testing.T) {
	t.Parallel()
	o := waitOptions(nil)
	if o.Timeout != 5*time.Second || o.Interval != 5*time.Millisecond {
		t.Errorf("Expected 5s/5ms defaults, got %v/%v", o.Timeout, o.Interval)
	}
	o = waitOptions([]WaitOption{WithTimeout(time.Minute), WithInterval(time.Second)})
	if o.Timeout != time.Minute || o.Interval != time.Second {
		t.Errorf("Expected overrides, got %v/%v", o.Timeout, o.Interval)
	}
}
