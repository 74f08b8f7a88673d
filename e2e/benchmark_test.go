//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"jobctl/internal/dispatcher"
	"jobctl/internal/job"
	"jobctl/internal/testutil"
	"jobctl/pkg/cloudevent"
)

// BenchmarkManualRuns measures start-to-finish latency of short jobs.
func BenchmarkManualRuns(b *testing.B) {
	s := newStack(b, stackOptions{})

	var j job.Job
	if code := s.call(b, http.MethodPost, "/v1/jobs", job.Spec{Name: uniqueName("bench"), Image: testImage, Command: "true"}, &j); code != http.StatusCreated {
		b.Fatalf("Expected 201, got %d", code)
	}

	for b.Loop() {
		var started job.Run
		if code := s.call(b, http.MethodPost, "/v1/jobs/"+j.ID+"/start", nil, &started); code != http.StatusAccepted {
			b.Fatalf("Expected 202, got %d", code)
		}
		testutil.MustWaitFor(b, func() bool {
			var d job.RunDetail
			s.call(b, http.MethodGet, "/v1/runs/"+started.ID, nil, &d)
			return d.Status.Terminal()
		}, testutil.WithTimeout(time.Minute), testutil.WithInterval(20*time.Millisecond))
	}
}

// TestDispatcherUnderLoad tests dispatcher behavior under extreme load.
func TestDispatcherUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	const (
		eventRate     = 1000 // events per second target
		duration      = 10   // seconds
		totalEvents   = eventRate * duration
		slowPercent   = 5   // percentage of slow webhooks
		slowLatencyMs = 500 // latency for slow webhooks
	)

	var received, slow atomic.Int64

	webhookServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if received.Add(1)%int64(100/slowPercent) == 0 {
			slow.Add(1)
			time.Sleep(time.Duration(slowLatencyMs) * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer webhookServer.Close()

	d := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  totalEvents,
		Workers:     50,
		HTTPTimeout: 2 * time.Second,
		RateLimit:   eventRate * 2,
		RateBurst:   eventRate,
		Logger:      testutil.Logger(),
	}, nil)
	defer d.Close(context.Background())

	ticker := time.NewTicker(time.Second / time.Duration(eventRate))
	defer ticker.Stop()

	start := time.Now()
	var dispatched atomic.Int64

	go func() {
		for i := 0; i < totalEvents; i++ {
			<-ticker.C
			event := &dispatcher.Event{
				Payload:     cloudevent.New(job.EventTypeRunSucceeded, "e2e", "load", fmt.Sprintf("load-%d", i), map[string]any{"i": i}),
				Destination: webhookServer.URL,
			}
			if err := d.Dispatch(event); err == nil {
				dispatched.Add(1)
			}
		}
	}()

	// Wait for all events to be dispatched, then wait for delivery
	testutil.WaitFor(t, func() bool {
		return dispatched.Load() >= int64(totalEvents)
	}, testutil.WithTimeout(time.Duration(duration+5)*time.Second))

	testutil.WaitFor(t, func() bool {
		stats := d.Stats()
		return stats.Delivered+stats.Failed+stats.Dropped >= dispatched.Load()
	}, testutil.WithTimeout(10*time.Second))

	stats := d.Stats()
	elapsed := time.Since(start)

	t.Logf("=== Dispatcher Load Test ===")
	t.Logf("Target rate:   %d events/sec for %ds", eventRate, duration)
	t.Logf("Dispatched:    %d events", dispatched.Load())
	t.Logf("Received:      %d webhooks", received.Load())
	t.Logf("Slow calls:    %d", slow.Load())
	t.Logf("Delivered:     %d", stats.Delivered)
	t.Logf("Failed:        %d", stats.Failed)
	t.Logf("Dropped:       %d", stats.Dropped)
	t.Logf("Retries:       %d", stats.RetriesTotal)
	t.Logf("Requeued:      %d", stats.Requeued)
	t.Logf("Elapsed:       %v", elapsed)

	dispatchedCount := dispatched.Load()
	if dispatchedCount < int64(totalEvents*0.9) {
		t.Errorf("Expected to dispatch at least 90%% of events, got %d/%d", dispatchedCount, totalEvents)
	}
	if rate := float64(received.Load()) / float64(dispatchedCount) * 100; rate < 90 {
		t.Errorf("Expected at least 90%% delivery rate, got %.1f%%", rate)
	}
	if stats.Dropped > int64(totalEvents*0.05) {
		t.Errorf("Too many dropped events: %d (max 5%% of %d)", stats.Dropped, totalEvents)
	}
}
