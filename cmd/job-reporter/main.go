// job-reporter runs a host command and records it in jobctld as a
// MONITORED run.
//
// Usage: job-reporter [--] command [args...]
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"jobctl/internal/reporter"
)

func main() {
	// Logs go to stderr so the wrapped command owns stdout.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		slog.Error("Usage: job-reporter [--] command [args...]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := reporter.NewRunner(reporter.LoadConfigFromEnv(), logger).Run(ctx, args)
	if err != nil {
		slog.Error("Reporter failed", "error", err)
		os.Exit(1)
	}
	stop()
	os.Exit(code)
}
