// Package testutil provides fakes, stores and polling helpers shared by
// package tests.
package testutil

import (
	"context"
	"log/slog"
	"testing"

	"jobctl/internal/store"
)

// NewStore opens a migrated in-memory SQLite store closed on test cleanup.
func NewStore(tb testing.TB) *store.Store {
	tb.Helper()
	s, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, DSN: ":memory:"}, Logger())
	if err != nil {
		tb.Fatalf("Failed to open store: %v", err)
	}
	tb.Cleanup(func() { _ = s.Close() })
	return s
}

// Logger returns a logger that discards output.
func Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
