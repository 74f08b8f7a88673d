package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	if got := GetEnv("JOBCTL_TEST_NONEXISTENT", "default"); got != "default" {
		t.Errorf("Expected 'default', got %q", got)
	}
	t.Setenv("JOBCTL_TEST_GET_ENV", "custom")
	if got := GetEnv("JOBCTL_TEST_GET_ENV", "default"); got != "custom" {
		t.Errorf("Expected 'custom', got %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	if got := GetIntEnv("JOBCTL_TEST_NONEXISTENT_INT", 42); got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
	t.Setenv("JOBCTL_TEST_INT", "123")
	if got := GetIntEnv("JOBCTL_TEST_INT", 42); got != 123 {
		t.Errorf("Expected 123, got %d", got)
	}
	t.Setenv("JOBCTL_TEST_BAD_INT", "not-a-number")
	if got := GetIntEnv("JOBCTL_TEST_BAD_INT", 42); got != 42 {
		t.Errorf("Expected 42 for invalid int, got %d", got)
	}
}

func TestGetDurationEnv(t *testing.T) {
	if got := GetDurationEnv("JOBCTL_TEST_NONEXISTENT_DUR", 5*time.Second); got != 5*time.Second {
		t.Errorf("Expected 5s, got %v", got)
	}
	t.Setenv("JOBCTL_TEST_DUR", "2m")
	if got := GetDurationEnv("JOBCTL_TEST_DUR", time.Second); got != 2*time.Minute {
		t.Errorf("Expected 2m, got %v", got)
	}
	t.Setenv("JOBCTL_TEST_BAD_DUR", "soon")
	if got := GetDurationEnv("JOBCTL_TEST_BAD_DUR", time.Second); got != time.Second {
		t.Errorf("Expected default for invalid duration, got %v", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "secret", "token\n")

	if got := GetSecretFile(path); got != "token" {
		t.Errorf("Expected trimmed secret, got %q", got)
	}
	if got := GetSecretFile(filepath.Join(dir, "missing")); got != "" {
		t.Errorf("Expected empty for missing file, got %q", got)
	}
	if got := GetSecretFile(""); got != "" {
		t.Errorf("Expected empty for empty path, got %q", got)
	}
}
