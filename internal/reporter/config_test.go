package reporter

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(keyFile, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JOBCTL_URL", "http://jobctl:9000")
	t.Setenv("JOBCTL_API_KEY", "from-env")
	t.Setenv("JOBCTL_API_KEY_FILE", keyFile)
	t.Setenv("JOBCTL_USER", "")
	t.Setenv("SUDO_USER", "bob")
	t.Setenv("JOBCTL_REQUEST_TIMEOUT", "2s")

	cfg := LoadConfigFromEnv()
	if cfg.ServerURL != "http://jobctl:9000" {
		t.Errorf("Expected server URL from env, got %s", cfg.ServerURL)
	}
	if cfg.APIKey != "from-file" {
		t.Errorf("Expected key file to win, got %q", cfg.APIKey)
	}
	if cfg.User != "bob" {
		t.Errorf("Expected SUDO_USER fallback, got %q", cfg.User)
	}
	if cfg.RequestTimeout != 2*time.Second {
		t.Errorf("Expected 2s timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.MaxOutput != DefaultMaxOutput {
		t.Errorf("Expected default max output, got %d", cfg.MaxOutput)
	}
}
