package reporter

import (
	"os"
	"time"

	"jobctl/internal/config"
)

// DefaultMaxOutput is how much trailing command output is reported.
const DefaultMaxOutput = 5000

// Config holds configuration for the job reporter.
type Config struct {
	ServerURL      string
	APIKey         string
	JobName        string
	Description    string
	User           string
	Hostname       string
	RequestTimeout time.Duration
	Retries        int
	MaxOutput      int
}

// LoadConfigFromEnv loads reporter configuration from environment variables.
// Missing user and hostname fall back to the current process identity.
func LoadConfigFromEnv() *Config {
	hostname, _ := os.Hostname()
	cfg := &Config{
		ServerURL:      config.GetEnv("JOBCTL_URL", "http://localhost:8080"),
		APIKey:         config.GetEnv("JOBCTL_API_KEY", ""),
		JobName:        config.GetEnv("JOBCTL_JOB_NAME", ""),
		Description:    config.GetEnv("JOBCTL_JOB_DESCRIPTION", ""),
		User:           config.GetEnv("JOBCTL_USER", config.GetEnv("SUDO_USER", config.GetEnv("USER", ""))),
		Hostname:       config.GetEnv("JOBCTL_HOSTNAME", hostname),
		RequestTimeout: config.GetDurationEnv("JOBCTL_REQUEST_TIMEOUT", 5*time.Second),
		Retries:        config.GetIntEnv("JOBCTL_RETRIES", 3),
		MaxOutput:      config.GetIntEnv("JOBCTL_MAX_OUTPUT", DefaultMaxOutput),
	}
	if key := config.GetSecretFile(config.GetEnv("JOBCTL_API_KEY_FILE", "")); key != "" {
		cfg.APIKey = key
	}
	return cfg
}
