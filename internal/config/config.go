// Package config loads jobctld configuration from an optional YAML file,
// JOBCTL_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata" // scheduler.timezone must resolve on minimal images

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"jobctl/internal/job"
)

// EnvPrefix prefixes every environment override, e.g. JOBCTL_SERVER_PORT.
const EnvPrefix = "JOBCTL"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Users     UsersConfig     `mapstructure:"users"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port              string        `mapstructure:"port"`
	MetricsPort       string        `mapstructure:"metricsPort"`
	APIKeyFile        string        `mapstructure:"apiKeyFile"`
	ShutdownDrainWait time.Duration `mapstructure:"shutdownDrainWait"` // time for load balancers to drain (0 to skip)
	ShutdownTimeout   time.Duration `mapstructure:"shutdownTimeout"`
	RateLimit         float64       `mapstructure:"rateLimit"` // mutating requests per second
	RateBurst         int           `mapstructure:"rateBurst"`

	// APIKey is read from APIKeyFile; empty disables authentication.
	APIKey string `mapstructure:"-"`
}

// StoreConfig selects the database.
type StoreConfig struct {
	Driver      string        `mapstructure:"driver"` // sqlite or postgres
	DSN         string        `mapstructure:"dsn"`
	BusyTimeout time.Duration `mapstructure:"busyTimeout"`
}

// DockerConfig configures the container runtime adapter.
type DockerConfig struct {
	Network             string        `mapstructure:"network"`
	Retention           time.Duration `mapstructure:"retention"`
	MaintenanceInterval time.Duration `mapstructure:"maintenanceInterval"`
}

// SchedulerConfig configures the dispatch loop.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tickInterval"`
	MaxRuntime   time.Duration `mapstructure:"maxRuntime"`
	StopGrace    time.Duration `mapstructure:"stopGrace"`
	QueueSize    int           `mapstructure:"queueSize"`
	MaxCatchUp   time.Duration `mapstructure:"maxCatchUp"`
	Hostname     string        `mapstructure:"hostname"`
	Timezone     string        `mapstructure:"timezone"`
}

// WebhookTarget is one webhook subscription.
type WebhookTarget struct {
	URL     string            `mapstructure:"url"`
	Events  []string          `mapstructure:"events"`
	Headers map[string]string `mapstructure:"headers"`
}

// WebhooksConfig configures event delivery.
type WebhooksConfig struct {
	URLs       []string        `mapstructure:"urls"` // shorthand for targets receiving every event
	Targets    []WebhookTarget `mapstructure:"targets"`
	SigningKey string          `mapstructure:"signingKey"`
	BufferSize int             `mapstructure:"bufferSize"`
	Workers    int             `mapstructure:"workers"`
	Timeout    time.Duration   `mapstructure:"timeout"`
	RateLimit  float64         `mapstructure:"rateLimit"` // requests per second per destination
}

// AllTargets merges URLs into Targets.
func (w WebhooksConfig) AllTargets() []WebhookTarget {
	out := make([]WebhookTarget, 0, len(w.URLs)+len(w.Targets))
	for _, u := range w.URLs {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, WebhookTarget{URL: u})
		}
	}
	return append(out, w.Targets...)
}

// MonitorConfig configures tracking of externally started containers.
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Label   string `mapstructure:"label"`
}

// UsersConfig locates the host account database.
type UsersConfig struct {
	Passwd string `mapstructure:"passwd"`
}

// JobsConfig points at declarative job definitions imported on start.
type JobsConfig struct {
	Definitions string `mapstructure:"definitions"`
}

// LogConfig controls logging. Level is reloaded when the file changes.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

var defaults = map[string]any{
	"server.port":                "8080",
	"server.metricsPort":         "9090",
	"server.apiKeyFile":          "",
	"server.shutdownDrainWait":   5 * time.Second,
	"server.shutdownTimeout":     30 * time.Second,
	"server.rateLimit":           20.0,
	"server.rateBurst":           40,
	"store.driver":               "sqlite",
	"store.dsn":                  "jobctl.db",
	"store.busyTimeout":          5 * time.Second,
	"docker.network":             "",
	"docker.retention":           24 * time.Hour,
	"docker.maintenanceInterval": 10 * time.Minute,
	"scheduler.tickInterval":     time.Second,
	"scheduler.maxRuntime":       time.Hour,
	"scheduler.stopGrace":        10 * time.Second,
	"scheduler.queueSize":        256,
	"scheduler.maxCatchUp":       time.Minute,
	"scheduler.hostname":         "",
	"scheduler.timezone":         "UTC",
	"webhooks.urls":              []string{},
	"webhooks.signingKey":        "",
	"webhooks.bufferSize":        1000,
	"webhooks.workers":           4,
	"webhooks.timeout":           10 * time.Second,
	"webhooks.rateLimit":         20.0,
	"monitor.enabled":            true,
	"monitor.label":              "jobctl.track=true",
	"users.passwd":               "/etc/passwd",
	"jobs.definitions":           "",
	"log.level":                  "info",
	"log.format":                 "json",
}

// Loader reads configuration and watches the file for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader. path names an explicit config file; when
// empty, jobctld.yaml is searched in the working directory and /etc/jobctl.
func NewLoader(path string) *Loader {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jobctld")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/jobctl")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load reads the config file, when there is one, and applies overrides.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Server.APIKey = GetSecretFile(cfg.Server.APIKeyFile)
	return &cfg, nil
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// WatchLevel reloads log.level into level whenever the config file changes.
func (l *Loader) WatchLevel(level *slog.LevelVar, log *slog.Logger) {
	if l.File() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := ParseLevel(l.v.GetString("log.level"))
		if err != nil {
			log.Warn("Ignoring invalid log level", "file", e.Name, "error", err)
			return
		}
		if next != level.Level() {
			level.Set(next)
			log.Info("Log level changed", "level", next.String())
		}
	})
	l.v.WatchConfig()
}

func (c *Config) validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tickInterval must be positive")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler.timezone: %w", err)
	}
	for _, t := range c.Webhooks.AllTargets() {
		if strings.TrimSpace(t.URL) == "" {
			return fmt.Errorf("webhook target without url")
		}
		if err := job.ValidateURL(t.URL); err != nil {
			return fmt.Errorf("webhook target %q: %w", t.URL, err)
		}
	}
	return nil
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}
