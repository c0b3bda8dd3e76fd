package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override file-based settings. Secrets never live
// in the TOML file.
const (
	EnvDatabaseDSN = "QUESTLINE_DB_DSN"
	EnvAuthSecret  = "QUESTLINE_AUTH_SECRET"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration for questlined.
type Config struct {
	Environment    string          `toml:"environment"`
	Server         Server          `toml:"server"`
	Database       Database        `toml:"database"`
	EventQueue     EventQueue      `toml:"event_queue"`
	EventRetention EventRetention  `toml:"event_retention"`
	Engine         Engine          `toml:"engine"`
	Auth           Auth            `toml:"auth"`
	Telemetry      Telemetry       `toml:"telemetry"`
}

// Server configures the HTTP surface.
type Server struct {
	Listen           string   `toml:"listen"`
	ShutdownGrace    Duration `toml:"shutdown_grace"`
	IngestRatePerSec float64  `toml:"ingest_rate_per_sec"`
	IngestBurst      int      `toml:"ingest_burst"`
}

// Database selects the backing store. Driver is "postgres" or "sqlite".
type Database struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// EventQueue configures the durable ingest queue and the worker pool.
type EventQueue struct {
	ProcessingInterval      Duration `toml:"processing_interval"`
	MaxConcurrentProcessing int      `toml:"max_concurrent_processing"`
	MaxQueueSize            int      `toml:"max_queue_size"`
	EnableRetryOnFailure    bool     `toml:"enable_retry_on_failure"`
	MaxRetryAttempts        int      `toml:"max_retry_attempts"`
	RetryBackoff            Duration `toml:"retry_backoff"`
}

// EventRetention configures the retention sweeper.
type EventRetention struct {
	RetentionDays   int      `toml:"retention_days"`
	BatchSize       int      `toml:"batch_size"`
	CleanupInterval Duration `toml:"cleanup_interval"`
}

// Engine configures rule evaluation limits.
type Engine struct {
	MaxCascadeDepth        int      `toml:"max_cascade_depth"`
	MaxEvalMs              int64    `toml:"max_eval_ms"`
	RequireKnownEventTypes bool     `toml:"require_known_event_types"`
	ClockSkew              Duration `toml:"clock_skew"`
}

// Auth guards the admin surface with HS256 bearer tokens when enabled.
type Auth struct {
	Enable    bool   `toml:"enable"`
	Issuer    string `toml:"issuer"`
	Audience  string `toml:"audience"`
	RoleClaim string `toml:"role_claim"`
	Secret    string `toml:"-"`
}

// Telemetry configures the OTLP trace exporter.
type Telemetry struct {
	Enable   bool   `toml:"enable"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

// Default returns the configuration used when keys are absent.
func Default() Config {
	return Config{
		Environment: "dev",
		Server: Server{
			Listen:           ":8080",
			ShutdownGrace:    Duration(15 * time.Second),
			IngestRatePerSec: 200,
			IngestBurst:      400,
		},
		Database: Database{
			Driver: "sqlite",
			DSN:    "questline.db",
		},
		EventQueue: EventQueue{
			ProcessingInterval:      Duration(time.Second),
			MaxConcurrentProcessing: 4,
			MaxQueueSize:            10000,
			EnableRetryOnFailure:    true,
			MaxRetryAttempts:        3,
			RetryBackoff:            Duration(500 * time.Millisecond),
		},
		EventRetention: EventRetention{
			RetentionDays:   30,
			BatchSize:       500,
			CleanupInterval: Duration(time.Hour),
		},
		Engine: Engine{
			MaxCascadeDepth: 8,
			MaxEvalMs:       250,
			ClockSkew:       Duration(5 * time.Minute),
		},
		Auth: Auth{
			RoleClaim: "role",
		},
	}
}

// Load reads the TOML file at path, applies defaults, env overrides and
// validation. An empty path yields the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		meta, err := toml.DecodeFile(trimmed, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", trimmed, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return cfg, fmt.Errorf("unrecognized config keys: %s", strings.Join(keys, ", "))
		}
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		cfg.Database.DSN = dsn
	}
	cfg.Auth.Secret = strings.TrimSpace(os.Getenv(EnvAuthSecret))
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.EventQueue.MaxConcurrentProcessing <= 0 {
		return fmt.Errorf("event_queue.max_concurrent_processing must be positive")
	}
	if c.EventQueue.MaxQueueSize <= 0 {
		return fmt.Errorf("event_queue.max_queue_size must be positive")
	}
	if c.EventQueue.EnableRetryOnFailure && c.EventQueue.MaxRetryAttempts <= 0 {
		return fmt.Errorf("event_queue.max_retry_attempts must be positive when retry is enabled")
	}
	if c.EventQueue.ProcessingInterval.Std() <= 0 {
		return fmt.Errorf("event_queue.processing_interval must be positive")
	}
	if c.EventRetention.RetentionDays <= 0 {
		return fmt.Errorf("event_retention.retention_days must be positive")
	}
	if c.EventRetention.BatchSize <= 0 {
		return fmt.Errorf("event_retention.batch_size must be positive")
	}
	if c.EventRetention.CleanupInterval.Std() <= 0 {
		return fmt.Errorf("event_retention.cleanup_interval must be positive")
	}
	if c.Engine.MaxCascadeDepth < 0 {
		return fmt.Errorf("engine.max_cascade_depth must not be negative")
	}
	if c.Auth.Enable && c.Auth.Secret == "" {
		return fmt.Errorf("%s must be set when auth is enabled", EnvAuthSecret)
	}
	return nil
}
