// Package config assembles the service configuration once at startup from
// defaults, an optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is passed by value into constructors and never re-read.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Audit      AuditConfig      `yaml:"audit"`
	Planner    PlannerConfig    `yaml:"planner"`
	Events     EventsConfig     `yaml:"events"`
	Health     HealthConfig     `yaml:"health"`
	Escalation EscalationConfig `yaml:"escalation"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type DatabaseConfig struct {
	// URL is postgres://... or sqlite://<path>.
	URL             string        `yaml:"url"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectWait     time.Duration `yaml:"connect_wait"`
}

type CacheConfig struct {
	// URL is redis://... or memory://.
	URL   string        `yaml:"url"`
	TTL   time.Duration `yaml:"ttl"`
	Retry RetryConfig   `yaml:"retry"`
}

// RetryConfig bounds synchronous invalidation retries.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	Multiplier float64       `yaml:"multiplier"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

type AuditConfig struct {
	// Backend is sql, mongo or memory.
	Backend         string `yaml:"backend"`
	MongoURL        string `yaml:"mongo_url"`
	MongoDatabase   string `yaml:"mongo_database"`
	MongoCollection string `yaml:"mongo_collection"`
}

type PlannerConfig struct {
	// Mode is remote-first or heuristic-only.
	Mode string `yaml:"mode"`
	// RemoteTarget "disabled" turns the remote planner off whatever the
	// provider says. Any other value is used as the endpoint when Endpoint
	// is empty.
	RemoteTarget string        `yaml:"remote_target"`
	Provider     string        `yaml:"provider"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
}

type EventsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	Attempts      int           `yaml:"attempts"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
}

// EscalationConfig routes emergent intakes to an on-call Telegram chat.
type EscalationConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	ChatID        string `yaml:"chat_id"`
	FontPath      string `yaml:"font_path"`
}

func (e EscalationConfig) Enabled() bool {
	return e.TelegramToken != "" && e.ChatID != ""
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Database: DatabaseConfig{
			URL:             "sqlite://careplan.db",
			ConnectAttempts: 10,
			ConnectWait:     2 * time.Second,
		},
		Cache: CacheConfig{
			URL: "memory://",
			TTL: 60 * time.Second,
			Retry: RetryConfig{
				Attempts:   3,
				Backoff:    50 * time.Millisecond,
				Multiplier: 2,
				MaxBackoff: 500 * time.Millisecond,
			},
		},
		Audit: AuditConfig{
			Backend:         "sql",
			MongoDatabase:   "care_intelligence",
			MongoCollection: "intake_audit",
		},
		Planner: PlannerConfig{
			Mode:     "remote-first",
			Provider: "disabled",
			Timeout:  10 * time.Second,
		},
		Events: EventsConfig{
			Enabled:       false,
			NATSURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: "careplan",
			Workers:       4,
			QueueSize:     256,
			Attempts:      3,
			DrainTimeout:  10 * time.Second,
		},
		Health: HealthConfig{
			FailureThreshold: 3,
			PollInterval:     15 * time.Second,
			ProbeTimeout:     2 * time.Second,
		},
	}
}

// LoadFromFile overlays a YAML file on the defaults.
func LoadFromFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load builds the final configuration: defaults, then the file at path if
// given, then environment variables, then validation.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment variables the deployment
// manifests use.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Server.Port)
	str("LOG_LEVEL", &c.Logging.Level)
	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_URL", &c.Cache.URL)
	str("MONGO_DB", &c.Audit.MongoDatabase)
	str("MONGO_COLLECTION", &c.Audit.MongoCollection)
	str("PLANNER_MODE", &c.Planner.Mode)
	str("CARE_PLAN_REMOTE_TARGET", &c.Planner.RemoteTarget)
	str("GEN_AI_PROVIDER", &c.Planner.Provider)
	str("GEN_AI_MODEL", &c.Planner.Model)
	str("GEN_AI_API_KEY", &c.Planner.APIKey)
	str("GEN_AI_ENDPOINT", &c.Planner.Endpoint)
	str("NATS_URL", &c.Events.NATSURL)
	str("TELEGRAM_BOT_TOKEN", &c.Escalation.TelegramToken)
	str("ON_CALL_CHAT_ID", &c.Escalation.ChatID)
	str("REPORT_FONT_PATH", &c.Escalation.FontPath)

	if v, ok := lookup("MONGO_URL"); ok && v != "" {
		c.Audit.MongoURL = v
		if _, explicit := lookup("AUDIT_BACKEND"); !explicit {
			c.Audit.Backend = "mongo"
		}
	}
	str("AUDIT_BACKEND", &c.Audit.Backend)

	if v, ok := lookup("REDIS_TTL_SECONDS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_TTL_SECONDS: %w", err)
		}
		c.Cache.TTL = time.Duration(n) * time.Second
	}
	if v, ok := lookup("EVENTS_ENABLED"); ok && v != "" {
		c.Events.Enabled = parseBool(v)
	}
	return nil
}

// parseBool accepts the spellings the deployment manifests use.
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// RemoteProvider is the backend the remote planner should use. A remote
// target on its own selects the generic http chat-completions client.
func (p PlannerConfig) RemoteProvider() string {
	if strings.EqualFold(p.RemoteTarget, "disabled") {
		return "disabled"
	}
	switch strings.ToLower(strings.TrimSpace(p.Provider)) {
	case "", "disabled", "heuristic":
		if strings.TrimSpace(p.RemoteTarget) != "" {
			return "http"
		}
		return "disabled"
	}
	return p.Provider
}

// RemoteDisabled reports whether the remote planner is turned off.
func (p PlannerConfig) RemoteDisabled() bool {
	return p.RemoteProvider() == "disabled"
}

// RemoteEndpoint is Endpoint, or RemoteTarget when only that is set.
func (p PlannerConfig) RemoteEndpoint() string {
	if p.Endpoint != "" || strings.EqualFold(p.RemoteTarget, "disabled") {
		return p.Endpoint
	}
	return p.RemoteTarget
}

// Validate checks that the configuration is valid
func (c Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.Retry.Attempts < 1 {
		return fmt.Errorf("cache.retry.attempts must be at least 1")
	}
	switch c.Audit.Backend {
	case "sql", "memory":
	case "mongo":
		if c.Audit.MongoURL == "" {
			return fmt.Errorf("audit.mongo_url is required for the mongo backend")
		}
	default:
		return fmt.Errorf("audit.backend must be sql, mongo or memory, got %q", c.Audit.Backend)
	}
	switch strings.ToLower(c.Planner.Mode) {
	case "", "remote-first", "heuristic-only", "heuristic":
	default:
		return fmt.Errorf("planner.mode must be remote-first or heuristic-only, got %q", c.Planner.Mode)
	}
	if c.Planner.Timeout <= 0 {
		return fmt.Errorf("planner.timeout must be positive")
	}
	if c.Events.Enabled && c.Events.NATSURL == "" {
		return fmt.Errorf("events.nats_url is required when events are enabled")
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1")
	}
	return nil
}
