// Package config loads AEOR server configuration from an optional YAML file
// and 12-factor environment variables. Environment variables win.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Lock backends.
const (
	LockBackendSQL    = "sql"
	LockBackendRedis  = "redis"
	LockBackendMemory = "memory"
)

// Config holds server configuration.
type Config struct {
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// DatabaseURL selects Postgres. Empty means SQLite lite mode under DataDir.
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	LockBackend   string        `yaml:"lock_backend"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`

	PolicyFile string `yaml:"policy_file"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
	JWTSecret string  `yaml:"jwt_secret"`

	SandboxMemoryLimitBytes int64         `yaml:"sandbox_memory_limit_bytes"`
	SandboxCPUTimeLimit     time.Duration `yaml:"sandbox_cpu_time_limit"`

	EscalationAckSLA time.Duration `yaml:"escalation_ack_sla"`
	// EscalationSigningSecret signs resolution receipts. Empty leaves them unsigned.
	EscalationSigningSecret string `yaml:"escalation_signing_secret"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Addr:                    ":8080",
		LogLevel:                "INFO",
		LogFormat:               "json",
		DataDir:                 "data",
		LockBackend:             LockBackendSQL,
		LockTTL:                 15 * time.Minute,
		RedisAddr:               "localhost:6379",
		OTelEndpoint:            "localhost:4317",
		RateRPS:                 20,
		RateBurst:               40,
		SandboxMemoryLimitBytes: 64 * 1024 * 1024,
		SandboxCPUTimeLimit:     30 * time.Second,
		EscalationAckSLA:        15 * time.Minute,
	}
}

// SQLitePath is the lite-mode database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "aeor.db")
}

// Load reads AEOR_CONFIG (if set) and then the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("AEOR_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("AEOR_ADDR", &c.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("DATABASE_URL", &c.DatabaseURL)
	str("DATA_DIR", &c.DataDir)
	str("LOCK_BACKEND", &c.LockBackend)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("POLICY_FILE", &c.PolicyFile)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)
	str("API_JWT_SECRET", &c.JWTSecret)
	str("ESCALATION_SIGNING_SECRET", &c.EscalationSigningSecret)

	var errs []string
	parse := func(key string, fn func(string) error) {
		if v := os.Getenv(key); v != "" {
			if err := fn(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
			}
		}
	}
	parse("REDIS_DB", intVar(&c.RedisDB))
	parse("LOCK_TTL", durationVar(&c.LockTTL))
	parse("OTEL_ENABLED", boolVar(&c.OTelEnabled))
	parse("API_RATE_RPS", floatVar(&c.RateRPS))
	parse("API_RATE_BURST", intVar(&c.RateBurst))
	parse("SANDBOX_MEMORY_LIMIT_BYTES", int64Var(&c.SandboxMemoryLimitBytes))
	parse("SANDBOX_CPU_TIME_LIMIT", durationVar(&c.SandboxCPUTimeLimit))
	parse("ESCALATION_ACK_SLA", durationVar(&c.EscalationAckSLA))

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func intVar(dst *int) func(string) error {
	return func(v string) (err error) {
		*dst, err = strconv.Atoi(v)
		return err
	}
}

func int64Var(dst *int64) func(string) error {
	return func(v string) (err error) {
		*dst, err = strconv.ParseInt(v, 10, 64)
		return err
	}
}

func floatVar(dst *float64) func(string) error {
	return func(v string) (err error) {
		*dst, err = strconv.ParseFloat(v, 64)
		return err
	}
}

func boolVar(dst *bool) func(string) error {
	return func(v string) (err error) {
		*dst, err = strconv.ParseBool(v)
		return err
	}
}

func durationVar(dst *time.Duration) func(string) error {
	return func(v string) (err error) {
		*dst, err = time.ParseDuration(v)
		return err
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.LockBackend {
	case LockBackendSQL, LockBackendRedis, LockBackendMemory:
	default:
		return fmt.Errorf("config: unsupported LOCK_BACKEND %q", c.LockBackend)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unsupported LOG_FORMAT %q", c.LogFormat)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("config: LOCK_TTL must be positive")
	}
	if c.RateRPS < 0 || c.RateBurst < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	if c.DatabaseURL == "" && c.DataDir == "" {
		return fmt.Errorf("config: DATA_DIR is required in lite mode")
	}
	return nil
}
