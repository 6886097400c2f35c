// Package config loads engine configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the recognized engine-level options.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	LeaseStore StoreConfig     `yaml:"lease_store"`
	LogStore   StoreConfig     `yaml:"log_store"`
	Lock       LockConfig      `yaml:"lock"`
	Saga       SagaConfig      `yaml:"saga"`
	Event      EventConfig     `yaml:"event"`
	Cache      CacheConfig     `yaml:"cache"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	LogLevel   string          `yaml:"log_level"`
}

// ServerConfig configures the REST listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig is shared by the lease store and the log store.
type StoreConfig struct {
	URL       string `yaml:"url"`
	PoolSize  int    `yaml:"pool_size"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Timeout returns the per-call store timeout.
func (s StoreConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

type LockConfig struct {
	WaitPollMinMS int `yaml:"wait_poll_min_ms"`
	WaitPollMaxMS int `yaml:"wait_poll_max_ms"`
}

type SagaConfig struct {
	MaxRetriesDefault    int `yaml:"max_retries_default"`
	DefaultStepTimeoutMS int `yaml:"default_step_timeout_ms"`
}

type EventConfig struct {
	AppendConflictRetries int `yaml:"append_conflict_retries"`
}

type CacheConfig struct {
	DefaultTTLMS int `yaml:"default_ttl_ms"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Server:     ServerConfig{Addr: ":8080"},
		LeaseStore: StoreConfig{URL: "redis://localhost:6379/0", PoolSize: 10, TimeoutMS: 30000},
		LogStore:   StoreConfig{URL: "postgres://syros@localhost:5432/syros?sslmode=disable", PoolSize: 10, TimeoutMS: 30000},
		Lock:       LockConfig{WaitPollMinMS: 50, WaitPollMaxMS: 500},
		Saga:       SagaConfig{MaxRetriesDefault: 3, DefaultStepTimeoutMS: 30000},
		Event:      EventConfig{AppendConflictRetries: 8},
		Cache:      CacheConfig{DefaultTTLMS: 0},
		Telemetry:  TelemetryConfig{Enabled: false, OTLPEndpoint: "localhost:4317", Insecure: true},
		LogLevel:   "INFO",
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), then applies environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	strVar(&c.Server.Addr, "SYROS_ADDR")
	strVar(&c.LeaseStore.URL, "SYROS_LEASE_STORE_URL")
	strVar(&c.LogStore.URL, "SYROS_LOG_STORE_URL")
	strVar(&c.LogLevel, "SYROS_LOG_LEVEL")
	strVar(&c.Telemetry.OTLPEndpoint, "SYROS_OTLP_ENDPOINT")
	intVar(&c.LeaseStore.PoolSize, "SYROS_LEASE_STORE_POOL_SIZE")
	intVar(&c.LogStore.PoolSize, "SYROS_LOG_STORE_POOL_SIZE")
	intVar(&c.LeaseStore.TimeoutMS, "SYROS_LEASE_STORE_TIMEOUT_MS")
	intVar(&c.LogStore.TimeoutMS, "SYROS_LOG_STORE_TIMEOUT_MS")
	intVar(&c.Event.AppendConflictRetries, "SYROS_EVENT_APPEND_CONFLICT_RETRIES")
	boolVar(&c.Telemetry.Enabled, "SYROS_TELEMETRY_ENABLED")
}

func strVar(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func intVar(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolVar(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}
