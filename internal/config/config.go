// Package config loads controller configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full controller configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Guardrails GuardrailConfig  `yaml:"guardrails"`
	Loop       LoopConfig       `yaml:"loop"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Verify     VerifyConfig     `yaml:"verify"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Ingest     IngestConfig     `yaml:"ingest"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type ClusterConfig struct {
	Namespace  string `yaml:"namespace"`
	NamePrefix string `yaml:"namePrefix"`
	// Mode selects the cluster backend: "fake" or "kubernetes".
	Mode string `yaml:"mode"`
}

type GuardrailConfig struct {
	MaxReplicas           int `yaml:"maxReplicas"`
	MinReplicas           int `yaml:"minReplicas"`
	CooldownSeconds       int `yaml:"cooldownSeconds"`
	MaxActionsPerHour     int `yaml:"maxActionsPerHour"`
	MaxScaleDeltaPer15Min int `yaml:"maxScaleDeltaPer15Min"`
}

type LoopConfig struct {
	QueueCapacity  int  `yaml:"queueCapacity"`
	WorkerPoolSize int  `yaml:"workerPoolSize"`
	DryRun         bool `yaml:"dryRun"`
	RecentSignals  int  `yaml:"recentSignals"`
}

type DispatchConfig struct {
	MaxRetries         int `yaml:"maxRetries"`
	BackoffBaseSeconds int `yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds  int `yaml:"backoffMaxSeconds"`
}

type VerifyConfig struct {
	TimeoutSeconds      int `yaml:"timeoutSeconds"`
	PollIntervalSeconds int `yaml:"pollIntervalSeconds"`
}

type DatabaseConfig struct {
	// DSN is a lib/pq connection string. Empty disables the durable
	// audit log.
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type IngestConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// Default returns the controller defaults.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8085"},
		Cluster: ClusterConfig{Namespace: "smartops", NamePrefix: "smartops-", Mode: "fake"},
		Guardrails: GuardrailConfig{
			MaxReplicas:           8,
			MinReplicas:           1,
			CooldownSeconds:       300,
			MaxActionsPerHour:     6,
			MaxScaleDeltaPer15Min: 3,
		},
		Loop: LoopConfig{
			QueueCapacity:  1000,
			WorkerPoolSize: 4,
			RecentSignals:  200,
		},
		Dispatch: DispatchConfig{
			MaxRetries:         3,
			BackoffBaseSeconds: 1,
			BackoffMaxSeconds:  10,
		},
		Verify: VerifyConfig{
			TimeoutSeconds:      60,
			PollIntervalSeconds: 2,
		},
		Logging: LoggingConfig{Level: "info"},
		Ingest:  IngestConfig{RatePerSecond: 50, Burst: 100},
	}
}

// Load reads configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("REMEDIATOR_ADDR", &c.Server.Addr)
	envStr("REMEDIATOR_NAMESPACE", &c.Cluster.Namespace)
	envStr("REMEDIATOR_NAME_PREFIX", &c.Cluster.NamePrefix)
	envStr("REMEDIATOR_CLUSTER_MODE", &c.Cluster.Mode)
	envStr("REMEDIATOR_DATABASE_DSN", &c.Database.DSN)
	envStr("REMEDIATOR_LOG_LEVEL", &c.Logging.Level)
	envInt("REMEDIATOR_MAX_REPLICAS", &c.Guardrails.MaxReplicas)
	envInt("REMEDIATOR_MIN_REPLICAS", &c.Guardrails.MinReplicas)
	envInt("REMEDIATOR_COOLDOWN_SECONDS", &c.Guardrails.CooldownSeconds)
	envInt("REMEDIATOR_MAX_ACTIONS_PER_HOUR", &c.Guardrails.MaxActionsPerHour)
	envInt("REMEDIATOR_MAX_SCALE_DELTA_15M", &c.Guardrails.MaxScaleDeltaPer15Min)
	envInt("REMEDIATOR_QUEUE_CAPACITY", &c.Loop.QueueCapacity)
	envInt("REMEDIATOR_WORKER_POOL_SIZE", &c.Loop.WorkerPoolSize)
	envBool("REMEDIATOR_DRY_RUN", &c.Loop.DryRun)
	envInt("REMEDIATOR_VERIFY_TIMEOUT_SECONDS", &c.Verify.TimeoutSeconds)
	envInt("REMEDIATOR_VERIFY_POLL_SECONDS", &c.Verify.PollIntervalSeconds)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (c *Config) validate() error {
	if c.Guardrails.MinReplicas < 0 {
		return fmt.Errorf("config: minReplicas must be >= 0")
	}
	if c.Guardrails.MaxReplicas < c.Guardrails.MinReplicas {
		return fmt.Errorf("config: maxReplicas %d below minReplicas %d",
			c.Guardrails.MaxReplicas, c.Guardrails.MinReplicas)
	}
	if c.Loop.QueueCapacity <= 0 {
		return fmt.Errorf("config: queueCapacity must be positive")
	}
	if c.Loop.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: workerPoolSize must be positive")
	}
	if c.Dispatch.MaxRetries <= 0 {
		return fmt.Errorf("config: dispatch maxRetries must be positive")
	}
	return nil
}

// Cooldown returns the guardrail cooldown as a duration.
func (c GuardrailConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// Timeout returns the verification timeout as a duration.
func (c VerifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the verification poll interval as a duration.
func (c VerifyConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// BackoffBase returns the dispatch starting backoff as a duration.
func (c DispatchConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the dispatch backoff ceiling as a duration.
func (c DispatchConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}
