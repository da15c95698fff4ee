package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// --- Config Types ---

type Config struct {
	ListenAddr string          `json:"listenAddr"`
	Relay      RelayConfig     `json:"relay"`
	Worker     WorkerConfig    `json:"worker"`
	Models     []string        `json:"models,omitempty"`
	RateLimit  RateLimitConfig `json:"rateLimit,omitempty"`
	Activity   ActivityConfig  `json:"activity,omitempty"`
	Logging    LoggingConfig   `json:"logging,omitempty"`

	// Resolved at load time (not serialized).
	path string
}

// RelayConfig holds the admission and dispatch settings. Policy and Timeout
// are only the startup values; the admin API changes them at runtime.
type RelayConfig struct {
	Policy     string `json:"policy,omitempty"`     // "queue" (default) | "drop"
	Timeout    string `json:"timeout,omitempty"`    // per-job timeout (default "180s")
	MaxQueue   int    `json:"maxQueue,omitempty"`   // 0 = unbounded
	MaxWorkers int    `json:"maxWorkers,omitempty"` // default 1
}

// WorkerConfig configures the worker WebSocket endpoint.
type WorkerConfig struct {
	Path                string `json:"path,omitempty"`                // default "/ws"
	Token               string `json:"token,omitempty"`               // $ENV_VAR supported
	HeartbeatInterval   string `json:"heartbeatInterval,omitempty"`   // default "30s"
	InactivityThreshold string `json:"inactivityThreshold,omitempty"` // default "30s"
	MaxMessageBytes     int64  `json:"maxMessageBytes,omitempty"`     // default 16 MiB
}

// RateLimitConfig configures per-IP limiting of the completion endpoint.
type RateLimitConfig struct {
	Enabled   bool    `json:"enabled,omitempty"`
	PerSecond float64 `json:"perSecond,omitempty"` // default 5
	Burst     int     `json:"burst,omitempty"`     // default 10
}

// ActivityConfig sizes the recent-activity log shown by the admin API.
type ActivityConfig struct {
	Size int `json:"size,omitempty"` // default 100
}

// --- Defaults ---

const (
	defaultListenAddr = "127.0.0.1:8766"
	defaultModelName  = "browser-relay"
)

func (c RelayConfig) policyOrDefault() AdmissionPolicy {
	if p, err := parsePolicy(c.Policy); err == nil {
		return p
	}
	return PolicyQueue
}

func (c RelayConfig) timeoutOrDefault() time.Duration {
	return parseDurationOr(c.Timeout, 180*time.Second)
}

func (c RelayConfig) maxWorkersOrDefault() int {
	if c.MaxWorkers > 0 {
		return c.MaxWorkers
	}
	return 1
}

func (c WorkerConfig) pathOrDefault() string {
	if c.Path != "" {
		return c.Path
	}
	return "/ws"
}

func (c WorkerConfig) heartbeatIntervalOrDefault() time.Duration {
	return parseDurationOr(c.HeartbeatInterval, 30*time.Second)
}

func (c WorkerConfig) inactivityThresholdOrDefault() time.Duration {
	return parseDurationOr(c.InactivityThreshold, 30*time.Second)
}

func (c WorkerConfig) maxMessageBytesOrDefault() int64 {
	if c.MaxMessageBytes > 0 {
		return c.MaxMessageBytes
	}
	return 16 * 1024 * 1024
}

func (c RateLimitConfig) perSecondOrDefault() float64 {
	if c.PerSecond > 0 {
		return c.PerSecond
	}
	return 5
}

func (c RateLimitConfig) burstOrDefault() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return 10
}

func (c ActivityConfig) sizeOrDefault() int {
	if c.Size > 0 {
		return c.Size
	}
	return 100
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// --- Loading ---

// tryLoadConfig reads the JSON config at path. With an empty path it looks
// for ./config.json and falls back to defaults when that does not exist.
func tryLoadConfig(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = "config.json"
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.path = path
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Defaults only.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(&cfg)
	resolveSecrets(&cfg)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.Relay.Policy == "" {
		cfg.Relay.Policy = string(PolicyQueue)
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{defaultModelName}
	}
}

// applyEnvOverrides lets the most common knobs be set without a file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATRELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHATRELAY_POLICY"); v != "" {
		cfg.Relay.Policy = v
	}
	if v := os.Getenv("CHATRELAY_TIMEOUT"); v != "" {
		cfg.Relay.Timeout = v
	}
	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// resolveEnvRef resolves a value starting with $ to the environment variable.
func resolveEnvRef(value, fieldName string) string {
	if !strings.HasPrefix(value, "$") {
		return value
	}
	envKey := value[1:]
	if envKey == "" {
		return value
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	logWarn("env var not set", "field", fieldName, "env", envKey)
	return ""
}

func resolveSecrets(cfg *Config) {
	cfg.Worker.Token = resolveEnvRef(cfg.Worker.Token, "worker.token")
}

// validate reports every problem at once.
func (cfg *Config) validate() error {
	var err error
	if _, perr := parsePolicy(cfg.Relay.Policy); perr != nil {
		err = multierr.Append(err, fmt.Errorf("relay.policy: %w", perr))
	}
	err = multierr.Append(err, checkDuration("relay.timeout", cfg.Relay.Timeout))
	err = multierr.Append(err, checkDuration("worker.heartbeatInterval", cfg.Worker.HeartbeatInterval))
	err = multierr.Append(err, checkDuration("worker.inactivityThreshold", cfg.Worker.InactivityThreshold))
	if cfg.Relay.MaxQueue < 0 {
		err = multierr.Append(err, fmt.Errorf("relay.maxQueue: must be >= 0, got %d", cfg.Relay.MaxQueue))
	}
	if cfg.Relay.MaxWorkers < 0 {
		err = multierr.Append(err, fmt.Errorf("relay.maxWorkers: must be >= 0, got %d", cfg.Relay.MaxWorkers))
	}
	if p := cfg.Worker.Path; p != "" && !strings.HasPrefix(p, "/") {
		err = multierr.Append(err, fmt.Errorf("worker.path: must start with /, got %q", p))
	}
	if cfg.RateLimit.PerSecond < 0 || cfg.RateLimit.Burst < 0 {
		err = multierr.Append(err, errors.New("rateLimit: perSecond and burst must be >= 0"))
	}
	return err
}

// checkDuration accepts "" (use default) or a positive Go duration.
func checkDuration(field, s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: must be positive, got %s", field, s)
	}
	return nil
}
