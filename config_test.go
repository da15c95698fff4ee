package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// ---------------------------------------------------------------------------
// resolveEnvRef
// ---------------------------------------------------------------------------

func TestResolveEnvRef(t *testing.T) {
	t.Setenv("CHATRELAY_TEST_SECRET", "mysecret")

	assert.Equal(t, "plaintext", resolveEnvRef("plaintext", "f"))
	assert.Equal(t, "mysecret", resolveEnvRef("$CHATRELAY_TEST_SECRET", "f"))
	assert.Equal(t, "", resolveEnvRef("$CHATRELAY_UNSET_VAR_12345", "f"))
	assert.Equal(t, "$", resolveEnvRef("$", "f"))
	assert.Equal(t, "", resolveEnvRef("", "f"))
}

// ---------------------------------------------------------------------------
// tryLoadConfig
// ---------------------------------------------------------------------------

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := tryLoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, PolicyQueue, cfg.Relay.policyOrDefault())
	assert.Equal(t, 180*time.Second, cfg.Relay.timeoutOrDefault())
	assert.Equal(t, 1, cfg.Relay.maxWorkersOrDefault())
	assert.Equal(t, "/ws", cfg.Worker.pathOrDefault())
	assert.Equal(t, 30*time.Second, cfg.Worker.heartbeatIntervalOrDefault())
	assert.Equal(t, 30*time.Second, cfg.Worker.inactivityThresholdOrDefault())
	assert.Equal(t, int64(16<<20), cfg.Worker.maxMessageBytesOrDefault())
	assert.Equal(t, []string{defaultModelName}, cfg.Models)
	assert.Equal(t, 100, cfg.Activity.sizeOrDefault())
	assert.Empty(t, cfg.path)
}

func TestLoadConfig_ExplicitMissingFileFails(t *testing.T) {
	_, err := tryLoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadConfig_FromFile(t *testing.T) {
	t.Setenv("CHATRELAY_WORKER_TOKEN", "tok")
	path := writeConfig(t, `{
		"listenAddr": "0.0.0.0:9000",
		"relay": {"policy": "drop", "timeout": "90s", "maxQueue": 8},
		"worker": {"path": "/extension", "token": "$CHATRELAY_WORKER_TOKEN", "heartbeatInterval": "10s"},
		"models": ["gpt-4o"],
		"rateLimit": {"enabled": true, "perSecond": 2},
		"logging": {"level": "debug", "format": "json"}
	}`)

	cfg, err := tryLoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.path)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, PolicyDrop, cfg.Relay.policyOrDefault())
	assert.Equal(t, 90*time.Second, cfg.Relay.timeoutOrDefault())
	assert.Equal(t, 8, cfg.Relay.MaxQueue)
	assert.Equal(t, "/extension", cfg.Worker.pathOrDefault())
	assert.Equal(t, "tok", cfg.Worker.Token)
	assert.Equal(t, 10*time.Second, cfg.Worker.heartbeatIntervalOrDefault())
	assert.Equal(t, []string{"gpt-4o"}, cfg.Models)
	assert.Equal(t, 2.0, cfg.RateLimit.perSecondOrDefault())
	assert.Equal(t, 10, cfg.RateLimit.burstOrDefault())
	assert.Equal(t, "debug", cfg.Logging.levelOrDefault())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `{"relay": {"policy": "queue", "timeout": "60s"}}`)
	t.Setenv("CHATRELAY_LISTEN_ADDR", "127.0.0.1:7000")
	t.Setenv("CHATRELAY_POLICY", "drop")
	t.Setenv("CHATRELAY_TIMEOUT", "15s")
	t.Setenv("CHATRELAY_LOG_LEVEL", "warn")

	cfg, err := tryLoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)
	assert.Equal(t, PolicyDrop, cfg.Relay.policyOrDefault())
	assert.Equal(t, 15*time.Second, cfg.Relay.timeoutOrDefault())
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfig_BadJSON(t *testing.T) {
	_, err := tryLoadConfig(writeConfig(t, `{"relay":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	_, err := tryLoadConfig(writeConfig(t, `{"relay": {"policy": "lifo", "timeout": "-1s"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.policy")
	assert.Contains(t, err.Error(), "relay.timeout")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Relay:     RelayConfig{Policy: "random", Timeout: "soon", MaxQueue: -1, MaxWorkers: -2},
		Worker:    WorkerConfig{Path: "ws", HeartbeatInterval: "0s", InactivityThreshold: "abc"},
		RateLimit: RateLimitConfig{PerSecond: -1},
	}
	err := cfg.validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 8)

	ok := &Config{Relay: RelayConfig{Policy: "queue"}}
	assert.NoError(t, ok.validate())
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseDurationOr("", 5*time.Second))
	assert.Equal(t, 5*time.Second, parseDurationOr("junk", 5*time.Second))
	assert.Equal(t, 5*time.Second, parseDurationOr("-3s", 5*time.Second))
	assert.Equal(t, 2*time.Minute, parseDurationOr("2m", 5*time.Second))
}
