package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chainwatch/pkg/anomaly"
)

var envKeys = []string{
	"CHAINWATCH_CONFIG", "CHAINWATCH_STORE", "DATABASE_URL", "SQLITE_PATH", "BADGER_PATH",
	"ANOMALY_CAPACITY", "UNLOCK_INTERVAL", "UNLOCK_TOLERANCE", "ANOMALY_INTERVAL", "ANOMALY_SEED",
	"FETCH_ENABLED", "FETCH_INTERVAL", "FETCH_TOKENS", "ARCHIVE_INTERVAL", "ARCHIVE_AFTER",
	"ARCHIVE_DIR", "ARCHIVE_S3_BUCKET", "REDIS_ADDR", "REDIS_CHANNEL", "KAFKA_BROKERS",
	"KAFKA_TOPIC", "NOTIFY_RATE", "HTTP_ADDR", "UNHEALTHY_AFTER", "LOG_LEVEL", "LOG_FORMAT",
	"OTEL_ENABLED", "OTLP_ENDPOINT",
}

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 50, cfg.Store.AnomalyCapacity)
	assert.Equal(t, 5*time.Second, cfg.Unlock.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Unlock.Tolerance)
	assert.Equal(t, 10*time.Second, cfg.Anomaly.Interval)
	assert.Equal(t, anomaly.DefaultPolicy(), cfg.Anomaly.Policy)
	assert.Equal(t, []string{"SEI", "ATOM", "OSMO", "ETH"}, cfg.Fetch.Tokens)
	assert.False(t, cfg.Archive.Enabled())
	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Empty(t, cfg.Path)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("CHAINWATCH_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://chainwatch@db:5432/chainwatch?sslmode=disable")
	t.Setenv("UNLOCK_TOLERANCE", "2m")
	t.Setenv("ANOMALY_CAPACITY", "100")
	t.Setenv("ANOMALY_SEED", "42")
	t.Setenv("FETCH_TOKENS", "SEI, ATOM ,")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("NOTIFY_RATE", "2.5")
	t.Setenv("ARCHIVE_DIR", "/var/lib/chainwatch/archive")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Unlock.Tolerance)
	assert.Equal(t, 100, cfg.Store.AnomalyCapacity)
	assert.Equal(t, uint64(42), cfg.Anomaly.Seed)
	assert.Equal(t, []string{"SEI", "ATOM"}, cfg.Fetch.Tokens)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notify.KafkaBrokers)
	assert.InDelta(t, 2.5, cfg.Notify.Rate, 1e-9)
	assert.True(t, cfg.Archive.Enabled())
	assert.True(t, cfg.Observability.OTelEnabled)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"unparsable duration": {"UNLOCK_INTERVAL", "soon"},
		"zero interval":       {"ANOMALY_INTERVAL", "0s"},
		"unknown backend":     {"CHAINWATCH_STORE", "mongo"},
		"postgres needs dsn":  {"CHAINWATCH_STORE", "postgres"},
		"bad capacity":        {"ANOMALY_CAPACITY", "-1"},
		"bad format":          {"LOG_FORMAT", "xml"},
		"bad bool":            {"OTEL_ENABLED", "maybe"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
		})
	}
}

const yamlConfig = `
store:
  backend: sqlite
  sqlite_path: /tmp/cw.db
unlock:
  tolerance: 15m
anomaly:
  policy:
    whale_min_amount: 600000
    whale_critical_amount: 900000
    volume_min_percent: 200
    volume_high_percent: 400
    contract_min_interactions: 10
    flash_loan_min_amount: 1000000
    drain_min_percent: 30
    drain_high_percent: 60
fetch:
  tokens: [SEI]
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "chainwatch.yaml")
	writeFile(t, path, yamlConfig)
	t.Setenv("CHAINWATCH_CONFIG", path)
	t.Setenv("UNLOCK_TOLERANCE", "20m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/cw.db", cfg.Store.SQLitePath)
	assert.Equal(t, 20*time.Minute, cfg.Unlock.Tolerance, "environment wins over the file")
	assert.Equal(t, 5*time.Second, cfg.Unlock.Interval, "unset keys keep defaults")
	assert.Equal(t, int64(600000), cfg.Anomaly.Policy.WhaleMinAmount)
	assert.Equal(t, []string{"SEI"}, cfg.Fetch.Tokens)
}

func TestLoadFile_InvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "anomaly:\n  policy:\n    drain_min_percent: 70\n    drain_high_percent: 50\n")
	_, err := LoadFile(path)
	require.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestWatch_ReloadsPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chainwatch.yaml")
	writeFile(t, path, "fetch:\n  tokens: [SEI]\n")

	ref := anomaly.DefaultPolicyRef()
	var applied atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(p anomaly.Policy) error {
			_, err := ref.Swap(p)
			if err == nil {
				applied.Add(1)
			}
			return err
		})
	}()

	// The watcher registers asynchronously; keep rewriting until it notices.
	require.Eventually(t, func() bool {
		writeFile(t, path, yamlConfig)
		return applied.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, int64(600000), ref.Load().WhaleMinAmount)

	cancel()
	require.NoError(t, <-done)
}
