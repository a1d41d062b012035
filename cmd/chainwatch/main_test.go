package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/health"
	"github.com/Mindburn-Labs/chainwatch/pkg/observability"
	"github.com/Mindburn-Labs/chainwatch/pkg/query"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

// sqliteEnv points every command at one SQLite file so state survives
// between invocations.
func sqliteEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CHAINWATCH_CONFIG", "DATABASE_URL", "ARCHIVE_DIR", "ARCHIVE_S3_BUCKET", "REDIS_ADDR", "KAFKA_BROKERS", "OTEL_ENABLED"} {
		t.Setenv(k, "")
	}
	t.Setenv("CHAINWATCH_STORE", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "chainwatch.db"))
	t.Setenv("LOG_LEVEL", "ERROR")
}

func run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"chainwatch"}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestCLI_SeedIsIdempotent(t *testing.T) {
	sqliteEnv(t)

	out, stderr, code := run(t, "seed")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, map[string]int{"inserted": 6, "updated": 0, "skipped": 0}, decode[map[string]int](t, out))

	out, stderr, code = run(t, "seed")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, map[string]int{"inserted": 0, "updated": 6, "skipped": 0}, decode[map[string]int](t, out))
}

func TestCLI_UnlocksByBounds(t *testing.T) {
	sqliteEnv(t)
	_, stderr, code := run(t, "seed")
	require.Equal(t, 0, code, stderr)

	out, stderr, code := run(t, "unlocks", "--from", "2025-08-01T00:00:00Z", "--to", "2025-08-31T23:59:59Z")
	require.Equal(t, 0, code, stderr)
	list := decode[[]events.UnlockEvent](t, out)
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].ScheduledAt.Before(list[i-1].ScheduledAt), "ascending by schedule")
	}

	_, _, code = run(t, "unlocks", "--from", "2025-08-01T00:00:00Z")
	assert.Equal(t, 1, code, "one bound without the other is rejected")

	_, _, code = run(t, "unlocks", "--range", "soon")
	assert.Equal(t, 1, code)
}

func TestCLI_ConfirmTwice(t *testing.T) {
	sqliteEnv(t)
	_, stderr, code := run(t, "seed")
	require.Equal(t, 0, code, stderr)

	out, stderr, code := run(t, "confirm", "event-1")
	require.Equal(t, 0, code, stderr)
	first := decode[confirmOutput](t, out)
	assert.False(t, first.AlreadyConfirmed)
	assert.Equal(t, events.StatusConfirmed, first.Event.Status)
	require.NotEmpty(t, first.Event.TxHash)

	out, stderr, code = run(t, "confirm", "event-1")
	require.Equal(t, 0, code, stderr)
	second := decode[confirmOutput](t, out)
	assert.True(t, second.AlreadyConfirmed)
	assert.Equal(t, first.Event.TxHash, second.Event.TxHash, "hash is set exactly once")

	_, stderr, code = run(t, "confirm", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not found")
}

func TestCLI_OverdueAndNext(t *testing.T) {
	sqliteEnv(t)
	_, stderr, code := run(t, "seed")
	require.Equal(t, 0, code, stderr)

	// The fixture calendar lies in the past, so every pending event is overdue.
	out, stderr, code := run(t, "overdue")
	require.Equal(t, 0, code, stderr)
	assert.Len(t, decode[[]events.UnlockEvent](t, out), 6)

	_, stderr, code = run(t, "confirm", "event-3")
	require.Equal(t, 0, code, stderr)

	out, stderr, code = run(t, "overdue", "--tolerance", "1h")
	require.Equal(t, 0, code, stderr)
	for _, e := range decode[[]events.UnlockEvent](t, out) {
		assert.NotEqual(t, "event-3", e.ID)
	}

	out, stderr, code = run(t, "next", "SEI")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "null\n", out, "no future SEI unlock in the fixtures")
}

func TestCLI_AnomaliesEmptyAndInvalid(t *testing.T) {
	sqliteEnv(t)

	out, stderr, code := run(t, "anomalies", "--severity", "critical")
	require.Equal(t, 0, code, stderr)
	assert.Empty(t, decode[[]query.Alert](t, out))

	_, stderr, code = run(t, "anomalies", "--severity", "apocalyptic")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, stderr)
}

func TestCLI_UnknownCommandAndBadConfig(t *testing.T) {
	sqliteEnv(t)

	_, stderr, code := run(t, "explode")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown command")

	t.Setenv("CHAINWATCH_STORE", "mongo")
	_, stderr, code = run(t, "overdue")
	assert.Equal(t, 2, code, "invalid configuration has its own exit code")
	assert.Contains(t, stderr, "invalid config")
}

func memoryServices(t *testing.T) *services {
	t.Helper()
	for _, k := range []string{"CHAINWATCH_CONFIG", "ARCHIVE_S3_BUCKET", "REDIS_ADDR", "KAFKA_BROKERS"} {
		t.Setenv(k, "")
	}
	t.Setenv("CHAINWATCH_STORE", "memory")
	t.Setenv("ARCHIVE_DIR", t.TempDir())
	t.Setenv("LOG_LEVEL", "ERROR")

	svc, err := newServices(context.Background(), &rootOptions{stdout: io.Discard, stderr: io.Discard}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func TestBuildJobs(t *testing.T) {
	svc := memoryServices(t)
	tracker := health.NewTracker(svc.cfg.UnhealthyAfter, svc.store)

	jobs, err := buildJobs(context.Background(), svc, tracker)
	require.NoError(t, err)

	var names []string
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	assert.Equal(t, []string{"unlock", "anomaly", "fetch", "archive"}, names)

	for _, j := range jobs {
		require.NoError(t, j.RunOnce(context.Background()), j.Name())
	}
	rep := tracker.Report(context.Background())
	assert.True(t, rep.Ready)
	assert.Len(t, rep.Jobs, 4)

	unlocks, err := svc.store.ListUnlocks(context.Background(), store.UnlockQuery{})
	require.NoError(t, err)
	assert.NotEmpty(t, unlocks, "the fetch job inserts projected unlocks")
}

func TestOpsMux(t *testing.T) {
	st := store.NewMemory(10)
	tracker := health.NewTracker(1, st)
	tracker.Register("unlock")
	srv := httptest.NewServer(opsMux(tracker, observability.Noop()))
	defer srv.Close()

	get := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))

	tracker.Observe("unlock", errors.New("confirmation source down"))
	assert.Equal(t, http.StatusOK, get("/readyz"), "only store outages affect readiness")

	tracker.Observe("unlock", fmt.Errorf("confirm: %w", events.ErrStoreUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/healthz"), "liveness ignores job health")
}
