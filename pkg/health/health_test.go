package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
)

func storeDown() error {
	return fmt.Errorf("list pending unlocks: %w", events.ErrStoreUnavailable)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestTracker_FailureStreakFlipsReadiness(t *testing.T) {
	tr := NewTracker(2, nil)
	tr.Register("unlock", "anomaly")
	assert.True(t, tr.Report(context.Background()).Ready)

	tr.Observe("unlock", storeDown())
	assert.True(t, tr.Report(context.Background()).Ready, "one failure is tolerated")

	tr.Observe("unlock", storeDown())
	rep := tr.Report(context.Background())
	assert.False(t, rep.Ready)
	require.Len(t, rep.Jobs, 2)
	assert.Equal(t, "anomaly", rep.Jobs[0].Name)
	assert.Equal(t, 2, rep.Jobs[1].FailureStreak)
	assert.Contains(t, rep.Jobs[1].LastError, "store unavailable")

	tr.Observe("unlock", nil)
	rep = tr.Report(context.Background())
	assert.True(t, rep.Ready, "a success resets the streak")
	assert.Zero(t, rep.Jobs[1].FailureStreak)
}

func TestTracker_NonStoreErrorsKeepReadiness(t *testing.T) {
	tr := NewTracker(2, nil)
	tr.Register("unlock", "anomaly")

	for i := 0; i < 5; i++ {
		tr.Observe("unlock", errors.New("confirmation source for e1: rpc timeout"))
		tr.Observe("anomaly", errors.New("observe signal: feed closed"))
	}
	rep := tr.Report(context.Background())
	assert.True(t, rep.Ready)
	for _, j := range rep.Jobs {
		assert.True(t, j.Healthy, j.Name)
		assert.Zero(t, j.FailureStreak, j.Name)
		assert.NotEmpty(t, j.LastError, j.Name)
	}

	// A source error between two outages neither resets nor extends the streak.
	tr.Observe("unlock", storeDown())
	tr.Observe("unlock", errors.New("rpc timeout"))
	tr.Observe("unlock", storeDown())
	assert.False(t, tr.Report(context.Background()).Ready)

	rec := httptest.NewRecorder()
	tr.Observe("unlock", nil)
	tr.Observe("unlock", errors.New("rpc timeout"))
	tr.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTracker_DefaultThreshold(t *testing.T) {
	tr := NewTracker(0, nil)
	for i := 0; i < DefaultUnhealthyAfter-1; i++ {
		tr.Observe("fetch", storeDown())
	}
	assert.True(t, tr.Report(context.Background()).Ready)
	tr.Observe("fetch", storeDown())
	assert.False(t, tr.Report(context.Background()).Ready)
}

func TestReadinessHandler(t *testing.T) {
	storeErr := error(nil)
	tr := NewTracker(1, pingFunc(func(context.Context) error { return storeErr }))
	tr.Register("unlock")

	rec := httptest.NewRecorder()
	tr.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var rep Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.True(t, rep.Ready)
	assert.Equal(t, "ok", rep.Store)

	storeErr = errors.New("store unavailable: connection refused")
	rec = httptest.NewRecorder()
	tr.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.False(t, rep.Ready)
	assert.Contains(t, rep.Store, "connection refused")
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
