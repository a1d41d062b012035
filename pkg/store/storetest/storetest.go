// Package storetest is a behavioural suite every store.Store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

// Factory opens a fresh, empty backend with the given anomaly capacity.
type Factory func(t *testing.T, capacity int) store.Store

var base = time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)

// Run executes the suite against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertInsertAndPatch", func(t *testing.T) { testUpsert(t, newStore) })
	t.Run("ListOrderingAndFilters", func(t *testing.T) { testList(t, newStore) })
	t.Run("ConfirmOnce", func(t *testing.T) { testConfirmOnce(t, newStore) })
	t.Run("ConfirmRejectsReusedHash", func(t *testing.T) { testReusedHash(t, newStore) })
	t.Run("ConcurrentConfirm", func(t *testing.T) { testConcurrentConfirm(t, newStore) })
	t.Run("AppendDedup", func(t *testing.T) { testAppendDedup(t, newStore) })
	t.Run("ConfirmedIsImmutable", func(t *testing.T) { testImmutable(t, newStore) })
	t.Run("MarkArchived", func(t *testing.T) { testMarkArchived(t, newStore) })
	t.Run("AnomalyRingBuffer", func(t *testing.T) { testRingBuffer(t, newStore) })
	t.Run("AnomalyFilters", func(t *testing.T) { testAnomalyFilters(t, newStore) })
	t.Run("StaleAnomalyIsNotStored", func(t *testing.T) { testStaleAnomaly(t, newStore) })
	t.Run("AnomalyMetadataTypes", func(t *testing.T) { testMetadataTypes(t, newStore) })
}

// PendingPatch returns an insertable patch for a pending unlock.
func PendingPatch(id, token string, at time.Time) store.UnlockPatch {
	amount := decimal.NewFromInt(1000)
	usd := decimal.NewFromInt(700)
	return store.UnlockPatch{
		ID:          id,
		Token:       token,
		Kind:        events.KindCliff,
		ScheduledAt: &at,
		Amount:      &amount,
		USDValue:    &usd,
	}
}

// Seed inserts a pending unlock.
func Seed(t *testing.T, s store.Store, id, token string, at time.Time) events.UnlockEvent {
	t.Helper()
	e, inserted, err := s.UpsertUnlock(context.Background(), store.UnlockQuery{IDs: []string{id}}, PendingPatch(id, token, at), true)
	require.NoError(t, err)
	require.True(t, inserted)
	return e
}

// Anomaly builds a valid anomaly created at ts.
func Anomaly(id string, ts time.Time, sev events.Severity, cat events.Category) events.AnomalyEvent {
	return events.AnomalyEvent{
		ID:          id,
		Category:    cat,
		Severity:    sev,
		Title:       "test anomaly",
		Description: id,
		CreatedAt:   ts,
		Metadata:    map[string]any{"n": id},
	}
}

func testUpsert(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)

	e := Seed(t, s, "event-1", "SEI", base)
	assert.Equal(t, events.StatusPending, e.Status)

	later := base.Add(time.Hour)
	amount := decimal.NewFromInt(5)
	got, inserted, err := s.UpsertUnlock(ctx, store.UnlockQuery{Token: "SEI"}, store.UnlockPatch{ScheduledAt: &later, Amount: &amount}, true)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "event-1", got.ID)
	assert.True(t, got.ScheduledAt.Equal(later))
	assert.True(t, got.Amount.Equal(amount))

	_, _, err = s.UpsertUnlock(ctx, store.UnlockQuery{Token: "NOPE"}, store.UnlockPatch{}, false)
	require.ErrorIs(t, err, events.ErrNotFound)

	_, _, err = s.UpsertUnlock(ctx, store.UnlockQuery{Token: "NOPE"}, PendingPatch("event-1", "NOPE", base), true)
	require.ErrorIs(t, err, events.ErrInvalidEvent, "ids are unique")

	_, _, err = s.UpsertUnlock(ctx, store.UnlockQuery{IDs: []string{"event-1"}}, store.UnlockPatch{Kind: events.KindLinear}, false)
	require.ErrorIs(t, err, events.ErrImmutableEvent)
}

func testList(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)

	Seed(t, s, "b", "SEI", base.Add(time.Hour))
	Seed(t, s, "a", "SEI", base.Add(time.Hour))
	Seed(t, s, "c", "ATOM", base)

	all, err := s.ListUnlocks(ctx, store.UnlockQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "a", "b"}, ids(all))

	sei, err := s.ListUnlocks(ctx, store.UnlockQuery{Token: "SEI"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(sei))

	window, err := s.ListUnlocks(ctx, store.UnlockQuery{ScheduledFrom: base, ScheduledTo: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(window))

	first, err := s.FindUnlock(ctx, store.UnlockQuery{Token: "SEI"})
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)

	_, err = s.FindUnlock(ctx, store.UnlockQuery{Token: "ETH"})
	require.ErrorIs(t, err, events.ErrNotFound)
}

func testConfirmOnce(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)
	Seed(t, s, "e1", "SEI", base)

	got, err := s.ConfirmUnlock(ctx, "e1", events.DedupRecord{TxHash: "0xaaa", SeenAt: base})
	require.NoError(t, err)
	assert.Equal(t, events.StatusConfirmed, got.Status)
	assert.Equal(t, "0xaaa", got.TxHash)

	_, err = s.ConfirmUnlock(ctx, "e1", events.DedupRecord{TxHash: "0xbbb", SeenAt: base})
	require.ErrorIs(t, err, events.ErrDuplicateConfirmation)

	stored, err := s.FindUnlock(ctx, store.UnlockQuery{IDs: []string{"e1"}})
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", stored.TxHash, "tx hash is set exactly once")
	assert.Equal(t, events.StatusConfirmed, stored.Status)

	seen, err := s.SeenTx(ctx, "0xbbb")
	require.NoError(t, err)
	assert.False(t, seen, "a rejected confirmation leaves no ledger record")

	_, err = s.ConfirmUnlock(ctx, "missing", events.DedupRecord{TxHash: "0xccc", SeenAt: base})
	require.ErrorIs(t, err, events.ErrNotFound)
}

func testReusedHash(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)
	Seed(t, s, "e1", "SEI", base)
	Seed(t, s, "e2", "SEI", base)

	_, err := s.ConfirmUnlock(ctx, "e1", events.DedupRecord{TxHash: "0xsame", SeenAt: base})
	require.NoError(t, err)

	_, err = s.ConfirmUnlock(ctx, "e2", events.DedupRecord{TxHash: "0xsame", SeenAt: base})
	require.ErrorIs(t, err, events.ErrDuplicateConfirmation)

	e2, err := s.FindUnlock(ctx, store.UnlockQuery{IDs: []string{"e2"}})
	require.NoError(t, err)
	assert.Equal(t, events.StatusPending, e2.Status)
	assert.Empty(t, e2.TxHash)
}

func testConcurrentConfirm(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)
	Seed(t, s, "e1", "SEI", base)

	const workers = 8
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ConfirmUnlock(ctx, "e1", events.DedupRecord{TxHash: fmt.Sprintf("0x%02d", i), SeenAt: base})
			if err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load(), "exactly one confirmation wins")
}

func testAppendDedup(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)

	added, err := s.AppendDedup(ctx, events.DedupRecord{TxHash: "0x1", SeenAt: base})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AppendDedup(ctx, events.DedupRecord{TxHash: "0x1", SeenAt: base.Add(time.Second)})
	require.NoError(t, err)
	assert.False(t, added)

	Seed(t, s, "e1", "SEI", base)
	_, err = s.ConfirmUnlock(ctx, "e1", events.DedupRecord{TxHash: "0x1", SeenAt: base})
	require.ErrorIs(t, err, events.ErrDuplicateConfirmation, "confirmation honours hashes recorded directly")
}

func testImmutable(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)
	Seed(t, s, "e1", "SEI", base)
	_, err := s.ConfirmUnlock(ctx, "e1", events.DedupRecord{TxHash: "0x1", SeenAt: base})
	require.NoError(t, err)

	later := base.Add(time.Hour)
	_, _, err = s.UpsertUnlock(ctx, store.UnlockQuery{IDs: []string{"e1"}}, store.UnlockPatch{ScheduledAt: &later}, false)
	require.ErrorIs(t, err, events.ErrImmutableEvent)
}

func testMarkArchived(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)
	Seed(t, s, "e1", "SEI", base)
	Seed(t, s, "e2", "SEI", base)
	_, err := s.ConfirmUnlock(ctx, "e1", events.DedupRecord{TxHash: "0x1", SeenAt: base})
	require.NoError(t, err)

	n, err := s.MarkArchived(ctx, []string{"e1", "e2"}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only confirmed events are archived")

	n, err = s.MarkArchived(ctx, []string{"e1"}, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	left, err := s.ListUnlocks(ctx, store.UnlockQuery{OnlyUnarchived: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, ids(left))

	all, err := s.ListUnlocks(ctx, store.UnlockQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "archived events are kept")
}

func testRingBuffer(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 50)
	require.Equal(t, 50, s.AnomalyCapacity())

	for i := 1; i <= 60; i++ {
		_, err := s.AppendAnomaly(ctx, Anomaly(fmt.Sprintf("a-%02d", i), base.Add(time.Duration(i)*time.Second), events.SeverityHigh, events.CategoryWhaleTransfer))
		require.NoError(t, err)
	}

	list, err := s.ListAnomalies(ctx, store.AnomalyQuery{})
	require.NoError(t, err)
	require.Len(t, list, 50)
	assert.Equal(t, "a-60", list[0].ID)
	assert.Equal(t, "a-11", list[49].ID)
	for i := 1; i < len(list); i++ {
		assert.True(t, events.Newer(list[i-1], list[i]))
	}
}

func testAnomalyFilters(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)

	_, err := s.AppendAnomaly(ctx, Anomaly("w1", base, events.SeverityCritical, events.CategoryWhaleTransfer))
	require.NoError(t, err)
	_, err = s.AppendAnomaly(ctx, Anomaly("v1", base.Add(time.Second), events.SeverityMedium, events.CategoryVolumeSpike))
	require.NoError(t, err)
	_, err = s.AppendAnomaly(ctx, Anomaly("f1", base.Add(2*time.Second), events.SeverityCritical, events.CategoryFlashLoan))
	require.NoError(t, err)

	crit, err := s.ListAnomalies(ctx, store.AnomalyQuery{Severity: events.SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "w1"}, anomalyIDs(crit))

	vol, err := s.ListAnomalies(ctx, store.AnomalyQuery{Category: events.CategoryVolumeSpike})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, anomalyIDs(vol))

	latest, err := s.ListAnomalies(ctx, store.AnomalyQuery{Limit: 2, Severity: events.SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, anomalyIDs(latest), "limit selects the newest window before filtering")

	_, err = s.AppendAnomaly(ctx, Anomaly("w1", base.Add(3*time.Second), events.SeverityLow, events.CategoryWhaleTransfer))
	require.ErrorIs(t, err, events.ErrInvalidEvent)

	list, err := s.ListAnomalies(ctx, store.AnomalyQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, "f1", list[0].Metadata["n"])
}

func ids(list []events.UnlockEvent) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}

func anomalyIDs(list []events.AnomalyEvent) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}

func testStaleAnomaly(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 3)

	for i := 1; i <= 3; i++ {
		_, err := s.AppendAnomaly(ctx, Anomaly(fmt.Sprintf("a-%d", i), base.Add(time.Duration(i)*time.Second), events.SeverityHigh, events.CategoryWhaleTransfer))
		require.NoError(t, err)
	}

	evicted, err := s.AppendAnomaly(ctx, Anomaly("late", base, events.SeverityHigh, events.CategoryWhaleTransfer))
	require.ErrorIs(t, err, events.ErrStaleAnomaly)
	assert.Zero(t, evicted)

	list, err := s.ListAnomalies(ctx, store.AnomalyQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-3", "a-2", "a-1"}, anomalyIDs(list), "buffer is untouched")

	// Nothing was written, so the id is still free.
	evicted, err = s.AppendAnomaly(ctx, Anomaly("late", base.Add(4*time.Second), events.SeverityHigh, events.CategoryWhaleTransfer))
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
}

func testMetadataTypes(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, 10)

	a := Anomaly("m1", base, events.SeverityMedium, events.CategoryUnusualContract)
	a.Metadata = map[string]any{
		"interaction_count": 42,
		"spike_percentage":  312.5,
		"protocols":         []string{"aave", "uniswap"},
		"contract_address":  "0xdead",
	}
	_, err := s.AppendAnomaly(ctx, a)
	require.NoError(t, err)
	_, err = s.AppendAnomaly(ctx, Anomaly("m2", base.Add(time.Second), events.SeverityLow, events.CategoryVolumeSpike))
	require.NoError(t, err)

	list, err := s.ListAnomalies(ctx, store.AnomalyQuery{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, map[string]any{
		"interaction_count": float64(42),
		"spike_percentage":  312.5,
		"protocols":         []any{"aave", "uniswap"},
		"contract_address":  "0xdead",
	}, list[1].Metadata)
	assert.Equal(t, map[string]any{"n": "m2"}, list[0].Metadata)
}
