package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
	"github.com/Mindburn-Labs/chainwatch/pkg/store/storetest"
)

func TestBadger(t *testing.T) {
	storetest.Run(t, func(t *testing.T, capacity int) store.Store {
		s, err := Open(InMemoryConfig(capacity))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	at := time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	storetest.Seed(t, s, "e1", "SEI", at)
	_, err = s.ConfirmUnlock(ctx, "e1", events.DedupRecord{TxHash: "0xabc", SeenAt: at})
	require.NoError(t, err)
	_, err = s.AppendAnomaly(ctx, storetest.Anomaly("a1", at, events.SeverityHigh, events.CategoryWhaleTransfer))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	e, err := s.FindUnlock(ctx, store.UnlockQuery{IDs: []string{"e1"}})
	require.NoError(t, err)
	assert.Equal(t, events.StatusConfirmed, e.Status)
	assert.True(t, e.ConfirmedAt.Equal(at))

	seen, err := s.SeenTx(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, seen)

	list, err := s.ListAnomalies(ctx, store.AnomalyQuery{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(1), list[0].Seq)
}

func TestBadger_ClosedIsUnavailable(t *testing.T) {
	s, err := Open(InMemoryConfig(5))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Ping(context.Background()), events.ErrStoreUnavailable)
	_, err = s.ListUnlocks(context.Background(), store.UnlockQuery{})
	require.ErrorIs(t, err, events.ErrStoreUnavailable)
}

func TestAnomalyKeyOrdering(t *testing.T) {
	early := anomalyKey(time.Unix(100, 0), 9)
	late := anomalyKey(time.Unix(200, 0), 1)
	sameTimeLaterSeq := anomalyKey(time.Unix(200, 0), 2)
	assert.Less(t, string(early), string(late))
	assert.Less(t, string(late), string(sameTimeLaterSeq))
}
