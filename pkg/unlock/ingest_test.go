package unlock

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

func TestSeedFixtures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(0)
	ing := NewIngester(st, nil, nil)

	res, err := SeedFixtures(ctx, ing)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Inserted: 6}, res)

	all, err := st.ListUnlocks(ctx, store.UnlockQuery{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "event-1", all[0].ID)
	assert.Equal(t, "event-5", all[5].ID, "ordered by schedule")

	_, err = st.ConfirmUnlock(ctx, "event-6", events.DedupRecord{TxHash: "0x1", SeenAt: time.Now()})
	require.NoError(t, err)

	res, err = SeedFixtures(ctx, ing)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Updated: 5, Skipped: 1}, res)
}

func TestIngester_RejectsMissingID(t *testing.T) {
	_, _, err := NewIngester(store.NewMemory(0), nil, nil).Ingest(context.Background(), Record{Token: "SEI"})
	require.ErrorIs(t, err, events.ErrInvalidEvent)
}

func TestIngester_InvalidRecord(t *testing.T) {
	ing := NewIngester(store.NewMemory(0), nil, nil)
	_, _, err := ing.Ingest(context.Background(), Record{ID: "x", Token: "SEI", ScheduledAt: testNow, Kind: "step"})
	require.ErrorIs(t, err, events.ErrInvalidEvent)
}

type scriptedProjections struct {
	byToken map[string][]Projection
}

func (s *scriptedProjections) Project(_ context.Context, token string, _ time.Time) (Projection, error) {
	list := s.byToken[token]
	p := list[0]
	s.byToken[token] = list[1:]
	return p, nil
}

func TestFetcher_SameDayUpdatesOtherwiseInserts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(0)
	day := time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC)

	src := &scriptedProjections{byToken: map[string][]Projection{
		"SEI": {
			{ScheduledAt: day.Add(9 * time.Hour), Amount: decimal.NewFromInt(100), USDValue: decimal.NewFromInt(70), Kind: events.KindCliff},
			{ScheduledAt: day.Add(18 * time.Hour), Amount: decimal.NewFromInt(200), USDValue: decimal.NewFromInt(140), Kind: events.KindLinear},
			{ScheduledAt: day.AddDate(0, 0, 1), Amount: decimal.NewFromInt(300), USDValue: decimal.NewFromInt(210), Kind: events.KindCliff},
		},
	}}
	f := NewFetcher(NewIngester(st, nil, nil), src, []string{"SEI"}, fixedClock, nil)

	res, err := f.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, FetchResult{Inserted: 1}, res)

	res, err = f.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, FetchResult{Updated: 1}, res)

	sameDay, err := st.ListUnlocks(ctx, store.UnlockQuery{Token: "SEI"})
	require.NoError(t, err)
	require.Len(t, sameDay, 1)
	assert.True(t, sameDay[0].Amount.Equal(decimal.NewFromInt(200)))
	assert.True(t, sameDay[0].ScheduledAt.Equal(day.Add(18*time.Hour)))
	assert.Equal(t, events.KindCliff, sameDay[0].Kind, "kind is fixed at creation")

	res, err = f.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, FetchResult{Inserted: 1}, res)
}

func TestRandomProjections(t *testing.T) {
	p := NewRandomProjections(42)
	for i := 0; i < 200; i++ {
		got, err := p.Project(context.Background(), "SEI", testNow)
		require.NoError(t, err)
		days := got.ScheduledAt.Sub(testNow.Truncate(24 * time.Hour))
		assert.GreaterOrEqual(t, days, 24*time.Hour)
		assert.Less(t, days, 31*24*time.Hour)
		assert.Zero(t, got.ScheduledAt.Second())
		assert.True(t, got.Amount.GreaterThanOrEqual(decimal.NewFromInt(100_000)))
		assert.True(t, got.USDValue.LessThan(decimal.NewFromInt(5_100_000)))
		assert.True(t, got.Kind.Valid())
	}
}
