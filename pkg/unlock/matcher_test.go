package unlock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/notify"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

var testNow = time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type capturePublisher struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (p *capturePublisher) Publish(_ context.Context, n notify.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, n)
}

func (p *capturePublisher) kinds() []notify.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Kind, 0, len(p.got))
	for _, n := range p.got {
		out = append(out, n.Kind)
	}
	return out
}

func insertPending(t *testing.T, st store.Store, id string, at time.Time) {
	t.Helper()
	amount := decimal.NewFromInt(1000)
	_, _, err := st.UpsertUnlock(context.Background(), store.UnlockQuery{IDs: []string{id}}, store.UnlockPatch{
		ID: id, Token: "SEI", Kind: events.KindCliff, ScheduledAt: &at, Amount: &amount, USDValue: &amount,
	}, true)
	require.NoError(t, err)
}

func get(t *testing.T, st store.Store, id string) events.UnlockEvent {
	t.Helper()
	e, err := st.FindUnlock(context.Background(), store.UnlockQuery{IDs: []string{id}})
	require.NoError(t, err)
	return e
}

func TestMatcher_ConfirmsDueEvent(t *testing.T) {
	st := store.NewMemory(0)
	pub := &capturePublisher{}
	insertPending(t, st, "e1", testNow.Add(2*time.Minute))

	m := NewMatcher(st, WithClock(fixedClock), WithPublisher(pub))
	res, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Matched: 1, Confirmed: 1}, res)

	e1 := get(t, st, "e1")
	assert.Equal(t, events.StatusConfirmed, e1.Status)
	require.NotEmpty(t, e1.TxHash)
	assert.True(t, e1.ConfirmedAt.Equal(testNow))
	assert.Equal(t, []notify.Kind{notify.KindUnlockConfirmed}, pub.kinds())

	// A second tick finds nothing to do and leaves the hash alone.
	res, err = m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, res)
	assert.Equal(t, e1.TxHash, get(t, st, "e1").TxHash)
}

func TestMatcher_LeavesFutureEventPending(t *testing.T) {
	st := store.NewMemory(0)
	insertPending(t, st, "e2", testNow.Add(time.Hour))

	res, err := NewMatcher(st, WithClock(fixedClock)).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
	assert.Equal(t, events.StatusPending, get(t, st, "e2").Status)
}

func TestMatcher_WindowEdgesAreInclusive(t *testing.T) {
	st := store.NewMemory(0)
	insertPending(t, st, "early", testNow.Add(-DefaultTolerance))
	insertPending(t, st, "late", testNow.Add(DefaultTolerance))
	insertPending(t, st, "outside", testNow.Add(DefaultTolerance+time.Second))

	res, err := NewMatcher(st, WithClock(fixedClock)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Confirmed)
	assert.Equal(t, events.StatusPending, get(t, st, "outside").Status)
}

func TestMatcher_SameTokenEventsAreIndependent(t *testing.T) {
	st := store.NewMemory(0)
	insertPending(t, st, "a", testNow.Add(-time.Minute))
	insertPending(t, st, "b", testNow.Add(time.Minute))

	res, err := NewMatcher(st, WithClock(fixedClock)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Confirmed)
	assert.NotEqual(t, get(t, st, "a").TxHash, get(t, st, "b").TxHash)
}

func TestMatcher_DuplicateHashIsNoOp(t *testing.T) {
	st := store.NewMemory(0)
	insertPending(t, st, "a", testNow)
	insertPending(t, st, "b", testNow)
	same := SourceFunc(func(context.Context, events.UnlockEvent) (string, error) { return "0xsame", nil })

	res, err := NewMatcher(st, WithClock(fixedClock), WithSource(same)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Matched: 2, Confirmed: 1, Duplicates: 1}, res)
	assert.Equal(t, events.StatusConfirmed, get(t, st, "a").Status)
	assert.Equal(t, events.StatusPending, get(t, st, "b").Status)
}

func TestMatcher_OverdueIsCountedAndAnnouncedOnce(t *testing.T) {
	st := store.NewMemory(0)
	pub := &capturePublisher{}
	insertPending(t, st, "missed", testNow.Add(-DefaultTolerance-time.Minute))

	m := NewMatcher(st, WithClock(fixedClock), WithPublisher(pub))
	for i := 0; i < 3; i++ {
		res, err := m.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Overdue)
	}
	assert.Equal(t, []notify.Kind{notify.KindUnlockOverdue}, pub.kinds())
	assert.Equal(t, events.StatusPending, get(t, st, "missed").Status)
}

func announcedOverdue(m *Matcher) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.overdueNotices)
}

func TestMatcher_OverdueNoticesArePruned(t *testing.T) {
	st := store.NewMemory(0)
	pub := &capturePublisher{}
	late := testNow.Add(-DefaultTolerance - time.Hour)
	insertPending(t, st, "m1", late)
	insertPending(t, st, "m2", late)

	m := NewMatcher(st, WithClock(fixedClock), WithPublisher(pub))
	_, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, announcedOverdue(m))

	_, err = m.ConfirmNow(context.Background(), "m1")
	require.NoError(t, err)
	res, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Overdue)
	assert.Equal(t, 1, announcedOverdue(m), "confirmed events are forgotten")

	// Rescheduling into the future clears the notice; slipping again re-announces.
	future := testNow.Add(24 * time.Hour)
	_, _, err = st.UpsertUnlock(context.Background(), store.UnlockQuery{IDs: []string{"m2"}}, store.UnlockPatch{ScheduledAt: &future}, false)
	require.NoError(t, err)
	_, err = m.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, announcedOverdue(m))

	_, _, err = st.UpsertUnlock(context.Background(), store.UnlockQuery{IDs: []string{"m2"}}, store.UnlockPatch{ScheduledAt: &late}, false)
	require.NoError(t, err)
	_, err = m.Tick(context.Background())
	require.NoError(t, err)
	overdue := 0
	for _, k := range pub.kinds() {
		if k == notify.KindUnlockOverdue {
			overdue++
		}
	}
	assert.Equal(t, 3, overdue)
}

func TestMatcher_StoreFailureAbortsTick(t *testing.T) {
	st := store.NewMemory(0)
	insertPending(t, st, "e1", testNow)
	require.NoError(t, st.Close())

	_, err := NewMatcher(st, WithClock(fixedClock)).Tick(context.Background())
	require.ErrorIs(t, err, events.ErrStoreUnavailable)
}

func TestMatcher_SourceFailureAbortsTick(t *testing.T) {
	st := store.NewMemory(0)
	insertPending(t, st, "e1", testNow)
	broken := SourceFunc(func(context.Context, events.UnlockEvent) (string, error) {
		return "", errors.New("rpc down")
	})

	_, err := NewMatcher(st, WithClock(fixedClock), WithSource(broken)).Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, events.StatusPending, get(t, st, "e1").Status)
}

func TestMatcher_ConfirmNow(t *testing.T) {
	st := store.NewMemory(0)
	insertPending(t, st, "far", testNow.Add(30*24*time.Hour))
	m := NewMatcher(st, WithClock(fixedClock))

	e, err := m.ConfirmNow(context.Background(), "far")
	require.NoError(t, err)
	assert.Equal(t, events.StatusConfirmed, e.Status)

	again, err := m.ConfirmNow(context.Background(), "far")
	require.ErrorIs(t, err, events.ErrDuplicateConfirmation)
	assert.Equal(t, e.TxHash, again.TxHash)

	_, err = m.ConfirmNow(context.Background(), "missing")
	require.ErrorIs(t, err, events.ErrNotFound)
}

func TestRandomHashSource(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		h, err := RandomHashSource{}.TxHash(context.Background(), events.UnlockEvent{})
		require.NoError(t, err)
		require.Len(t, h, 28)
		require.True(t, strings.HasPrefix(h, "0x"))
		require.False(t, seen[h])
		seen[h] = true
	}
}

// stalledSink blocks every send until release is closed.
type stalledSink struct {
	release chan struct{}
	mu      sync.Mutex
	sent    int
}

func (s *stalledSink) Name() string { return "stalled" }

func (s *stalledSink) Send(ctx context.Context, _ notify.Notification) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

func TestMatcher_SlowSinkDoesNotStallTick(t *testing.T) {
	st := store.NewMemory(0)
	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		insertPending(t, st, id, testNow.Add(time.Minute))
	}
	broker := notify.NewBroker(nil, nil, notify.WithSendTimeout(time.Minute))
	sink := &stalledSink{release: make(chan struct{})}
	broker.AddSink(sink, 0, 0)

	m := NewMatcher(st, WithClock(fixedClock), WithPublisher(broker))
	done := make(chan TickResult, 1)
	go func() {
		res, err := m.Tick(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case res := <-done:
		assert.Equal(t, 5, res.Confirmed)
	case <-time.After(2 * time.Second):
		t.Fatal("tick waited on notification delivery")
	}

	close(sink.release)
	require.NoError(t, broker.Close())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 5, sink.sent)
}
