// Package unlock confirms scheduled token unlocks and keeps the unlock
// calendar fed.
//
// The Matcher runs on a fixed interval. Each tick it confirms every PENDING
// event scheduled within the tolerance window around now, and counts the
// events that slipped past the window unconfirmed.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/notify"
	"github.com/Mindburn-Labs/chainwatch/pkg/observability"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

// DefaultTolerance is the half-width of the confirmation window.
const DefaultTolerance = 10 * time.Minute

// TickResult summarises one matcher tick.
type TickResult struct {
	Matched    int
	Confirmed  int
	Duplicates int
	Overdue    int
}

// Matcher moves due unlock events from PENDING to CONFIRMED.
type Matcher struct {
	store     store.UnlockStore
	source    ConfirmationSource
	publisher notify.Publisher
	metrics   *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
	tolerance time.Duration

	// overdueNotices holds the IDs already announced as overdue. Entries
	// leave once the event stops being overdue.
	mu             sync.Mutex
	overdueNotices map[string]struct{}
}

// Option configures a Matcher.
type Option func(*Matcher)

func WithSource(s ConfirmationSource) Option { return func(m *Matcher) { m.source = s } }

func WithPublisher(p notify.Publisher) Option { return func(m *Matcher) { m.publisher = p } }

func WithMetrics(p *observability.Provider) Option { return func(m *Matcher) { m.metrics = p } }

func WithLogger(l *slog.Logger) Option { return func(m *Matcher) { m.logger = l } }

func WithClock(clock func() time.Time) Option { return func(m *Matcher) { m.clock = clock } }

// WithTolerance overrides DefaultTolerance. Non-positive values are ignored.
func WithTolerance(d time.Duration) Option {
	return func(m *Matcher) {
		if d > 0 {
			m.tolerance = d
		}
	}
}

// NewMatcher creates a matcher over st.
func NewMatcher(st store.UnlockStore, opts ...Option) *Matcher {
	m := &Matcher{
		store:          st,
		source:         RandomHashSource{},
		clock:          time.Now,
		tolerance:      DefaultTolerance,
		overdueNotices: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "unlock-matcher")
	if m.metrics == nil {
		m.metrics = observability.Noop()
	}
	return m
}

// Tolerance returns the configured window half-width.
func (m *Matcher) Tolerance() time.Duration {
	return m.tolerance
}

// Tick runs one matching pass. A store failure aborts the remainder of the
// pass; events left PENDING are picked up by the next tick.
func (m *Matcher) Tick(ctx context.Context) (res TickResult, err error) {
	ctx, done := m.metrics.TrackOperation(ctx, "unlock.tick", attribute.Float64("tolerance_seconds", m.tolerance.Seconds()))
	defer func() { done(err) }()

	now := m.clock()
	due, err := m.store.ListUnlocks(ctx, store.UnlockQuery{
		Status:        events.StatusPending,
		ScheduledFrom: now.Add(-m.tolerance),
		ScheduledTo:   now.Add(m.tolerance),
	})
	if err != nil {
		m.storeFailure(ctx, "list_due", err)
		return res, fmt.Errorf("list due unlocks: %w", err)
	}
	res.Matched = len(due)
	if len(due) > 0 {
		m.logger.InfoContext(ctx, "unlocks due", "count", len(due))
	}

	for _, e := range due {
		confirmed, err := m.confirm(ctx, e, now)
		switch {
		case err == nil:
			res.Confirmed++
			m.logger.InfoContext(ctx, "unlock confirmed",
				"id", confirmed.ID, "token", confirmed.Token, "tx_hash", confirmed.TxHash)
		case errors.Is(err, events.ErrDuplicateConfirmation):
			res.Duplicates++
			m.metrics.DuplicateConfirmation(ctx)
			m.logger.WarnContext(ctx, "duplicate confirmation ignored", "id", e.ID, "error", err)
		case errors.Is(err, events.ErrNotFound):
			m.logger.WarnContext(ctx, "due unlock disappeared before confirmation", "id", e.ID)
		default:
			return res, err
		}
	}

	overdue, err := m.overdue(ctx, now)
	if err != nil {
		return res, err
	}
	res.Overdue = overdue
	return res, nil
}

// ConfirmNow confirms one event immediately, regardless of its schedule. An
// already confirmed event is returned unchanged together with an error
// wrapping events.ErrDuplicateConfirmation.
func (m *Matcher) ConfirmNow(ctx context.Context, id string) (events.UnlockEvent, error) {
	e, err := m.store.FindUnlock(ctx, store.UnlockQuery{IDs: []string{id}})
	if err != nil {
		m.storeFailure(ctx, "find_unlock", err)
		return events.UnlockEvent{}, fmt.Errorf("unlock %s: %w", id, err)
	}
	if e.Confirmed() {
		return e, fmt.Errorf("unlock %s already %s: %w", id, e.Status, events.ErrDuplicateConfirmation)
	}
	confirmed, err := m.confirm(ctx, e, m.clock())
	if err != nil {
		return e, err
	}
	m.logger.InfoContext(ctx, "unlock confirmed manually", "id", confirmed.ID, "token", confirmed.Token, "tx_hash", confirmed.TxHash)
	return confirmed, nil
}

func (m *Matcher) confirm(ctx context.Context, e events.UnlockEvent, now time.Time) (events.UnlockEvent, error) {
	hash, err := m.source.TxHash(ctx, e)
	if err != nil {
		return events.UnlockEvent{}, fmt.Errorf("confirmation source for %s: %w", e.ID, err)
	}
	confirmed, err := m.store.ConfirmUnlock(ctx, e.ID, events.DedupRecord{TxHash: hash, SeenAt: now})
	if err != nil {
		m.storeFailure(ctx, "confirm_unlock", err)
		return events.UnlockEvent{}, err
	}

	m.metrics.UnlockConfirmed(ctx, confirmed.Token)
	if m.publisher != nil {
		m.publisher.Publish(ctx, notify.UnlockConfirmed(confirmed, now))
	}
	return confirmed, nil
}

// overdue counts pending events older than the window and announces each one
// once while it stays overdue.
func (m *Matcher) overdue(ctx context.Context, now time.Time) (int, error) {
	stale, err := m.store.ListUnlocks(ctx, store.UnlockQuery{
		Status:      events.StatusPending,
		ScheduledTo: now.Add(-m.tolerance),
	})
	if err != nil {
		m.storeFailure(ctx, "list_overdue", err)
		return 0, fmt.Errorf("list overdue unlocks: %w", err)
	}

	n := 0
	current := make(map[string]struct{}, len(stale))
	for _, e := range stale {
		if !e.Overdue(now, m.tolerance) {
			continue
		}
		n++
		current[e.ID] = struct{}{}
		if m.firstOverdueNotice(e.ID) {
			m.logger.WarnContext(ctx, "unlock overdue", "id", e.ID, "token", e.Token, "scheduled_at", e.ScheduledAt)
			if m.publisher != nil {
				m.publisher.Publish(ctx, notify.UnlockOverdue(e, now))
			}
		}
	}
	m.pruneOverdueNotices(current)
	m.metrics.OverdueUnlocks(ctx, n)
	return n, nil
}

// pruneOverdueNotices forgets events that were confirmed, rescheduled or
// otherwise left the overdue listing.
func (m *Matcher) pruneOverdueNotices(current map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.overdueNotices {
		if _, ok := current[id]; !ok {
			delete(m.overdueNotices, id)
		}
	}
}

func (m *Matcher) firstOverdueNotice(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.overdueNotices[id]; ok {
		return false
	}
	m.overdueNotices[id] = struct{}{}
	return true
}

func (m *Matcher) storeFailure(ctx context.Context, op string, err error) {
	if errors.Is(err, events.ErrStoreUnavailable) {
		m.metrics.StoreUnavailable(ctx, op)
		m.logger.ErrorContext(ctx, "store unavailable", "operation", op, "error", err)
	}
}
