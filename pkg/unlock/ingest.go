package unlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/observability"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

// Record is an unlock as reported by an upstream calendar.
type Record struct {
	// ID is used when the record creates a new event. Empty means generate one.
	ID          string
	Token       string
	ScheduledAt time.Time
	Amount      decimal.Decimal
	USDValue    decimal.Decimal
	Kind        events.UnlockKind
}

// Outcome says what an ingest did.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	// OutcomeSkipped means the matching event is already confirmed.
	OutcomeSkipped Outcome = "skipped"
)

// Ingester writes upstream unlock records into the store.
type Ingester struct {
	store   store.UnlockStore
	logger  *slog.Logger
	metrics *observability.Provider
}

func NewIngester(st store.UnlockStore, logger *slog.Logger, metrics *observability.Provider) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Noop()
	}
	return &Ingester{store: st, logger: logger.With("component", "unlock-ingest"), metrics: metrics}
}

// Upsert refreshes the schedule and amounts of the first event matching
// match, or inserts r as a new PENDING event when nothing matches. Confirmed
// matches are left untouched and reported as OutcomeSkipped.
func (i *Ingester) Upsert(ctx context.Context, match store.UnlockQuery, r Record) (events.UnlockEvent, Outcome, error) {
	scheduledAt, amount, usd := r.ScheduledAt, r.Amount, r.USDValue
	refresh := store.UnlockPatch{ScheduledAt: &scheduledAt, Amount: &amount, USDValue: &usd}

	e, _, err := i.store.UpsertUnlock(ctx, match, refresh, false)
	switch {
	case err == nil:
		i.metrics.UnlockIngested(ctx, e.Token, false)
		return e, OutcomeUpdated, nil
	case errors.Is(err, events.ErrImmutableEvent):
		i.logger.InfoContext(ctx, "matching unlock already confirmed", "token", r.Token, "error", err)
		return events.UnlockEvent{}, OutcomeSkipped, nil
	case !errors.Is(err, events.ErrNotFound):
		return events.UnlockEvent{}, "", fmt.Errorf("refresh unlock %s: %w", r.Token, err)
	}

	create := refresh
	create.ID = r.ID
	if create.ID == "" {
		create.ID = "event-" + uuid.NewString()
	}
	create.Token = r.Token
	create.Kind = r.Kind

	e, inserted, err := i.store.UpsertUnlock(ctx, match, create, true)
	if errors.Is(err, events.ErrImmutableEvent) {
		// Lost a race with a writer that created and confirmed the event.
		return events.UnlockEvent{}, OutcomeSkipped, nil
	}
	if err != nil {
		return events.UnlockEvent{}, "", fmt.Errorf("insert unlock %s: %w", r.Token, err)
	}
	i.metrics.UnlockIngested(ctx, e.Token, inserted)
	if inserted {
		return e, OutcomeInserted, nil
	}
	return e, OutcomeUpdated, nil
}

// Ingest upserts r keyed by its ID.
func (i *Ingester) Ingest(ctx context.Context, r Record) (events.UnlockEvent, Outcome, error) {
	if r.ID == "" {
		return events.UnlockEvent{}, "", fmt.Errorf("%w: record id is required", events.ErrInvalidEvent)
	}
	return i.Upsert(ctx, store.UnlockQuery{IDs: []string{r.ID}}, r)
}
