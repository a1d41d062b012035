// Package store holds unlock events, the anomaly ring buffer and the dedup
// ledger behind a backend-neutral interface. Every write is a single atomic
// operation; no lock is held across calls.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
)

// DefaultAnomalyCapacity is the ring buffer size used when none is configured.
const DefaultAnomalyCapacity = 50

// UnlockStore is the durable interface for unlock events and their dedup ledger.
type UnlockStore interface {
	// ListUnlocks returns matching events ordered by ScheduledAt, then ID.
	ListUnlocks(ctx context.Context, q UnlockQuery) ([]events.UnlockEvent, error)

	// FindUnlock returns the first event ListUnlocks would return, or events.ErrNotFound.
	FindUnlock(ctx context.Context, q UnlockQuery) (events.UnlockEvent, error)

	// UpsertUnlock patches the first match, or inserts a new PENDING event built
	// from the patch when nothing matches and allowInsert is set. The returned
	// bool reports whether an insert happened.
	UpsertUnlock(ctx context.Context, q UnlockQuery, patch UnlockPatch, allowInsert bool) (events.UnlockEvent, bool, error)

	// AppendDedup records a tx hash. It returns false if the hash was already present.
	AppendDedup(ctx context.Context, rec events.DedupRecord) (bool, error)

	// SeenTx reports whether a tx hash is in the dedup ledger.
	SeenTx(ctx context.Context, txHash string) (bool, error)

	// ConfirmUnlock records rec in the dedup ledger and moves event id from
	// PENDING to CONFIRMED in one indivisible step. If the hash was already seen
	// or the event is not pending, nothing is written and the error wraps
	// events.ErrDuplicateConfirmation.
	ConfirmUnlock(ctx context.Context, id string, rec events.DedupRecord) (events.UnlockEvent, error)

	// MarkArchived stamps ArchivedAt on the given confirmed events that are not
	// yet archived and returns how many were stamped.
	MarkArchived(ctx context.Context, ids []string, at time.Time) (int, error)
}

// AnomalyStore is a bounded, newest-first collection of anomaly events.
type AnomalyStore interface {
	// AppendAnomaly inserts e and evicts the oldest events beyond capacity in
	// the same atomic step. It returns the number of evicted events. When e
	// itself would be evicted nothing is written and the error wraps
	// events.ErrStaleAnomaly.
	AppendAnomaly(ctx context.Context, e events.AnomalyEvent) (int, error)

	// ListAnomalies returns events newest first.
	ListAnomalies(ctx context.Context, q AnomalyQuery) ([]events.AnomalyEvent, error)

	// AnomalyCapacity is the ring buffer bound N.
	AnomalyCapacity() int
}

// Store is the full event store used by the workers and the facade.
type Store interface {
	UnlockStore
	AnomalyStore

	// Ping returns events.ErrStoreUnavailable when the backend cannot be reached.
	Ping(ctx context.Context) error

	Close() error
}

// UnlockQuery is a declarative predicate over unlock events. Zero fields do
// not constrain the result.
type UnlockQuery struct {
	IDs    []string
	Token  string
	Status events.Status

	// Inclusive bounds on ScheduledAt.
	ScheduledFrom time.Time
	ScheduledTo   time.Time

	// OnlyUnarchived excludes events with ArchivedAt set.
	OnlyUnarchived bool

	Limit int
}

// Matches evaluates q against e.
func (q UnlockQuery) Matches(e events.UnlockEvent) bool {
	if len(q.IDs) > 0 && !contains(q.IDs, e.ID) {
		return false
	}
	if q.Token != "" && e.Token != q.Token {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	if !q.ScheduledFrom.IsZero() && e.ScheduledAt.Before(q.ScheduledFrom) {
		return false
	}
	if !q.ScheduledTo.IsZero() && e.ScheduledAt.After(q.ScheduledTo) {
		return false
	}
	if q.OnlyUnarchived && !e.ArchivedAt.IsZero() {
		return false
	}
	return true
}

// UnlockPatch carries the mutable fields of an unlock. ID, Token and Kind are
// used only when the patch creates a new event; Kind may not change afterwards.
type UnlockPatch struct {
	ScheduledAt *time.Time
	Amount      *decimal.Decimal
	USDValue    *decimal.Decimal

	ID    string
	Token string
	Kind  events.UnlockKind
}

// Apply patches e in place. Confirmed events and kind changes are rejected.
func (p UnlockPatch) Apply(e *events.UnlockEvent) error {
	if e.Confirmed() {
		return fmt.Errorf("%w: %s", events.ErrImmutableEvent, e.ID)
	}
	if p.Kind != "" && p.Kind != e.Kind {
		return fmt.Errorf("%w: kind of %s cannot change from %s to %s", events.ErrImmutableEvent, e.ID, e.Kind, p.Kind)
	}
	if p.ScheduledAt != nil {
		e.ScheduledAt = *p.ScheduledAt
	}
	if p.Amount != nil {
		if p.Amount.IsNegative() {
			return fmt.Errorf("%w: amount must be non-negative", events.ErrInvalidEvent)
		}
		e.Amount = *p.Amount
	}
	if p.USDValue != nil {
		if p.USDValue.IsNegative() {
			return fmt.Errorf("%w: usd value must be non-negative", events.ErrInvalidEvent)
		}
		e.USDValue = *p.USDValue
	}
	return nil
}

// NewEvent builds the PENDING event an insert would create.
func (p UnlockPatch) NewEvent() (events.UnlockEvent, error) {
	e := events.UnlockEvent{
		ID:     p.ID,
		Token:  p.Token,
		Kind:   p.Kind,
		Status: events.StatusPending,
	}
	if p.ScheduledAt != nil {
		e.ScheduledAt = *p.ScheduledAt
	}
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.USDValue != nil {
		e.USDValue = *p.USDValue
	}
	if err := e.Validate(); err != nil {
		return events.UnlockEvent{}, err
	}
	return e, nil
}

// AnomalyQuery selects anomaly events. Limit is applied to the newest events
// first, and Severity/Category then filter that window.
type AnomalyQuery struct {
	Limit    int
	Severity events.Severity
	Category events.Category
}

// Matches evaluates the filters of q against e.
func (q AnomalyQuery) Matches(e events.AnomalyEvent) bool {
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	return true
}

// ValidateAnomaly checks the fields a detector must set.
func ValidateAnomaly(e events.AnomalyEvent) error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: anomaly id is required", events.ErrInvalidEvent)
	case !e.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", events.ErrInvalidEvent, e.Category)
	case !e.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", events.ErrInvalidEvent, e.Severity)
	case e.CreatedAt.IsZero():
		return fmt.Errorf("%w: created_at is required", events.ErrInvalidEvent)
	}
	return nil
}

// NormalizeMetadata returns m in the form every backend reads it back: the
// values encoding/json decodes into any, so numbers are float64 and lists are
// []any. Empty metadata becomes nil.
func NormalizeMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", events.ErrInvalidEvent, err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", events.ErrInvalidEvent, err)
	}
	return out, nil
}

// SortUnlocks orders events by ScheduledAt, then ID.
func SortUnlocks(list []events.UnlockEvent) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].ScheduledAt.Equal(list[j].ScheduledAt) {
			return list[i].ScheduledAt.Before(list[j].ScheduledAt)
		}
		return list[i].ID < list[j].ID
	})
}

// SortAnomalies orders events newest first.
func SortAnomalies(list []events.AnomalyEvent) {
	sort.SliceStable(list, func(i, j int) bool {
		return events.Newer(list[i], list[j])
	})
}

// WindowAnomalies applies q to an already newest-first list.
func WindowAnomalies(list []events.AnomalyEvent, q AnomalyQuery) []events.AnomalyEvent {
	if q.Limit > 0 && len(list) > q.Limit {
		list = list[:q.Limit]
	}
	out := make([]events.AnomalyEvent, 0, len(list))
	for _, e := range list {
		if q.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
