// Package events defines the unlock and anomaly records shared by the store,
// the periodic workers and the query facade.
package events

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of an unlock event.
// The only legal transition is PENDING -> CONFIRMED.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusConfirmed
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && next == StatusConfirmed
}

// UnlockKind is the release shape of an unlock.
type UnlockKind string

const (
	KindCliff  UnlockKind = "cliff"
	KindLinear UnlockKind = "linear"
)

// Valid reports whether k is a known unlock kind.
func (k UnlockKind) Valid() bool {
	return k == KindCliff || k == KindLinear
}

// UnlockEvent is a scheduled release of restricted token supply.
type UnlockEvent struct {
	ID          string          `json:"id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	USDValue    decimal.Decimal `json:"usd_value"`
	Kind        UnlockKind      `json:"kind"`
	Status      Status          `json:"status"`

	// Set together, exactly once, on confirmation.
	TxHash      string    `json:"tx_hash,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at,omitempty"`

	// Retention bookkeeping; archived events stay queryable.
	ArchivedAt time.Time `json:"archived_at,omitempty"`
}

// Confirmed reports whether the event carries a confirmation.
func (e UnlockEvent) Confirmed() bool {
	return e.Status == StatusConfirmed
}

// Overdue reports whether a pending event has left its tolerance window
// without being confirmed.
func (e UnlockEvent) Overdue(now time.Time, tolerance time.Duration) bool {
	return e.Status == StatusPending && e.ScheduledAt.Before(now.Add(-tolerance))
}

// Due reports whether a pending event lies inside [now-tolerance, now+tolerance].
func (e UnlockEvent) Due(now time.Time, tolerance time.Duration) bool {
	if e.Status != StatusPending {
		return false
	}
	return !e.ScheduledAt.Before(now.Add(-tolerance)) && !e.ScheduledAt.After(now.Add(tolerance))
}

// Validate checks the fields an ingestion collaborator must supply.
func (e UnlockEvent) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	case e.Token == "":
		return fmt.Errorf("%w: token is required", ErrInvalidEvent)
	case e.ScheduledAt.IsZero():
		return fmt.Errorf("%w: scheduled_at is required", ErrInvalidEvent)
	case e.Amount.IsNegative() || e.USDValue.IsNegative():
		return fmt.Errorf("%w: amounts must be non-negative", ErrInvalidEvent)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	case e.Status != StatusPending:
		return fmt.Errorf("%w: new events must be %s", ErrInvalidEvent, StatusPending)
	case e.TxHash != "":
		return fmt.Errorf("%w: new events cannot carry a tx hash", ErrInvalidEvent)
	}
	return nil
}

// DedupRecord marks a confirmation token as processed.
type DedupRecord struct {
	TxHash string    `json:"tx_hash"`
	SeenAt time.Time `json:"seen_at"`
}
