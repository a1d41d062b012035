package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category identifies the detector family that produced an anomaly.
type Category string

const (
	CategoryWhaleTransfer   Category = "whale_transfer"
	CategoryVolumeSpike     Category = "volume_spike"
	CategoryUnusualContract Category = "unusual_contract"
	CategoryFlashLoan       Category = "flash_loan"
	CategoryLiquidityDrain  Category = "liquidity_drain"
)

// Categories lists every category in registry order.
func Categories() []Category {
	return []Category{
		CategoryWhaleTransfer,
		CategoryVolumeSpike,
		CategoryUnusualContract,
		CategoryFlashLoan,
		CategoryLiquidityDrain,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Severity is assigned once by the detector and never changes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AnomalyEvent is an alert produced by a detector. All fields are immutable
// once the event has been appended to a store.
type AnomalyEvent struct {
	ID            string           `json:"id"`
	Category      Category         `json:"category"`
	Severity      Severity         `json:"severity"`
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	WalletAddress string           `json:"wallet_address,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Token         string           `json:"token,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	Metadata      map[string]any   `json:"metadata,omitempty"` // JSON values; stores return numbers as float64

	// Seq is assigned by the store on insertion and breaks CreatedAt ties.
	Seq uint64 `json:"seq"`
}

// Clone returns a copy that shares no mutable state with e.
func (e AnomalyEvent) Clone() AnomalyEvent {
	out := e
	if e.Amount != nil {
		amt := *e.Amount
		out.Amount = &amt
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Newer reports whether a sorts before b in newest-first order.
func Newer(a, b AnomalyEvent) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Seq > b.Seq
}
