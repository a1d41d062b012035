package anomaly

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Signal is one observation of chain activity. A nil observation means the
// source saw nothing of that kind during the tick.
type Signal struct {
	ObservedAt time.Time

	Whale     *WhaleTransfer
	Volume    *VolumeChange
	Contract  *ContractActivity
	FlashLoan *FlashLoan
	Drain     *PoolDrain
}

// WhaleTransfer is the largest single transfer seen.
type WhaleTransfer struct {
	Wallet    string
	Token     string
	Amount    decimal.Decimal
	USDValue  decimal.Decimal
	Direction string
}

// VolumeChange is a trading volume increase over a timeframe.
type VolumeChange struct {
	Token     string
	Percent   int
	Timeframe string
}

// ContractActivity counts interactions with a newly deployed unverified contract.
type ContractActivity struct {
	Wallet       string
	Contract     string
	Interactions int
}

// FlashLoan is a loan borrowed and repaid within one transaction.
type FlashLoan struct {
	Wallet    string
	Token     string
	Amount    decimal.Decimal
	Profit    decimal.Decimal
	Protocols []string
}

// PoolDrain is a liquidity decrease of a pool over a timeframe.
type PoolDrain struct {
	Pool      string
	Percent   int
	Timeframe string
}

// SignalSource produces the observation for one generator tick.
type SignalSource interface {
	Observe(ctx context.Context, now time.Time) (Signal, error)
}

// SignalFunc adapts a function to SignalSource.
type SignalFunc func(ctx context.Context, now time.Time) (Signal, error)

func (f SignalFunc) Observe(ctx context.Context, now time.Time) (Signal, error) {
	return f(ctx, now)
}

// usdPerToken is the flat conversion rate the simulated feed quotes.
var usdPerToken = decimal.RequireFromString("0.7")

// RandomSignals simulates a chain listener. On 30% of ticks it picks one
// observation kind at random and reports it with that kind's own
// probability, so most ticks observe nothing.
type RandomSignals struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSignals seeds a simulated source. The same seed yields the same
// sequence.
func NewRandomSignals(seed uint64) *RandomSignals {
	return &RandomSignals{rng: rand.New(rand.NewPCG(seed, seed^0x6a09e667f3bcc909))}
}

func (s *RandomSignals) Observe(_ context.Context, now time.Time) (Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := Signal{ObservedAt: now}
	if s.rng.Float64() >= 0.3 {
		return sig, nil
	}

	switch s.rng.IntN(5) {
	case 0:
		if s.rng.Float64() < 0.4 {
			amount := decimal.NewFromInt(int64(s.rng.IntN(1_000_000) + 500_000))
			direction := "in"
			if s.rng.Float64() > 0.5 {
				direction = "out"
			}
			sig.Whale = &WhaleTransfer{
				Wallet:    s.address(),
				Token:     s.pick("SEI", "USDC", "ATOM", "OSMO"),
				Amount:    amount,
				USDValue:  amount.Mul(usdPerToken),
				Direction: direction,
			}
		}
	case 1:
		if s.rng.Float64() < 0.3 {
			sig.Volume = &VolumeChange{
				Token:     s.pick("SEI", "USDC", "ATOM"),
				Percent:   s.rng.IntN(500) + 200,
				Timeframe: "5m",
			}
		}
	case 2:
		if s.rng.Float64() < 0.2 {
			sig.Contract = &ContractActivity{
				Wallet:       s.address(),
				Contract:     s.address(),
				Interactions: s.rng.IntN(50) + 10,
			}
		}
	case 3:
		if s.rng.Float64() < 0.1 {
			sig.FlashLoan = &FlashLoan{
				Wallet:    s.address(),
				Token:     "USDC",
				Amount:    decimal.NewFromInt(int64(s.rng.IntN(2_000_000) + 1_000_000)),
				Profit:    decimal.NewFromInt(int64(s.rng.IntN(50_000) + 10_000)),
				Protocols: []string{"Astroport", "Osmosis"},
			}
		}
	case 4:
		if s.rng.Float64() < 0.15 {
			sig.Drain = &PoolDrain{
				Pool:      "SEI/USDC",
				Percent:   s.rng.IntN(60) + 30,
				Timeframe: "10m",
			}
		}
	}
	return sig, nil
}

func (s *RandomSignals) pick(options ...string) string {
	return options[s.rng.IntN(len(options))]
}

// address returns a shortened wallet address such as 0x1a2b3c4d...
func (s *RandomSignals) address() string {
	return fmt.Sprintf("0x%08x...", s.rng.Uint32())
}
