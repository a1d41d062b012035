package unlock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

// DefaultTokens are the tokens the fetcher tracks when none are configured.
var DefaultTokens = []string{"SEI", "ATOM", "OSMO", "ETH"}

// Projection is one upcoming unlock reported for a token.
type Projection struct {
	ScheduledAt time.Time
	Amount      decimal.Decimal
	USDValue    decimal.Decimal
	Kind        events.UnlockKind
}

// ProjectionSource reports the next known unlock of a token.
type ProjectionSource interface {
	Project(ctx context.Context, token string, now time.Time) (Projection, error)
}

// RandomProjections simulates an unlock calendar API: a date 1-30 days ahead
// at a whole minute, an amount in [100000, 10100000), a USD value in
// [100000, 5100000), and a coin-flip kind.
type RandomProjections struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomProjections seeds a projection source. The same seed yields the
// same sequence.
func NewRandomProjections(seed uint64) *RandomProjections {
	return &RandomProjections{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (p *RandomProjections) Project(_ context.Context, _ string, now time.Time) (Projection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	day := now.UTC().AddDate(0, 0, p.rng.IntN(30)+1)
	at := time.Date(day.Year(), day.Month(), day.Day(), p.rng.IntN(24), p.rng.IntN(60), 0, 0, time.UTC)
	kind := events.KindLinear
	if p.rng.Float64() > 0.5 {
		kind = events.KindCliff
	}
	return Projection{
		ScheduledAt: at,
		Amount:      decimal.NewFromInt(int64(p.rng.IntN(10_000_000) + 100_000)),
		USDValue:    decimal.NewFromInt(int64(p.rng.IntN(5_000_000) + 100_000)),
		Kind:        kind,
	}, nil
}

// FetchResult summarises one fetch pass.
type FetchResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// Fetcher pulls projected unlocks for each tracked token and folds them into
// the store. A projection for a token on a calendar day that already has an
// event refreshes that event; otherwise a new PENDING event is inserted.
type Fetcher struct {
	ingester *Ingester
	source   ProjectionSource
	tokens   []string
	clock    func() time.Time
	logger   *slog.Logger
}

func NewFetcher(ingester *Ingester, source ProjectionSource, tokens []string, clock func() time.Time, logger *slog.Logger) *Fetcher {
	if len(tokens) == 0 {
		tokens = DefaultTokens
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		ingester: ingester,
		source:   source,
		tokens:   tokens,
		clock:    clock,
		logger:   logger.With("component", "unlock-fetch"),
	}
}

// Tick runs one fetch pass over every tracked token.
func (f *Fetcher) Tick(ctx context.Context) (FetchResult, error) {
	var res FetchResult
	now := f.clock()
	for _, token := range f.tokens {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, err := f.source.Project(ctx, token, now)
		if err != nil {
			return res, fmt.Errorf("project %s: %w", token, err)
		}

		dayStart := time.Date(p.ScheduledAt.Year(), p.ScheduledAt.Month(), p.ScheduledAt.Day(), 0, 0, 0, 0, p.ScheduledAt.Location())
		match := store.UnlockQuery{
			Token:         token,
			ScheduledFrom: dayStart,
			ScheduledTo:   dayStart.AddDate(0, 0, 1).Add(-time.Nanosecond),
		}
		e, outcome, err := f.ingester.Upsert(ctx, match, Record{
			Token:       token,
			ScheduledAt: p.ScheduledAt,
			Amount:      p.Amount,
			USDValue:    p.USDValue,
			Kind:        p.Kind,
		})
		if err != nil {
			return res, err
		}

		switch outcome {
		case OutcomeInserted:
			res.Inserted++
			f.logger.InfoContext(ctx, "added unlock", "token", token, "id", e.ID, "day", dayStart.Format(time.DateOnly))
		case OutcomeUpdated:
			res.Updated++
			f.logger.InfoContext(ctx, "updated unlock", "token", token, "id", e.ID, "day", dayStart.Format(time.DateOnly))
		case OutcomeSkipped:
			res.Skipped++
		}
	}
	return res, nil
}
