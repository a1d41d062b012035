package unlock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
)

// Fixtures is the demo unlock calendar.
func Fixtures() []Record {
	at := func(month time.Month, day, hour, min int) time.Time {
		return time.Date(2025, month, day, hour, min, 0, 0, time.UTC)
	}
	return []Record{
		{ID: "event-1", Token: "SEI", ScheduledAt: at(time.August, 1, 10, 0), Amount: decimal.NewFromInt(21_500_000), USDValue: decimal.NewFromInt(15_000_000), Kind: events.KindCliff},
		{ID: "event-2", Token: "ATOM", ScheduledAt: at(time.August, 5, 14, 30), Amount: decimal.NewFromInt(500_000), USDValue: decimal.NewFromInt(4_500_000), Kind: events.KindLinear},
		{ID: "event-3", Token: "OSMO", ScheduledAt: at(time.August, 10, 9, 0), Amount: decimal.NewFromInt(1_200_000), USDValue: decimal.NewFromInt(800_000), Kind: events.KindCliff},
		{ID: "event-4", Token: "SEI", ScheduledAt: at(time.August, 15, 11, 0), Amount: decimal.NewFromInt(10_000_000), USDValue: decimal.NewFromInt(7_000_000), Kind: events.KindLinear},
		{ID: "event-5", Token: "SEI", ScheduledAt: at(time.September, 1, 16, 0), Amount: decimal.NewFromInt(30_000_000), USDValue: decimal.NewFromInt(21_000_000), Kind: events.KindCliff},
		{ID: "event-6", Token: "TEST", ScheduledAt: at(time.August, 25, 12, 0), Amount: decimal.NewFromInt(100_000), USDValue: decimal.NewFromInt(50_000), Kind: events.KindLinear},
	}
}

// SeedResult counts what SeedFixtures did.
type SeedResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// SeedFixtures loads Fixtures. Running it again refreshes pending fixtures and
// leaves confirmed ones alone.
func SeedFixtures(ctx context.Context, ingester *Ingester) (SeedResult, error) {
	var res SeedResult
	for _, r := range Fixtures() {
		_, outcome, err := ingester.Ingest(ctx, r)
		if err != nil {
			return res, err
		}
		switch outcome {
		case OutcomeInserted:
			res.Inserted++
		case OutcomeUpdated:
			res.Updated++
		case OutcomeSkipped:
			res.Skipped++
		}
	}
	return res, nil
}
