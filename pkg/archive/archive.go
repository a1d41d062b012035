// Package archive exports confirmed unlock events past their retention age to
// cold storage. Archived events are stamped, never deleted; the store stays
// queryable.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/observability"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

const (
	DefaultAfter     = 30 * 24 * time.Hour
	DefaultBatchSize = 500
)

// Result summarises one archive pass.
type Result struct {
	Archived int    `json:"archived"`
	Location string `json:"location,omitempty"`
}

// Archiver moves old confirmed events into a Sink.
type Archiver struct {
	store     store.UnlockStore
	sink      Sink
	after     time.Duration
	batchSize int
	clock     func() time.Time
	metrics   *observability.Provider
	logger    *slog.Logger
}

// Config tunes an Archiver. Zero values take the defaults.
type Config struct {
	After     time.Duration
	BatchSize int
	Clock     func() time.Time
	Metrics   *observability.Provider
	Logger    *slog.Logger
}

func New(st store.UnlockStore, sink Sink, cfg Config) *Archiver {
	a := &Archiver{
		store:     st,
		sink:      sink,
		after:     cfg.After,
		batchSize: cfg.BatchSize,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if a.after <= 0 {
		a.after = DefaultAfter
	}
	if a.batchSize <= 0 {
		a.batchSize = DefaultBatchSize
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.metrics == nil {
		a.metrics = observability.Noop()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "archiver", "sink", sink.Name())
	return a
}

// Tick archives one batch of confirmed events whose confirmation is older
// than the retention age. The batch is written before the events are
// stamped; a crash in between re-exports the same content-addressed batch.
func (a *Archiver) Tick(ctx context.Context) (Result, error) {
	now := a.clock()
	cutoff := now.Add(-a.after)

	list, err := a.store.ListUnlocks(ctx, store.UnlockQuery{
		Status:         events.StatusConfirmed,
		OnlyUnarchived: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("list archivable unlocks: %w", err)
	}

	var batch []events.UnlockEvent
	for _, e := range list {
		if e.ConfirmedAt.After(cutoff) {
			continue
		}
		batch = append(batch, e)
		if len(batch) == a.batchSize {
			break
		}
	}
	if len(batch) == 0 {
		return Result{}, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(batch))
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return Result{}, fmt.Errorf("encode unlock %s: %w", e.ID, err)
		}
		ids = append(ids, e.ID)
	}

	location, err := a.sink.Put(ctx, "unlocks-"+now.UTC().Format("20060102"), buf.Bytes())
	if err != nil {
		return Result{}, fmt.Errorf("write archive batch: %w", err)
	}
	n, err := a.store.MarkArchived(ctx, ids, now)
	if err != nil {
		return Result{Location: location}, fmt.Errorf("mark archived: %w", err)
	}

	a.metrics.EventsArchived(ctx, a.sink.Name(), n)
	a.logger.InfoContext(ctx, "archived unlocks", "count", n, "location", location)
	return Result{Archived: n, Location: location}, nil
}
