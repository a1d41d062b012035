// Package anomaly turns chain activity signals into classified alerts.
//
// Each Generator tick takes one Signal, runs every registered Detector on it
// concurrently, and appends the resulting events to the bounded anomaly
// store in registry order. A detector that errors or panics is logged and
// skipped; it never takes the tick down with it.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/notify"
	"github.com/Mindburn-Labs/chainwatch/pkg/observability"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

// TickResult summarises one generator tick.
type TickResult struct {
	Recorded int
	Evicted  int
	Failed   int

	// Stale counts events older than everything a full buffer retains. They
	// are neither stored nor published.
	Stale int
}

// Generator runs the detectors against the signal source and records what
// they find.
type Generator struct {
	store     store.AnomalyStore
	source    SignalSource
	detectors []Detector
	publisher notify.Publisher
	metrics   *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

func WithPublisher(p notify.Publisher) Option { return func(g *Generator) { g.publisher = p } }

func WithMetrics(p *observability.Provider) Option { return func(g *Generator) { g.metrics = p } }

func WithLogger(l *slog.Logger) Option { return func(g *Generator) { g.logger = l } }

func WithClock(clock func() time.Time) Option { return func(g *Generator) { g.clock = clock } }

// NewGenerator creates a generator. Detectors run in the order given.
func NewGenerator(st store.AnomalyStore, source SignalSource, detectors []Detector, opts ...Option) *Generator {
	g := &Generator{
		store:     st,
		source:    source,
		detectors: detectors,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "anomaly-generator")
	if g.metrics == nil {
		g.metrics = observability.Noop()
	}
	return g
}

// Detectors returns the registry in run order.
func (g *Generator) Detectors() []Detector {
	return append([]Detector(nil), g.detectors...)
}

type detection struct {
	event *events.AnomalyEvent
	err   error
}

// Tick runs one detection pass. Detector failures are counted in the result;
// only a failing signal source or store aborts the tick.
func (g *Generator) Tick(ctx context.Context) (res TickResult, err error) {
	ctx, done := g.metrics.TrackOperation(ctx, "anomaly.tick")
	defer func() { done(err) }()

	now := g.clock()
	sig, err := g.source.Observe(ctx, now)
	if err != nil {
		return res, fmt.Errorf("observe signal: %w", err)
	}
	if sig.ObservedAt.IsZero() {
		sig.ObservedAt = now
	}

	found := g.detect(ctx, sig)
	for i, d := range g.detectors {
		r := found[i]
		if r.err == nil && r.event != nil {
			r.err = g.check(d, r.event)
		}
		if r.err != nil {
			res.Failed++
			g.metrics.DetectorFailed(ctx, d.Name())
			g.logger.WarnContext(ctx, "detector failed", "detector", d.Name(), "error", r.err)
			continue
		}
		if r.event == nil {
			continue
		}

		evicted, err := g.store.AppendAnomaly(ctx, *r.event)
		if errors.Is(err, events.ErrInvalidEvent) {
			res.Failed++
			g.metrics.DetectorFailed(ctx, d.Name())
			g.logger.WarnContext(ctx, "anomaly rejected", "detector", d.Name(), "id", r.event.ID, "error", err)
			continue
		}
		if errors.Is(err, events.ErrStaleAnomaly) {
			res.Stale++
			g.logger.WarnContext(ctx, "anomaly outside retained window", "detector", d.Name(), "id", r.event.ID, "created_at", r.event.CreatedAt)
			continue
		}
		if err != nil {
			if errors.Is(err, events.ErrStoreUnavailable) {
				g.metrics.StoreUnavailable(ctx, "append_anomaly")
			}
			return res, fmt.Errorf("append anomaly %s: %w", r.event.ID, err)
		}

		res.Recorded++
		res.Evicted += evicted
		g.metrics.AnomalyRecorded(ctx, string(r.event.Category), string(r.event.Severity), evicted)
		g.logger.InfoContext(ctx, "anomaly detected",
			"id", r.event.ID, "category", r.event.Category, "severity", r.event.Severity, "title", r.event.Title)
		if g.publisher != nil {
			g.publisher.Publish(ctx, notify.AnomalyDetected(*r.event))
		}
	}
	return res, nil
}

// detect fans sig out to every detector and collects the results by
// registry position.
func (g *Generator) detect(ctx context.Context, sig Signal) []detection {
	found := make([]detection, len(g.detectors))
	var eg errgroup.Group
	for i, d := range g.detectors {
		eg.Go(func() error {
			found[i] = runDetector(ctx, d, sig)
			return nil
		})
	}
	_ = eg.Wait()
	return found
}

func runDetector(ctx context.Context, d Detector, sig Signal) (r detection) {
	defer func() {
		if p := recover(); p != nil {
			r = detection{err: fmt.Errorf("%w: %s panicked: %v", events.ErrDetectorFailure, d.Name(), p)}
		}
	}()
	e, err := d.Detect(ctx, sig)
	if err != nil {
		return detection{err: fmt.Errorf("%w: %s: %w", events.ErrDetectorFailure, d.Name(), err)}
	}
	return detection{event: e}
}

// check fills the fields a detector may leave out and rejects events that
// claim another detector's category.
func (g *Generator) check(d Detector, e *events.AnomalyEvent) error {
	if e.Category == "" {
		e.Category = d.Category()
	}
	if e.Category != d.Category() {
		return fmt.Errorf("%w: %s emitted category %s", events.ErrDetectorFailure, d.Name(), e.Category)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = g.clock()
	}
	if err := store.ValidateAnomaly(*e); err != nil {
		return fmt.Errorf("%w: %s: %w", events.ErrDetectorFailure, d.Name(), err)
	}
	return nil
}
