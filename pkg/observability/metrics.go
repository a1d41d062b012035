package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TickCompleted counts a finished job tick.
func (p *Provider) TickCompleted(ctx context.Context, job string, err error) {
	p.ticks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", job),
		attribute.Bool("failed", err != nil),
	))
}

// TickSkipped counts a tick dropped because the previous one was still running.
func (p *Provider) TickSkipped(ctx context.Context, job string) {
	p.skippedTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job)))
}

func (p *Provider) UnlockConfirmed(ctx context.Context, token string) {
	p.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("token", token)))
}

func (p *Provider) DuplicateConfirmation(ctx context.Context) {
	p.duplicates.Add(ctx, 1)
}

// OverdueUnlocks records the number of pending events past their window.
func (p *Provider) OverdueUnlocks(ctx context.Context, n int) {
	p.overdue.Record(ctx, int64(n))
}

func (p *Provider) UnlockIngested(ctx context.Context, token string, inserted bool) {
	p.ingestedUnlocks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token", token),
		attribute.Bool("inserted", inserted),
	))
}

func (p *Provider) AnomalyRecorded(ctx context.Context, category, severity string, evicted int) {
	p.anomalies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("severity", severity),
	))
	if evicted > 0 {
		p.evictions.Add(ctx, int64(evicted))
	}
}

func (p *Provider) DetectorFailed(ctx context.Context, detector string) {
	p.detectorFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("detector", detector)))
}

// StoreUnavailable counts an operation that failed because the store could
// not be reached.
func (p *Provider) StoreUnavailable(ctx context.Context, op string) {
	p.storeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

func (p *Provider) NotificationDropped(ctx context.Context, sink, reason string) {
	p.notifyDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("reason", reason),
	))
}

func (p *Provider) EventsArchived(ctx context.Context, sink string, n int) {
	p.archivedEvents.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sink", sink)))
}
