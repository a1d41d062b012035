// Package notify fans out lifecycle notifications to in-process subscribers
// and to external sinks. Delivery is best effort; the store stays the source
// of truth.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/observability"
)

// Kind names a notification type.
type Kind string

const (
	KindUnlockConfirmed Kind = "unlock.confirmed"
	KindUnlockOverdue   Kind = "unlock.overdue"
	KindAnomalyDetected Kind = "anomaly.detected"
)

// Notification is the payload delivered to subscribers and sinks.
type Notification struct {
	ID      string               `json:"id"`
	Kind    Kind                 `json:"kind"`
	At      time.Time            `json:"at"`
	Unlock  *events.UnlockEvent  `json:"unlock,omitempty"`
	Anomaly *events.AnomalyEvent `json:"anomaly,omitempty"`
}

// Key identifies the event a notification is about. Sinks use it for
// partitioning.
func (n Notification) Key() string {
	switch {
	case n.Unlock != nil:
		return n.Unlock.ID
	case n.Anomaly != nil:
		return n.Anomaly.ID
	}
	return n.ID
}

// UnlockConfirmed builds the notification for a confirmed unlock.
func UnlockConfirmed(e events.UnlockEvent, at time.Time) Notification {
	return Notification{ID: uuid.NewString(), Kind: KindUnlockConfirmed, At: at, Unlock: &e}
}

// UnlockOverdue builds the notification for a pending unlock past its window.
func UnlockOverdue(e events.UnlockEvent, at time.Time) Notification {
	return Notification{ID: uuid.NewString(), Kind: KindUnlockOverdue, At: at, Unlock: &e}
}

// AnomalyDetected builds the notification for a recorded anomaly.
func AnomalyDetected(e events.AnomalyEvent) Notification {
	c := e.Clone()
	return Notification{ID: uuid.NewString(), Kind: KindAnomalyDetected, At: e.CreatedAt, Anomaly: &c}
}

// Publisher is what the workers depend on.
type Publisher interface {
	Publish(ctx context.Context, n Notification)
}

// Handler receives notifications in process. Handlers run on the publishing
// goroutine and must not block.
type Handler func(ctx context.Context, n Notification)

// Sink delivers notifications outside the process.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

const (
	defaultQueueSize    = 256
	defaultSendTimeout  = 2 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

// sinkWorker owns one sink. Publish enqueues without blocking; the worker
// goroutine drains the queue into the sink.
type sinkWorker struct {
	sink    Sink
	limiter *rate.Limiter
	queue   chan queued
	done    chan struct{}
}

type queued struct {
	ctx context.Context
	n   Notification
}

// Broker is the subscribable notification signal.
type Broker struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64
	sinks    []*sinkWorker
	closed   bool

	queueSize    int
	sendTimeout  time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger
	metrics      *observability.Provider
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithQueueSize sets the per-sink queue capacity. Notifications arriving at a
// full queue are dropped.
func WithQueueSize(n int) BrokerOption { return func(b *Broker) { b.queueSize = n } }

// WithSendTimeout bounds a single Sink.Send call.
func WithSendTimeout(d time.Duration) BrokerOption { return func(b *Broker) { b.sendTimeout = d } }

// NewBroker creates a broker with no subscribers or sinks.
func NewBroker(logger *slog.Logger, metrics *observability.Provider, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Noop()
	}
	b := &Broker{
		handlers:     make(map[uint64]Handler),
		queueSize:    defaultQueueSize,
		sendTimeout:  defaultSendTimeout,
		drainTimeout: defaultDrainTimeout,
		logger:       logger.With("component", "notify"),
		metrics:      metrics,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.queueSize <= 0 {
		b.queueSize = defaultQueueSize
	}
	return b
}

// Subscribe registers h and returns a function that removes it.
func (b *Broker) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// AddSink attaches an external sink and starts its delivery goroutine. A zero
// limit means unlimited; otherwise notifications beyond limit per second (with
// burst) are dropped for that sink. Sinks added after Close are closed
// immediately.
func (b *Broker) AddSink(s Sink, limit rate.Limit, burst int) {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	w := &sinkWorker{
		sink:    s,
		limiter: rate.NewLimiter(limit, burst),
		queue:   make(chan queued, b.queueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = closeSink(s)
		return
	}
	b.sinks = append(b.sinks, w)
	go b.drain(w)
}

// Publish delivers n to every subscriber and queues it for every sink. It
// never waits on a sink. Failures are logged and counted, never returned.
func (b *Broker) Publish(ctx context.Context, n Notification) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	if !b.closed {
		for _, w := range b.sinks {
			b.enqueue(ctx, w, n)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, h, n)
	}
}

// enqueue runs under the read lock so Close cannot close the queue underneath.
func (b *Broker) enqueue(ctx context.Context, w *sinkWorker, n Notification) {
	name := w.sink.Name()
	if !w.limiter.Allow() {
		b.metrics.NotificationDropped(ctx, name, "rate_limited")
		b.logger.WarnContext(ctx, "notification rate limited", "sink", name, "kind", n.Kind, "key", n.Key())
		return
	}
	select {
	case w.queue <- queued{ctx: context.WithoutCancel(ctx), n: n}:
	default:
		b.metrics.NotificationDropped(ctx, name, "queue_full")
		b.logger.WarnContext(ctx, "notification queue full", "sink", name, "kind", n.Kind, "key", n.Key())
	}
}

func (b *Broker) drain(w *sinkWorker) {
	defer close(w.done)
	name := w.sink.Name()
	for q := range w.queue {
		sendCtx, cancel := context.WithTimeout(q.ctx, b.sendTimeout)
		err := w.sink.Send(sendCtx, q.n)
		cancel()
		if err != nil {
			b.metrics.NotificationDropped(q.ctx, name, "error")
			b.logger.WarnContext(q.ctx, "notification delivery failed", "sink", name, "kind", q.n.Kind, "key", q.n.Key(), "error", err)
		}
	}
}

func (b *Broker) invoke(ctx context.Context, h Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "notification handler panicked", "kind", n.Kind, "panic", fmt.Sprint(r))
		}
	}()
	h(ctx, n)
}

// Close stops accepting notifications, drains every sink queue (bounded by
// the drain timeout) and closes sinks that implement io.Closer. It is safe to
// call more than once.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sinks := b.sinks
	b.sinks = nil
	b.mu.Unlock()

	for _, w := range sinks {
		close(w.queue)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), b.drainTimeout)
	defer cancel()
	for _, w := range sinks {
		select {
		case <-w.done:
		case <-drainCtx.Done():
			b.logger.Warn("notification drain timed out", "sink", w.sink.Name(), "pending", len(w.queue))
		}
	}

	var first error
	for _, w := range sinks {
		if err := closeSink(w.sink); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func closeSink(s Sink) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
