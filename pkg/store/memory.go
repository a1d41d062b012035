package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
)

// Memory implements Store in process memory. It is the default backend and the
// reference the durable backends are tested against.
type Memory struct {
	mu        sync.RWMutex
	unlocks   map[string]events.UnlockEvent
	seen      map[string]events.DedupRecord
	anomalies []events.AnomalyEvent // newest first, len <= capacity
	capacity  int
	seq       uint64
	closed    bool
}

// NewMemory creates an empty in-memory store. capacity <= 0 uses
// DefaultAnomalyCapacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultAnomalyCapacity
	}
	return &Memory{
		unlocks:   make(map[string]events.UnlockEvent),
		seen:      make(map[string]events.DedupRecord),
		anomalies: make([]events.AnomalyEvent, 0, capacity),
		capacity:  capacity,
	}
}

func (m *Memory) ListUnlocks(ctx context.Context, q UnlockQuery) ([]events.UnlockEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, events.ErrStoreUnavailable
	}
	return m.listLocked(q), nil
}

func (m *Memory) listLocked(q UnlockQuery) []events.UnlockEvent {
	out := make([]events.UnlockEvent, 0)
	for _, e := range m.unlocks {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	SortUnlocks(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (m *Memory) FindUnlock(ctx context.Context, q UnlockQuery) (events.UnlockEvent, error) {
	q.Limit = 1
	list, err := m.ListUnlocks(ctx, q)
	if err != nil {
		return events.UnlockEvent{}, err
	}
	if len(list) == 0 {
		return events.UnlockEvent{}, events.ErrNotFound
	}
	return list[0], nil
}

func (m *Memory) UpsertUnlock(ctx context.Context, q UnlockQuery, patch UnlockPatch, allowInsert bool) (events.UnlockEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return events.UnlockEvent{}, false, events.ErrStoreUnavailable
	}

	q.Limit = 1
	if matches := m.listLocked(q); len(matches) > 0 {
		e := matches[0]
		if err := patch.Apply(&e); err != nil {
			return events.UnlockEvent{}, false, err
		}
		m.unlocks[e.ID] = e
		return e, false, nil
	}

	if !allowInsert {
		return events.UnlockEvent{}, false, events.ErrNotFound
	}
	e, err := patch.NewEvent()
	if err != nil {
		return events.UnlockEvent{}, false, err
	}
	if _, exists := m.unlocks[e.ID]; exists {
		return events.UnlockEvent{}, false, fmt.Errorf("%w: id %s already exists", events.ErrInvalidEvent, e.ID)
	}
	m.unlocks[e.ID] = e
	return e, true, nil
}

func (m *Memory) AppendDedup(ctx context.Context, rec events.DedupRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, events.ErrStoreUnavailable
	}
	if rec.TxHash == "" {
		return false, fmt.Errorf("%w: tx hash is required", events.ErrInvalidEvent)
	}
	if _, ok := m.seen[rec.TxHash]; ok {
		return false, nil
	}
	m.seen[rec.TxHash] = rec
	return true, nil
}

func (m *Memory) SeenTx(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, events.ErrStoreUnavailable
	}
	_, ok := m.seen[txHash]
	return ok, nil
}

func (m *Memory) ConfirmUnlock(ctx context.Context, id string, rec events.DedupRecord) (events.UnlockEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return events.UnlockEvent{}, events.ErrStoreUnavailable
	}
	if rec.TxHash == "" {
		return events.UnlockEvent{}, fmt.Errorf("%w: tx hash is required", events.ErrInvalidEvent)
	}

	e, ok := m.unlocks[id]
	if !ok {
		return events.UnlockEvent{}, events.ErrNotFound
	}
	if _, dup := m.seen[rec.TxHash]; dup {
		return e, fmt.Errorf("%w: tx %s already recorded", events.ErrDuplicateConfirmation, rec.TxHash)
	}
	if !e.Status.CanTransition(events.StatusConfirmed) {
		return e, fmt.Errorf("%w: %s is %s", events.ErrDuplicateConfirmation, id, e.Status)
	}

	m.seen[rec.TxHash] = rec
	e.Status = events.StatusConfirmed
	e.TxHash = rec.TxHash
	e.ConfirmedAt = rec.SeenAt
	m.unlocks[id] = e
	return e, nil
}

func (m *Memory) MarkArchived(ctx context.Context, ids []string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, events.ErrStoreUnavailable
	}
	n := 0
	for _, id := range ids {
		e, ok := m.unlocks[id]
		if !ok || !e.Confirmed() || !e.ArchivedAt.IsZero() {
			continue
		}
		e.ArchivedAt = at
		m.unlocks[id] = e
		n++
	}
	return n, nil
}

func (m *Memory) AppendAnomaly(ctx context.Context, e events.AnomalyEvent) (int, error) {
	if err := ValidateAnomaly(e); err != nil {
		return 0, err
	}
	meta, err := NormalizeMetadata(e.Metadata)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, events.ErrStoreUnavailable
	}
	for _, existing := range m.anomalies {
		if existing.ID == e.ID {
			return 0, fmt.Errorf("%w: anomaly %s already stored", events.ErrInvalidEvent, e.ID)
		}
	}

	e = e.Clone()
	e.Metadata = meta
	e.Seq = m.seq + 1

	// Insert at its newest-first position; almost always index 0.
	idx := len(m.anomalies)
	for i, existing := range m.anomalies {
		if events.Newer(e, existing) {
			idx = i
			break
		}
	}
	if idx >= m.capacity {
		return 0, fmt.Errorf("%w: anomaly %s", events.ErrStaleAnomaly, e.ID)
	}
	m.seq++
	m.anomalies = append(m.anomalies, events.AnomalyEvent{})
	copy(m.anomalies[idx+1:], m.anomalies[idx:])
	m.anomalies[idx] = e

	evicted := 0
	if len(m.anomalies) > m.capacity {
		evicted = len(m.anomalies) - m.capacity
		for i := m.capacity; i < len(m.anomalies); i++ {
			m.anomalies[i] = events.AnomalyEvent{}
		}
		m.anomalies = m.anomalies[:m.capacity]
	}
	return evicted, nil
}

func (m *Memory) ListAnomalies(ctx context.Context, q AnomalyQuery) ([]events.AnomalyEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, events.ErrStoreUnavailable
	}
	return WindowAnomalies(m.anomalies, q), nil
}

func (m *Memory) AnomalyCapacity() int {
	return m.capacity
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return events.ErrStoreUnavailable
	}
	return nil
}

// Close makes every later call fail with events.ErrStoreUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
