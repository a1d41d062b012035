// Package badgerstore implements store.Store on an embedded BadgerDB.
//
// Key layout:
//
//	unlock/<id>                    JSON UnlockEvent
//	seen/<tx hash>                 JSON DedupRecord
//	anomaly/<created_at><seq>      JSON AnomalyEvent, big-endian so keys sort by recency
//	anomaly-id/<id>                anomaly key, for uniqueness
//	meta/anomaly-seq               last assigned sequence number
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

var (
	unlockPrefix    = []byte("unlock/")
	seenPrefix      = []byte("seen/")
	anomalyPrefix   = []byte("anomaly/")
	anomalyIDPrefix = []byte("anomaly-id/")
	seqKey          = []byte("meta/anomaly-seq")
)

// maxConflictRetries bounds how often a write is replayed after an
// optimistic-concurrency conflict.
const maxConflictRetries = 16

// Config holds configuration for a BadgerDB-backed store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// AnomalyCapacity is the ring buffer bound.
	AnomalyCapacity int

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true, AnomalyCapacity: store.DefaultAnomalyCapacity}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig(capacity int) Config {
	return Config{InMemory: true, AnomalyCapacity: capacity}
}

// Store is a BadgerDB-backed store.Store.
type Store struct {
	db       *badger.DB
	capacity int
}

var _ store.Store = (*Store)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	capacity := cfg.AnomalyCapacity
	if capacity <= 0 {
		capacity = store.DefaultAnomalyCapacity
	}
	return &Store{db: db, capacity: capacity}, nil
}

func (s *Store) ListUnlocks(ctx context.Context, q store.UnlockQuery) ([]events.UnlockEvent, error) {
	var out []events.UnlockEvent
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = listUnlocks(txn, q)
		return err
	})
	if err != nil {
		return nil, wrap("list unlocks", err)
	}
	return out, nil
}

func (s *Store) FindUnlock(ctx context.Context, q store.UnlockQuery) (events.UnlockEvent, error) {
	q.Limit = 1
	list, err := s.ListUnlocks(ctx, q)
	if err != nil {
		return events.UnlockEvent{}, err
	}
	if len(list) == 0 {
		return events.UnlockEvent{}, events.ErrNotFound
	}
	return list[0], nil
}

func (s *Store) UpsertUnlock(ctx context.Context, q store.UnlockQuery, patch store.UnlockPatch, allowInsert bool) (events.UnlockEvent, bool, error) {
	var (
		result   events.UnlockEvent
		inserted bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		inserted = false
		q.Limit = 1
		matches, err := listUnlocks(txn, q)
		if err != nil {
			return err
		}
		if len(matches) > 0 {
			e := matches[0]
			if err := patch.Apply(&e); err != nil {
				return err
			}
			result = e
			return putJSON(txn, key(unlockPrefix, e.ID), e)
		}

		if !allowInsert {
			return events.ErrNotFound
		}
		e, err := patch.NewEvent()
		if err != nil {
			return err
		}
		if exists, err := has(txn, key(unlockPrefix, e.ID)); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: id %s already exists", events.ErrInvalidEvent, e.ID)
		}
		result, inserted = e, true
		return putJSON(txn, key(unlockPrefix, e.ID), e)
	})
	if err != nil {
		return events.UnlockEvent{}, false, wrap("upsert unlock", err)
	}
	return result, inserted, nil
}

func (s *Store) AppendDedup(ctx context.Context, rec events.DedupRecord) (bool, error) {
	if rec.TxHash == "" {
		return false, fmt.Errorf("%w: tx hash is required", events.ErrInvalidEvent)
	}
	added := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		added = false
		exists, err := has(txn, key(seenPrefix, rec.TxHash))
		if err != nil || exists {
			return err
		}
		added = true
		return putJSON(txn, key(seenPrefix, rec.TxHash), rec)
	})
	if err != nil {
		return false, wrap("append dedup", err)
	}
	return added, nil
}

func (s *Store) SeenTx(ctx context.Context, txHash string) (bool, error) {
	var seen bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		seen, err = has(txn, key(seenPrefix, txHash))
		return err
	})
	if err != nil {
		return false, wrap("seen tx", err)
	}
	return seen, nil
}

// ConfirmUnlock reads and writes both keys in one transaction. A concurrent
// writer makes the commit conflict, and the replay then sees the winner.
func (s *Store) ConfirmUnlock(ctx context.Context, id string, rec events.DedupRecord) (events.UnlockEvent, error) {
	if rec.TxHash == "" {
		return events.UnlockEvent{}, fmt.Errorf("%w: tx hash is required", events.ErrInvalidEvent)
	}
	var result events.UnlockEvent
	err := s.update(ctx, func(txn *badger.Txn) error {
		var e events.UnlockEvent
		if err := getJSON(txn, key(unlockPrefix, id), &e); err != nil {
			return err
		}
		if dup, err := has(txn, key(seenPrefix, rec.TxHash)); err != nil {
			return err
		} else if dup {
			return fmt.Errorf("%w: tx %s already recorded", events.ErrDuplicateConfirmation, rec.TxHash)
		}
		if !e.Status.CanTransition(events.StatusConfirmed) {
			return fmt.Errorf("%w: %s is %s", events.ErrDuplicateConfirmation, id, e.Status)
		}

		e.Status = events.StatusConfirmed
		e.TxHash = rec.TxHash
		e.ConfirmedAt = rec.SeenAt
		if err := putJSON(txn, key(seenPrefix, rec.TxHash), rec); err != nil {
			return err
		}
		result = e
		return putJSON(txn, key(unlockPrefix, id), e)
	})
	if err != nil {
		return events.UnlockEvent{}, wrap("confirm unlock", err)
	}
	return result, nil
}

func (s *Store) MarkArchived(ctx context.Context, ids []string, at time.Time) (int, error) {
	n := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		for _, id := range ids {
			var e events.UnlockEvent
			if err := getJSON(txn, key(unlockPrefix, id), &e); err != nil {
				if errors.Is(err, events.ErrNotFound) {
					continue
				}
				return err
			}
			if !e.Confirmed() || !e.ArchivedAt.IsZero() {
				continue
			}
			e.ArchivedAt = at
			if err := putJSON(txn, key(unlockPrefix, id), e); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, wrap("mark archived", err)
	}
	return n, nil
}

// AppendAnomaly writes e and deletes everything past the newest capacity
// entries in the same transaction. The transaction is discarded when e is
// among the evicted.
func (s *Store) AppendAnomaly(ctx context.Context, e events.AnomalyEvent) (int, error) {
	if err := store.ValidateAnomaly(e); err != nil {
		return 0, err
	}
	meta, err := store.NormalizeMetadata(e.Metadata)
	if err != nil {
		return 0, err
	}
	evicted := 0
	err = s.update(ctx, func(txn *badger.Txn) error {
		evicted = 0
		if exists, err := has(txn, key(anomalyIDPrefix, e.ID)); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: anomaly %s already stored", events.ErrInvalidEvent, e.ID)
		}

		seq, err := nextSeq(txn)
		if err != nil {
			return err
		}
		stored := e.Clone()
		stored.Metadata = meta
		stored.Seq = seq
		k := anomalyKey(stored.CreatedAt, seq)
		if err := putJSON(txn, k, stored); err != nil {
			return err
		}
		if err := txn.Set(key(anomalyIDPrefix, e.ID), k); err != nil {
			return err
		}

		stale, err := beyondCapacity(txn, s.capacity)
		if err != nil {
			return err
		}
		for _, old := range stale {
			if old.ID == e.ID {
				return fmt.Errorf("%w: anomaly %s", events.ErrStaleAnomaly, e.ID)
			}
		}
		for _, old := range stale {
			if err := txn.Delete(anomalyKey(old.CreatedAt, old.Seq)); err != nil {
				return err
			}
			if err := txn.Delete(key(anomalyIDPrefix, old.ID)); err != nil {
				return err
			}
		}
		evicted = len(stale)
		return nil
	})
	if err != nil {
		return 0, wrap("append anomaly", err)
	}
	return evicted, nil
}

func (s *Store) ListAnomalies(ctx context.Context, q store.AnomalyQuery) ([]events.AnomalyEvent, error) {
	var list []events.AnomalyEvent
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = anomalyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekEnd(anomalyPrefix)); it.ValidForPrefix(anomalyPrefix); it.Next() {
			if q.Limit > 0 && len(list) >= q.Limit {
				break
			}
			var e events.AnomalyEvent
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			list = append(list, e)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list anomalies", err)
	}
	return store.WindowAnomalies(list, store.AnomalyQuery{Severity: q.Severity, Category: q.Category}), nil
}

func (s *Store) AnomalyCapacity() int {
	return s.capacity
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return events.ErrStoreUnavailable
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC performs one value-log garbage collection pass. badger.ErrNoRewrite
// means there was nothing to reclaim.
func (s *Store) RunGC(ratio float64) error {
	err := s.db.RunValueLogGC(ratio)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

// update runs fn in a read-write transaction and replays it on conflict.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func listUnlocks(txn *badger.Txn, q store.UnlockQuery) ([]events.UnlockEvent, error) {
	out := make([]events.UnlockEvent, 0)
	if len(q.IDs) > 0 {
		for _, id := range q.IDs {
			var e events.UnlockEvent
			if err := getJSON(txn, key(unlockPrefix, id), &e); err != nil {
				if errors.Is(err, events.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if q.Matches(e) {
				out = append(out, e)
			}
		}
	} else {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = unlockPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(unlockPrefix); it.Next() {
			var e events.UnlockEvent
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return nil, err
			}
			if q.Matches(e) {
				out = append(out, e)
			}
		}
	}
	store.SortUnlocks(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// beyondCapacity returns the anomalies older than the newest capacity entries.
func beyondCapacity(txn *badger.Txn, capacity int) ([]events.AnomalyEvent, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = anomalyPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var stale []events.AnomalyEvent
	kept := 0
	for it.Seek(seekEnd(anomalyPrefix)); it.ValidForPrefix(anomalyPrefix); it.Next() {
		kept++
		if kept <= capacity {
			continue
		}
		var old events.AnomalyEvent
		if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &old) }); err != nil {
			return nil, err
		}
		stale = append(stale, old)
	}
	return stale, nil
}

func nextSeq(txn *badger.Txn) (uint64, error) {
	var seq uint64
	item, err := txn.Get(seqKey)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(v []byte) error {
			seq = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return 0, err
		}
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return seq, txn.Set(seqKey, buf)
}

func key(prefix []byte, id string) []byte {
	k := make([]byte, 0, len(prefix)+len(id))
	k = append(k, prefix...)
	return append(k, id...)
}

// anomalyKey orders by created_at, then seq. The sign bit is flipped so
// pre-1970 timestamps still sort first.
func anomalyKey(createdAt time.Time, seq uint64) []byte {
	k := make([]byte, 0, len(anomalyPrefix)+16)
	k = append(k, anomalyPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(createdAt.UnixNano())^(1<<63))
	return binary.BigEndian.AppendUint64(k, seq)
}

func seekEnd(prefix []byte) []byte {
	k := make([]byte, 0, len(prefix)+1)
	k = append(k, prefix...)
	return append(k, 0xFF)
}

func has(txn *badger.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return events.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(b []byte) error { return json.Unmarshal(b, v) })
}

func putJSON(txn *badger.Txn, k []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, b)
}

// wrap passes domain errors through and marks badger failures as
// events.ErrStoreUnavailable.
func wrap(op string, err error) error {
	for _, domain := range []error{
		events.ErrNotFound, events.ErrDuplicateConfirmation, events.ErrImmutableEvent,
		events.ErrInvalidEvent, events.ErrStaleAnomaly, context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %w", op, events.ErrStoreUnavailable, err)
}
