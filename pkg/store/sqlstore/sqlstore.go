// Package sqlstore implements store.Store on database/sql for Postgres
// (lib/pq) and SQLite (modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const unlockColumns = `id, token, kind, status, scheduled_at, amount, usd_value, tx_hash, confirmed_at, archived_at`

const anomalyColumns = `seq, id, category, severity, title, description, wallet_address, amount, token, created_at, metadata`

// Store is a SQL-backed store.Store.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	capacity int
}

var _ store.Store = (*Store)(nil)

// New wraps an open database. Call Init before first use.
func New(db *sql.DB, dialect Dialect, capacity int) *Store {
	if capacity <= 0 {
		capacity = store.DefaultAnomalyCapacity
	}
	return &Store{db: db, dialect: dialect, capacity: capacity}
}

// OpenPostgres connects to dsn and creates the schema.
func OpenPostgres(ctx context.Context, dsn string, capacity int) (*Store, error) {
	db, err := sql.Open(Postgres.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return open(ctx, db, Postgres, capacity)
}

// OpenSQLite opens the database file at path, or a private in-memory database
// for ":memory:", and creates the schema.
func OpenSQLite(ctx context.Context, path string, capacity int) (*Store, error) {
	db, err := sql.Open(SQLite.DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	return open(ctx, db, SQLite, capacity)
}

func open(ctx context.Context, db *sql.DB, d Dialect, capacity int) (*Store, error) {
	s := New(db, d, capacity)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the tables and indexes if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("init schema", err)
		}
	}
	return nil
}

func (s *Store) ListUnlocks(ctx context.Context, q store.UnlockQuery) ([]events.UnlockEvent, error) {
	return s.listUnlocks(ctx, s.db, q, false)
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

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) listUnlocks(ctx context.Context, db queryer, q store.UnlockQuery, lock bool) ([]events.UnlockEvent, error) {
	var (
		where []string
		args  []any
	)
	if len(q.IDs) > 0 {
		marks := make([]string, len(q.IDs))
		for i, id := range q.IDs {
			marks[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(marks, ", ")+")")
	}
	if q.Token != "" {
		where = append(where, "token = ?")
		args = append(args, q.Token)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.ScheduledFrom.IsZero() {
		where = append(where, "scheduled_at >= ?")
		args = append(args, q.ScheduledFrom.UnixNano())
	}
	if !q.ScheduledTo.IsZero() {
		where = append(where, "scheduled_at <= ?")
		args = append(args, q.ScheduledTo.UnixNano())
	}
	if q.OnlyUnarchived {
		where = append(where, "archived_at = 0")
	}

	query := "SELECT " + unlockColumns + " FROM unlock_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_at, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	if lock {
		query += s.dialect.forUpdate
	}

	rows, err := db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, unavailable("list unlocks", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]events.UnlockEvent, 0)
	for rows.Next() {
		e, err := scanUnlock(rows)
		if err != nil {
			return nil, unavailable("scan unlock", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list unlocks", err)
	}
	return result, nil
}

func (s *Store) UpsertUnlock(ctx context.Context, q store.UnlockQuery, patch store.UnlockPatch, allowInsert bool) (events.UnlockEvent, bool, error) {
	var (
		result   events.UnlockEvent
		inserted bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		q.Limit = 1
		matches, err := s.listUnlocks(ctx, tx, q, true)
		if err != nil {
			return err
		}

		if len(matches) > 0 {
			e := matches[0]
			if err := patch.Apply(&e); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, s.dialect.rebind(
				`UPDATE unlock_events SET scheduled_at = ?, amount = ?, usd_value = ? WHERE id = ? AND status = ?`),
				e.ScheduledAt.UnixNano(), e.Amount.String(), e.USDValue.String(), e.ID, string(events.StatusPending))
			if err != nil {
				return unavailable("update unlock", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return unavailable("update unlock", err)
			} else if n == 0 {
				return fmt.Errorf("%w: %s", events.ErrImmutableEvent, e.ID)
			}
			result = e
			return nil
		}

		if !allowInsert {
			return events.ErrNotFound
		}
		e, err := patch.NewEvent()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO unlock_events (`+unlockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
			e.ID, e.Token, string(e.Kind), string(e.Status), e.ScheduledAt.UnixNano(),
			e.Amount.String(), e.USDValue.String(), "", int64(0), int64(0))
		if err != nil {
			return unavailable("insert unlock", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return unavailable("insert unlock", err)
		} else if n == 0 {
			return fmt.Errorf("%w: id %s already exists", events.ErrInvalidEvent, e.ID)
		}
		result, inserted = e, true
		return nil
	})
	if err != nil {
		return events.UnlockEvent{}, false, err
	}
	return result, inserted, nil
}

func (s *Store) AppendDedup(ctx context.Context, rec events.DedupRecord) (bool, error) {
	if rec.TxHash == "" {
		return false, fmt.Errorf("%w: tx hash is required", events.ErrInvalidEvent)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO unlock_seen_tx (tx_hash, seen_at) VALUES (?, ?) ON CONFLICT (tx_hash) DO NOTHING`),
		rec.TxHash, rec.SeenAt.UnixNano())
	if err != nil {
		return false, unavailable("append dedup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("append dedup", err)
	}
	return n == 1, nil
}

func (s *Store) SeenTx(ctx context.Context, txHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COUNT(*) FROM unlock_seen_tx WHERE tx_hash = ?`), txHash).Scan(&n)
	if err != nil {
		return false, unavailable("seen tx", err)
	}
	return n > 0, nil
}

// ConfirmUnlock writes the dedup record and the status change in one
// transaction and rolls both back if either guard fails.
func (s *Store) ConfirmUnlock(ctx context.Context, id string, rec events.DedupRecord) (events.UnlockEvent, error) {
	if rec.TxHash == "" {
		return events.UnlockEvent{}, fmt.Errorf("%w: tx hash is required", events.ErrInvalidEvent)
	}
	var result events.UnlockEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.listUnlocks(ctx, tx, store.UnlockQuery{IDs: []string{id}, Limit: 1}, true)
		if err != nil {
			return err
		}
		if len(current) == 0 {
			return events.ErrNotFound
		}

		res, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO unlock_seen_tx (tx_hash, seen_at) VALUES (?, ?) ON CONFLICT (tx_hash) DO NOTHING`),
			rec.TxHash, rec.SeenAt.UnixNano())
		if err != nil {
			return unavailable("record tx", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return unavailable("record tx", err)
		} else if n == 0 {
			return fmt.Errorf("%w: tx %s already recorded", events.ErrDuplicateConfirmation, rec.TxHash)
		}

		res, err = tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE unlock_events SET status = ?, tx_hash = ?, confirmed_at = ? WHERE id = ? AND status = ?`),
			string(events.StatusConfirmed), rec.TxHash, rec.SeenAt.UnixNano(), id, string(events.StatusPending))
		if err != nil {
			return unavailable("confirm unlock", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return unavailable("confirm unlock", err)
		} else if n == 0 {
			return fmt.Errorf("%w: %s is %s", events.ErrDuplicateConfirmation, id, current[0].Status)
		}

		result = current[0]
		result.Status = events.StatusConfirmed
		result.TxHash = rec.TxHash
		result.ConfirmedAt = fromNanos(rec.SeenAt.UnixNano())
		return nil
	})
	if err != nil {
		return events.UnlockEvent{}, err
	}
	return result, nil
}

func (s *Store) MarkArchived(ctx context.Context, ids []string, at time.Time) (int, error) {
	total := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, s.dialect.rebind(
				`UPDATE unlock_events SET archived_at = ? WHERE id = ? AND status = ? AND archived_at = 0`),
				at.UnixNano(), id, string(events.StatusConfirmed))
			if err != nil {
				return unavailable("mark archived", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return unavailable("mark archived", err)
			}
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// AppendAnomaly inserts e and trims the table to the newest capacity rows in
// the same transaction. On Postgres the table is locked first so concurrent
// appenders cannot both keep their row. The transaction rolls back when e is
// trimmed along with the old rows.
func (s *Store) AppendAnomaly(ctx context.Context, e events.AnomalyEvent) (int, error) {
	if err := store.ValidateAnomaly(e); err != nil {
		return 0, err
	}
	meta, err := store.NormalizeMetadata(e.Metadata)
	if err != nil {
		return 0, err
	}
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("%w: metadata: %v", events.ErrInvalidEvent, err)
	}
	var amount decimal.NullDecimal
	if e.Amount != nil {
		amount = decimal.NewNullDecimal(*e.Amount)
	}

	evicted := 0
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if s.dialect.lockAnomalies != "" {
			if _, err := tx.ExecContext(ctx, s.dialect.lockAnomalies); err != nil {
				return unavailable("lock anomalies", err)
			}
		}
		res, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO anomaly_events (id, category, severity, title, description, wallet_address, amount, token, created_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
			e.ID, string(e.Category), string(e.Severity), e.Title, e.Description, e.WalletAddress,
			amount, e.Token, e.CreatedAt.UnixNano(), string(metaJSON))
		if err != nil {
			return unavailable("insert anomaly", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return unavailable("insert anomaly", err)
		} else if n == 0 {
			return fmt.Errorf("%w: anomaly %s already stored", events.ErrInvalidEvent, e.ID)
		}

		res, err = tx.ExecContext(ctx, s.dialect.rebind(
			`DELETE FROM anomaly_events WHERE seq NOT IN (
				SELECT seq FROM anomaly_events ORDER BY created_at DESC, seq DESC LIMIT ?
			)`), s.capacity)
		if err != nil {
			return unavailable("evict anomalies", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("evict anomalies", err)
		}
		if n > 0 {
			var kept int
			if err := tx.QueryRowContext(ctx, s.dialect.rebind(
				`SELECT COUNT(*) FROM anomaly_events WHERE id = ?`), e.ID).Scan(&kept); err != nil {
				return unavailable("evict anomalies", err)
			}
			if kept == 0 {
				return fmt.Errorf("%w: anomaly %s", events.ErrStaleAnomaly, e.ID)
			}
		}
		evicted = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return evicted, nil
}

func (s *Store) ListAnomalies(ctx context.Context, q store.AnomalyQuery) ([]events.AnomalyEvent, error) {
	query := "SELECT " + anomalyColumns + " FROM anomaly_events ORDER BY created_at DESC, seq DESC"
	var args []any
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, unavailable("list anomalies", err)
	}
	defer func() { _ = rows.Close() }()

	list := make([]events.AnomalyEvent, 0)
	for rows.Next() {
		e, err := scanAnomaly(rows)
		if err != nil {
			return nil, unavailable("scan anomaly", err)
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list anomalies", err)
	}
	return store.WindowAnomalies(list, store.AnomalyQuery{Severity: q.Severity, Category: q.Category}), nil
}

func (s *Store) AnomalyCapacity() int {
	return s.capacity
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnlock(row rowScanner) (events.UnlockEvent, error) {
	var (
		e                                    events.UnlockEvent
		kind, status                         string
		scheduledAt, confirmedAt, archivedAt int64
	)
	err := row.Scan(&e.ID, &e.Token, &kind, &status, &scheduledAt, &e.Amount, &e.USDValue, &e.TxHash, &confirmedAt, &archivedAt)
	if err != nil {
		return events.UnlockEvent{}, err
	}
	e.Kind = events.UnlockKind(kind)
	e.Status = events.Status(status)
	e.ScheduledAt = time.Unix(0, scheduledAt).UTC()
	e.ConfirmedAt = fromNanos(confirmedAt)
	e.ArchivedAt = fromNanos(archivedAt)
	return e, nil
}

func scanAnomaly(row rowScanner) (events.AnomalyEvent, error) {
	var (
		e                  events.AnomalyEvent
		seq, createdAt     int64
		category, severity string
		amount             decimal.NullDecimal
		metadata           string
	)
	err := row.Scan(&seq, &e.ID, &category, &severity, &e.Title, &e.Description, &e.WalletAddress, &amount, &e.Token, &createdAt, &metadata)
	if err != nil {
		return events.AnomalyEvent{}, err
	}
	e.Seq = uint64(seq)
	e.Category = events.Category(category)
	e.Severity = events.Severity(severity)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	if amount.Valid {
		d := amount.Decimal
		e.Amount = &d
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return events.AnomalyEvent{}, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
	}
	return e, nil
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// unavailable marks a driver error as events.ErrStoreUnavailable while keeping
// the cause inspectable. Context cancellation is passed through unchanged.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, events.ErrStoreUnavailable, err)
}
