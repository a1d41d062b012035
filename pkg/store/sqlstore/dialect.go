package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the few places Postgres and SQLite disagree.
type Dialect struct {
	Name string

	// DriverName is the database/sql driver registered for the dialect.
	DriverName string

	// numbered rewrites ? placeholders to $1..$n.
	numbered bool

	// forUpdate is appended to row-locking selects inside a transaction.
	forUpdate string

	// lockAnomalies serializes ring buffer appends. SQLite needs none since
	// it runs on a single connection.
	lockAnomalies string

	seqColumn string
}

var (
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "postgres",
		numbered:   true,
		forUpdate:  " FOR UPDATE",
		seqColumn:  "seq BIGSERIAL PRIMARY KEY",

		lockAnomalies: "LOCK TABLE anomaly_events IN SHARE ROW EXCLUSIVE MODE",
	}
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		seqColumn:  "seq INTEGER PRIMARY KEY AUTOINCREMENT",
	}
)

// rebind converts a query written with ? placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d Dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS unlock_events (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	scheduled_at BIGINT NOT NULL,
	amount TEXT NOT NULL,
	usd_value TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	confirmed_at BIGINT NOT NULL DEFAULT 0,
	archived_at BIGINT NOT NULL DEFAULT 0
)`,
		`CREATE INDEX IF NOT EXISTS unlock_events_schedule ON unlock_events (scheduled_at, id)`,
		`CREATE TABLE IF NOT EXISTS unlock_seen_tx (
	tx_hash TEXT PRIMARY KEY,
	seen_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS anomaly_events (
	` + d.seqColumn + `,
	id TEXT NOT NULL UNIQUE,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	wallet_address TEXT NOT NULL DEFAULT '',
	amount TEXT,
	token TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
)`,
		`CREATE INDEX IF NOT EXISTS anomaly_events_recency ON anomaly_events (created_at, seq)`,
	}
}
