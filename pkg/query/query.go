// Package query is the read-only facade over the event store used by
// presentation collaborators. Nothing here mutates the store; every result is
// a copy.
package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
)

// DefaultAnomalyLimit is used when a caller does not pass a limit.
const DefaultAnomalyLimit = 20

// DefaultRange is the look-ahead of Upcoming when none is given.
const DefaultRange = 30 * 24 * time.Hour

// ErrInvalidQuery is returned for malformed filters.
var ErrInvalidQuery = errors.New("invalid query")

// Reader is the subset of the store the facade needs.
type Reader interface {
	ListUnlocks(ctx context.Context, q store.UnlockQuery) ([]events.UnlockEvent, error)
	FindUnlock(ctx context.Context, q store.UnlockQuery) (events.UnlockEvent, error)
	ListAnomalies(ctx context.Context, q store.AnomalyQuery) ([]events.AnomalyEvent, error)
}

// Service answers read queries.
type Service struct {
	store Reader
	clock func() time.Time
}

// New creates a facade over r. A nil clock means time.Now.
func New(r Reader, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: r, clock: clock}
}

// AnomalyFilter selects anomalies. Limit is applied to the newest events
// before Severity and Category filter them.
type AnomalyFilter struct {
	Limit    int
	Severity events.Severity
	Category events.Category
}

// ListAnomalies returns anomalies newest first.
func (s *Service) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]events.AnomalyEvent, error) {
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, f.Limit)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidQuery, f.Severity)
	}
	if f.Category != "" && !f.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidQuery, f.Category)
	}
	limit := f.Limit
	if limit == 0 {
		limit = DefaultAnomalyLimit
	}
	return s.store.ListAnomalies(ctx, store.AnomalyQuery{Limit: limit, Severity: f.Severity, Category: f.Category})
}

// Alert is an anomaly formatted for display.
type Alert struct {
	ID            string           `json:"id"`
	Severity      events.Severity  `json:"severity"`
	Category      events.Category  `json:"category"`
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Time          string           `json:"time"`
	WalletAddress string           `json:"wallet_address,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Token         string           `json:"token,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// Alerts is ListAnomalies rendered with relative timestamps.
func (s *Service) Alerts(ctx context.Context, f AnomalyFilter) ([]Alert, error) {
	list, err := s.ListAnomalies(ctx, f)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	out := make([]Alert, 0, len(list))
	for _, e := range list {
		out = append(out, Alert{
			ID:            e.ID,
			Severity:      e.Severity,
			Category:      e.Category,
			Title:         e.Title,
			Description:   e.Description,
			Time:          RelativeTime(now, e.CreatedAt),
			WalletAddress: e.WalletAddress,
			Amount:        e.Amount,
			Token:         e.Token,
			Metadata:      e.Metadata,
		})
	}
	return out, nil
}

// ListUnlocks returns events scheduled in [from, to], ascending by schedule
// then ID. A zero bound is open.
func (s *Service) ListUnlocks(ctx context.Context, from, to time.Time) ([]events.UnlockEvent, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("%w: range ends before it starts", ErrInvalidQuery)
	}
	return s.store.ListUnlocks(ctx, store.UnlockQuery{ScheduledFrom: from, ScheduledTo: to})
}

// NextUnlock returns the earliest PENDING event for token scheduled at or
// after now. It returns events.ErrNotFound when there is none.
func (s *Service) NextUnlock(ctx context.Context, token string) (events.UnlockEvent, error) {
	if token == "" {
		return events.UnlockEvent{}, fmt.Errorf("%w: token is required", ErrInvalidQuery)
	}
	return s.store.FindUnlock(ctx, store.UnlockQuery{
		Token:         token,
		Status:        events.StatusPending,
		ScheduledFrom: s.clock(),
	})
}

// Upcoming lists events of any status scheduled between now and now+window.
// A non-positive window means DefaultRange.
func (s *Service) Upcoming(ctx context.Context, window time.Duration) ([]events.UnlockEvent, error) {
	if window <= 0 {
		window = DefaultRange
	}
	now := s.clock()
	return s.ListUnlocks(ctx, now, now.Add(window))
}

// Overdue lists PENDING events whose window closed before now.
func (s *Service) Overdue(ctx context.Context, tolerance time.Duration) ([]events.UnlockEvent, error) {
	now := s.clock()
	list, err := s.store.ListUnlocks(ctx, store.UnlockQuery{
		Status:      events.StatusPending,
		ScheduledTo: now.Add(-tolerance),
	})
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, e := range list {
		if e.Overdue(now, tolerance) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ParseRange reads look-ahead ranges such as "7d", "30d" or "90d". Plain Go
// durations like "36h" are accepted too.
func ParseRange(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultRange, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: range %q", ErrInvalidQuery, s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: range %q", ErrInvalidQuery, s)
	}
	return d, nil
}

// RelativeTime renders how long ago t was, in whole minutes, hours or days.
func RelativeTime(now, t time.Time) string {
	mins := int(now.Sub(t) / time.Minute)
	if mins < 1 {
		return "Just now"
	}
	if mins < 60 {
		return fmt.Sprintf("%d minutes ago", mins)
	}
	hours := mins / 60
	if hours < 24 {
		return fmt.Sprintf("%d hours ago", hours)
	}
	return fmt.Sprintf("%d days ago", hours/24)
}
