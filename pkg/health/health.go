// Package health tracks per-job failure streaks and exposes liveness and
// readiness over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
)

// DefaultUnhealthyAfter is the store-outage streak that flips readiness.
const DefaultUnhealthyAfter = 3

// JobStatus is the health snapshot of one job.
type JobStatus struct {
	Name          string    `json:"name"`
	// FailureStreak counts consecutive ticks that failed with
	// events.ErrStoreUnavailable.
	FailureStreak int       `json:"failure_streak"`
	LastError     string    `json:"last_error,omitempty"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	Healthy       bool      `json:"healthy"`
}

// Report is the readiness payload.
type Report struct {
	Ready bool        `json:"ready"`
	Store string      `json:"store,omitempty"`
	Jobs  []JobStatus `json:"jobs"`
}

// Pinger checks a dependency, usually the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Tracker records tick outcomes. Its Observe method fits scheduler.Observer.
type Tracker struct {
	unhealthyAfter int
	clock          func() time.Time
	store          Pinger

	mu   sync.RWMutex
	jobs map[string]*JobStatus
}

// NewTracker creates a tracker. Non-positive unhealthyAfter means
// DefaultUnhealthyAfter; store may be nil.
func NewTracker(unhealthyAfter int, store Pinger) *Tracker {
	if unhealthyAfter <= 0 {
		unhealthyAfter = DefaultUnhealthyAfter
	}
	return &Tracker{
		unhealthyAfter: unhealthyAfter,
		clock:          time.Now,
		store:          store,
		jobs:           make(map[string]*JobStatus),
	}
}

// Register makes a job visible before its first tick.
func (t *Tracker) Register(names ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range names {
		if _, ok := t.jobs[n]; !ok {
			t.jobs[n] = &JobStatus{Name: n, Healthy: true}
		}
	}
}

// Observe records one tick outcome for job. Only store outages extend the
// failure streak; other errors are recorded without touching it.
func (t *Tracker) Observe(job string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.jobs[job]
	if !ok {
		s = &JobStatus{Name: job, Healthy: true}
		t.jobs[job] = s
	}
	now := t.clock()
	switch {
	case err == nil:
		s.FailureStreak = 0
		s.LastError = ""
		s.LastSuccess = now
	case errors.Is(err, events.ErrStoreUnavailable):
		s.FailureStreak++
		s.LastError = err.Error()
		s.LastFailure = now
	default:
		s.LastError = err.Error()
		s.LastFailure = now
	}
	s.Healthy = s.FailureStreak < t.unhealthyAfter
}

// Report builds the readiness report. The process is ready when every job is
// below the failure threshold and the store answers a ping.
func (t *Tracker) Report(ctx context.Context) Report {
	t.mu.RLock()
	r := Report{Ready: true, Jobs: make([]JobStatus, 0, len(t.jobs))}
	for _, s := range t.jobs {
		r.Jobs = append(r.Jobs, *s)
		if !s.Healthy {
			r.Ready = false
		}
	}
	t.mu.RUnlock()
	sort.Slice(r.Jobs, func(i, j int) bool { return r.Jobs[i].Name < r.Jobs[j].Name })

	if t.store != nil {
		if err := t.store.Ping(ctx); err != nil {
			r.Ready = false
			r.Store = err.Error()
		} else {
			r.Store = "ok"
		}
	}
	return r
}

// LivenessHandler always answers 200 while the process serves requests.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

// ReadinessHandler answers 200 when ready and 503 otherwise, with the report
// as the body.
func (t *Tracker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		rep := t.Report(ctx)
		w.Header().Set("Content-Type", "application/json")
		if !rep.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	})
}
