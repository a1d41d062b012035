package scheduler

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Supervisor owns a set of jobs and their lifetime.
type Supervisor struct {
	jobs   []*Job
	logger *slog.Logger
}

// NewSupervisor groups jobs. A nil logger means slog.Default().
func NewSupervisor(logger *slog.Logger, jobs ...*Job) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{jobs: jobs, logger: logger.With("component", "supervisor")}
}

// Jobs returns the supervised jobs.
func (s *Supervisor) Jobs() []*Job {
	return append([]*Job(nil), s.jobs...)
}

// Run starts every job and blocks until ctx is cancelled and all in-flight
// ticks have completed.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error { return j.Run(gctx) })
	}
	s.logger.InfoContext(ctx, "supervisor started", "jobs", len(s.jobs))
	err := g.Wait()
	s.logger.InfoContext(ctx, "supervisor stopped")
	return err
}
