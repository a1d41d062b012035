package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/chainwatch/pkg/anomaly"
	"github.com/Mindburn-Labs/chainwatch/pkg/config"
	"github.com/Mindburn-Labs/chainwatch/pkg/health"
	"github.com/Mindburn-Labs/chainwatch/pkg/observability"
	"github.com/Mindburn-Labs/chainwatch/pkg/scheduler"
	"github.com/Mindburn-Labs/chainwatch/pkg/store/badgerstore"
)

const (
	shutdownTimeout = 10 * time.Second
	badgerGCEvery   = 10 * time.Minute
	badgerGCRatio   = 0.5
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the unlock matcher, anomaly generator and ops endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	svc, err := newServices(ctx, opts, true)
	if err != nil {
		return err
	}
	logger := svc.logger
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()
	svc.attachSinks(ctx)

	tracker := health.NewTracker(svc.cfg.UnhealthyAfter, svc.store)
	jobs, err := buildJobs(ctx, svc, tracker)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		tracker.Register(j.Name())
	}

	srv := &http.Server{
		Addr:              svc.cfg.HTTPAddr,
		Handler:           opsMux(tracker, svc.metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.NewSupervisor(logger, jobs...).Run(gctx)
	})
	g.Go(func() error {
		logger.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if path := svc.cfg.Path; path != "" {
		g.Go(func() error {
			return config.Watch(gctx, path, logger, func(p anomaly.Policy) error {
				_, err := svc.policy.Swap(p)
				return err
			})
		})
	}

	logger.Info("chainwatch started",
		"store", svc.cfg.Store.Backend,
		"tolerance", svc.cfg.Unlock.Tolerance,
		"anomaly_capacity", svc.cfg.Store.AnomalyCapacity,
		"jobs", len(jobs),
	)
	err = g.Wait()
	logger.Info("chainwatch stopped")
	return err
}

// buildJobs assembles the periodic jobs enabled by the configuration.
func buildJobs(ctx context.Context, svc *services, tracker *health.Tracker) ([]*scheduler.Job, error) {
	common := []scheduler.JobOption{
		scheduler.WithObserver(tracker.Observe),
		scheduler.WithJobMetrics(svc.metrics),
		scheduler.WithJobLogger(svc.logger),
	}
	with := func(extra ...scheduler.JobOption) []scheduler.JobOption {
		return append(append([]scheduler.JobOption{}, common...), extra...)
	}

	var jobs []*scheduler.Job
	add := func(name string, interval time.Duration, tick scheduler.TickFunc, opts []scheduler.JobOption) error {
		j, err := scheduler.NewJob(name, interval, tick, opts...)
		if err != nil {
			return err
		}
		jobs = append(jobs, j)
		return nil
	}

	matcher := svc.matcher()
	if err := add("unlock", svc.cfg.Unlock.Interval, func(ctx context.Context) error {
		_, err := matcher.Tick(ctx)
		return err
	}, with(scheduler.WithImmediateStart())); err != nil {
		return nil, err
	}

	generator := svc.generator()
	if err := add("anomaly", svc.cfg.Anomaly.Interval, func(ctx context.Context) error {
		_, err := generator.Tick(ctx)
		return err
	}, with()); err != nil {
		return nil, err
	}

	if svc.cfg.Fetch.Enabled {
		fetcher := svc.fetcher()
		if err := add("fetch", svc.cfg.Fetch.Interval, func(ctx context.Context) error {
			_, err := fetcher.Tick(ctx)
			return err
		}, with(scheduler.WithImmediateStart())); err != nil {
			return nil, err
		}
	}

	archiver, err := svc.archiver(ctx)
	if err != nil {
		return nil, err
	}
	if archiver != nil {
		if err := add("archive", svc.cfg.Archive.Interval, func(ctx context.Context) error {
			_, err := archiver.Tick(ctx)
			return err
		}, with()); err != nil {
			return nil, err
		}
	}

	if bs, ok := svc.store.(*badgerstore.Store); ok {
		if err := add("badger-gc", badgerGCEvery, func(context.Context) error {
			return bs.RunGC(badgerGCRatio)
		}, with()); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// opsMux serves liveness, readiness and Prometheus metrics.
func opsMux(tracker *health.Tracker, metrics *observability.Provider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.LivenessHandler())
	mux.Handle("GET /readyz", tracker.ReadinessHandler())
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}
