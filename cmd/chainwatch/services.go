package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/chainwatch/pkg/anomaly"
	"github.com/Mindburn-Labs/chainwatch/pkg/archive"
	"github.com/Mindburn-Labs/chainwatch/pkg/config"
	"github.com/Mindburn-Labs/chainwatch/pkg/logging"
	"github.com/Mindburn-Labs/chainwatch/pkg/notify"
	"github.com/Mindburn-Labs/chainwatch/pkg/observability"
	"github.com/Mindburn-Labs/chainwatch/pkg/query"
	"github.com/Mindburn-Labs/chainwatch/pkg/scheduler"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
	"github.com/Mindburn-Labs/chainwatch/pkg/store/badgerstore"
	"github.com/Mindburn-Labs/chainwatch/pkg/store/sqlstore"
	"github.com/Mindburn-Labs/chainwatch/pkg/unlock"
)

// services holds the shared components every command builds on.
type services struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Provider
	store   store.Store
	broker  *notify.Broker
	policy  *anomaly.PolicyRef
}

// newServices loads configuration and opens the store. withTelemetry starts
// the OpenTelemetry providers; one-shot commands skip them.
func newServices(ctx context.Context, opts *rootOptions, withTelemetry bool) (*services, error) {
	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		return nil, &exitError{code: 2, err: err}
	}
	newLogger := logging.New
	if withTelemetry {
		newLogger = logging.Init
	}
	logger := newLogger(opts.stderr, cfg.LogLevel, cfg.LogFormat)

	metrics := observability.Noop()
	if withTelemetry {
		ocfg := observability.DefaultConfig()
		ocfg.Environment = cfg.Observability.Environment
		ocfg.OTLPEndpoint = cfg.Observability.OTLPEndpoint
		ocfg.SampleRate = cfg.Observability.SampleRate
		ocfg.OTLPEnabled = cfg.Observability.OTelEnabled
		ocfg.Insecure = true
		if metrics, err = observability.New(ctx, ocfg); err != nil {
			return nil, fmt.Errorf("init observability: %w", err)
		}
	}

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		_ = metrics.Shutdown(ctx)
		return nil, err
	}

	policy, err := anomaly.NewPolicyRef(cfg.Anomaly.Policy)
	if err != nil {
		_ = st.Close()
		return nil, &exitError{code: 2, err: err}
	}

	return &services{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		store:   st,
		broker:  notify.NewBroker(logger, metrics),
		policy:  policy,
	}, nil
}

// openStore opens the configured backend. Network backends are retried with
// backoff so the service can start before its database.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(cfg.AnomalyCapacity), nil
	case config.BackendSQLite:
		return sqlstore.OpenSQLite(ctx, cfg.SQLitePath, cfg.AnomalyCapacity)
	case config.BackendBadger:
		bcfg := badgerstore.DefaultConfig(cfg.BadgerPath)
		bcfg.AnomalyCapacity = cfg.AnomalyCapacity
		bcfg.Logger = logger
		return badgerstore.Open(bcfg)
	case config.BackendPostgres:
		var st *sqlstore.Store
		err := scheduler.Retry(ctx, scheduler.DefaultBackoff, "open postgres", 5, func(ctx context.Context) error {
			var err error
			st, err = sqlstore.OpenPostgres(ctx, cfg.DatabaseURL, cfg.AnomalyCapacity)
			return err
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
}

// attachSinks wires the configured external notification sinks.
func (s *services) attachSinks(ctx context.Context) {
	limit := rate.Limit(s.cfg.Notify.Rate)
	burst := s.cfg.Notify.Burst

	s.broker.AddSink(notify.NewLogSink(s.logger), rate.Inf, 1)
	if addr := s.cfg.Notify.RedisAddr; addr != "" {
		sink := notify.NewRedisSink(addr, s.cfg.Notify.RedisPassword, s.cfg.Notify.RedisDB, s.cfg.Notify.RedisChannel)
		if err := sink.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "redis sink unreachable at startup, sends will be retried per notification", "addr", addr, "error", err)
		}
		s.broker.AddSink(sink, limit, burst)
	}
	if brokers := s.cfg.Notify.KafkaBrokers; len(brokers) > 0 {
		s.broker.AddSink(notify.NewKafkaSink(notify.NewKafkaWriter(brokers, s.cfg.Notify.KafkaTopic)), limit, burst)
	}
}

func (s *services) matcher() *unlock.Matcher {
	return unlock.NewMatcher(s.store,
		unlock.WithTolerance(s.cfg.Unlock.Tolerance),
		unlock.WithPublisher(s.broker),
		unlock.WithMetrics(s.metrics),
		unlock.WithLogger(s.logger),
	)
}

func (s *services) ingester() *unlock.Ingester {
	return unlock.NewIngester(s.store, s.logger, s.metrics)
}

func (s *services) fetcher() *unlock.Fetcher {
	return unlock.NewFetcher(s.ingester(), unlock.NewRandomProjections(s.seed()), s.cfg.Fetch.Tokens, nil, s.logger)
}

func (s *services) generator() *anomaly.Generator {
	return anomaly.NewGenerator(s.store,
		anomaly.NewRandomSignals(s.seed()),
		anomaly.DefaultDetectors(s.policy),
		anomaly.WithPublisher(s.broker),
		anomaly.WithMetrics(s.metrics),
		anomaly.WithLogger(s.logger),
	)
}

// archiver returns nil when no archive destination is configured.
func (s *services) archiver(ctx context.Context) (*archive.Archiver, error) {
	a := s.cfg.Archive
	var sink archive.Sink
	switch {
	case a.S3Bucket != "":
		s3sink, err := archive.NewS3Sink(ctx, archive.S3Config{
			Bucket: a.S3Bucket, Region: a.S3Region, Endpoint: a.S3Endpoint, Prefix: a.S3Prefix,
		})
		if err != nil {
			return nil, err
		}
		sink = s3sink
	case a.Dir != "":
		fsink, err := archive.NewFileSink(a.Dir)
		if err != nil {
			return nil, err
		}
		sink = fsink
	default:
		return nil, nil
	}
	return archive.New(s.store, sink, archive.Config{
		After:   a.After,
		Metrics: s.metrics,
		Logger:  s.logger,
	}), nil
}

func (s *services) query() *query.Service {
	return query.New(s.store, nil)
}

func (s *services) seed() uint64 {
	if s.cfg.Anomaly.Seed != 0 {
		return s.cfg.Anomaly.Seed
	}
	return uint64(time.Now().UnixNano())
}

func (s *services) Close(ctx context.Context) error {
	return errors.Join(
		s.broker.Close(),
		s.store.Close(),
		s.metrics.Shutdown(ctx),
	)
}
