package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/civicq/internal/anomaly"
	"github.com/onnwee/civicq/internal/api"
	"github.com/onnwee/civicq/internal/audit"
	"github.com/onnwee/civicq/internal/cluster"
	"github.com/onnwee/civicq/internal/config"
	"github.com/onnwee/civicq/internal/db"
	"github.com/onnwee/civicq/internal/dedup"
	"github.com/onnwee/civicq/internal/embed"
	"github.com/onnwee/civicq/internal/engine"
	"github.com/onnwee/civicq/internal/health"
	"github.com/onnwee/civicq/internal/jobs"
	"github.com/onnwee/civicq/internal/middleware"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/ranking"
	"github.com/onnwee/civicq/internal/scheduler"
	"github.com/onnwee/civicq/internal/simindex"
	"github.com/onnwee/civicq/internal/tracing"
	"github.com/onnwee/civicq/internal/vote"
)

// storage holds the repositories and the clients behind them.
type storage struct {
	questions question.Repository
	votes     vote.Repository
	clusters  cluster.Repository
	audit     audit.Repository

	db    *sql.DB
	redis *redis.Client
}

// metricSet is every collector group the server exports.
type metricSet struct {
	http     *middleware.Metrics
	engine   *engine.Metrics
	ranking  *ranking.Metrics
	anomaly  *anomaly.Metrics
	dedup    *dedup.Metrics
	simindex *simindex.Metrics
	jobs     *jobs.Metrics
}

func newMetricSet() *metricSet {
	return &metricSet{
		http:     middleware.NewMetrics(),
		engine:   engine.NewMetrics(),
		ranking:  ranking.NewMetrics(),
		anomaly:  anomaly.NewMetrics(),
		dedup:    dedup.NewMetrics(),
		simindex: simindex.NewMetrics(),
		jobs:     jobs.NewMetrics(),
	}
}

func (m *metricSet) register(reg prometheus.Registerer) error {
	for name, r := range map[string]interface {
		Register(prometheus.Registerer) error
	}{
		"http":     m.http,
		"engine":   m.engine,
		"ranking":  m.ranking,
		"anomaly":  m.anomaly,
		"dedup":    m.dedup,
		"simindex": m.simindex,
		"jobs":     m.jobs,
	} {
		if err := r.Register(reg); err != nil {
			return fmt.Errorf("register %s metrics: %w", name, err)
		}
	}
	return nil
}

// app is a fully wired server.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	handler http.Handler

	store       *storage
	tracer      *tracing.Provider
	index       *simindex.Index
	coordinator *ranking.Coordinator
	recompute   *ranking.RecomputeJob
	scheduler   *scheduler.Scheduler
}

// newApp connects to storage and builds every component. Start must be
// called before serving traffic.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	tracer, err := tracing.NewProvider(cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tracer

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}
	a.store = store

	metrics := newMetricSet()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.register(registry); err != nil {
		a.closeStorage()
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	embedder := newEmbedder(cfg.Embedding, logger)
	a.index = simindex.New(cfg.Index, logger, metrics.simindex)
	if err := warmIndex(ctx, a.index, store.questions); err != nil {
		logger.Warn("similarity index warm-up incomplete", slog.String("error", err.Error()))
	}

	var rates anomaly.RateStore = anomaly.NewInMemoryRateStore()
	var snapshots ranking.SnapshotStore = ranking.NewInMemorySnapshotStore()
	if store.redis != nil {
		rates = anomaly.NewRedisRateStore(store.redis, "")
		rs, err := ranking.NewRedisSnapshotStore(store.redis, "")
		if err != nil {
			a.closeStorage()
			_ = tracer.Shutdown(ctx)
			return nil, fmt.Errorf("init snapshot store: %w", err)
		}
		snapshots = rs
	}

	resolver := dedup.NewResolver(cfg.Dedup, embedder, a.index, store.questions, logger, metrics.dedup)
	scorer := anomaly.NewScorer(cfg.Anomaly, store.votes, rates, metrics.anomaly, logger)
	rankingDeps := ranking.Deps{
		Questions: store.questions,
		Votes:     store.votes,
		Clusters:  store.clusters,
		Snapshots: snapshots,
		Embedder:  embedder,
		Index:     a.index,
	}
	if store.db != nil {
		rankingDeps.Committer = ranking.NewPostgresCommitter(store.db, logger)
	}
	recomputer := ranking.NewRecomputer(cfg.Ranking, rankingDeps, logger, metrics.ranking)

	dirty := ranking.NewDirtyTracker()
	a.coordinator = ranking.NewCoordinator(recomputer, cfg.Jobs.RecomputeTimeout, logger, metrics.ranking)
	a.recompute = ranking.NewRecomputeJob(ranking.RecomputeJobConfig{
		Interval:       cfg.Jobs.RecomputeInterval,
		MinInterval:    cfg.Jobs.RecomputeMinInterval,
		BurstThreshold: cfg.Jobs.BurstThreshold,
		Timeout:        cfg.Jobs.RecomputeTimeout,
		Logger:         logger,
		JobMetrics:     metrics.jobs,
	}, dirty, a.coordinator)

	eng := engine.New(engine.Deps{
		Questions:  store.questions,
		Votes:      store.votes,
		Clusters:   store.clusters,
		Resolver:   resolver,
		Index:      a.index,
		Scorer:     scorer,
		Ranker:     recomputer,
		Recomputes: a.coordinator,
		Notifier:   a.recompute,
		Audit:      store.audit,
		Dirty:      dirty,
		Logger:     logger,
		Metrics:    metrics.engine,
	})

	a.scheduler = scheduler.New(scheduler.Config{Logger: logger})
	lockstep := anomaly.NewLockstepJob(anomaly.LockstepJobConfig{
		Logger:     logger,
		JobMetrics: metrics.jobs,
		Timeout:    cfg.Jobs.LockstepTimeout,
		OnChanged:  a.recompute.NotifyChange,
	}, scorer, store.questions, store.votes)
	if err := a.scheduler.Add(cfg.Jobs.LockstepSchedule, lockstep); err != nil {
		a.closeStorage()
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("schedule lockstep scan: %w", err)
	}
	rebuild := scheduler.NewFuncJob(jobs.JobTypeIndexRebuild, a.index.RebuildAll, metrics.jobs)
	if err := a.scheduler.Add(cfg.Jobs.IndexRebuildSchedule, rebuild); err != nil {
		a.closeStorage()
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("schedule index rebuild: %w", err)
	}

	checkers := map[string]health.Checker{}
	if store.db != nil {
		checkers["database"] = health.NewDBChecker(store.db)
	}
	if store.redis != nil {
		checkers["redis"] = health.NewRedisChecker(store.redis)
	}

	routes := api.RouterConfig{
		Handlers: api.NewHandlers(eng, logger),
		Audit:    api.NewAuditHandlers(store.audit, logger),
		Health:   api.NewHealthHandlers(checkers, logger),
		Gatherer: registry,
	}

	var limitStore middleware.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	if store.redis != nil {
		limitStore = middleware.NewRedisRateLimitStore(store.redis)
	}
	globalLimit := middleware.DefaultGlobalLimit()
	voteLimit := middleware.DefaultVoteLimit()
	if cfg.RateLimit.Enabled {
		globalLimit.RequestsPerWindow = cfg.RateLimit.GlobalPerMinute
		voteLimit.RequestsPerWindow = cfg.RateLimit.VotesPerMinute
		routes.VoteLimiter = middleware.RateLimiter(limitStore, voteLimit, middleware.ActorKeyFunc(), metrics.http)
	}

	var handler http.Handler = api.NewRouter(routes)
	if cfg.RateLimit.Enabled {
		handler = middleware.RateLimiter(limitStore, globalLimit, middleware.IPKeyFunc(), metrics.http)(handler)
	}
	if tracer.IsEnabled() {
		handler = middleware.Tracing(cfg.Tracing.ServiceName)(handler)
	}
	handler = middleware.HTTPMetrics(metrics.http)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Actor(handler)
	a.handler = middleware.RequestID(handler)

	return a, nil
}

// openStorage picks Postgres and Redis when configured and in-memory
// stores otherwise.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	s := &storage{}

	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolConfig())
		if err != nil {
			return nil, err
		}
		if err := db.CheckSchema(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
		s.db = conn
		s.questions = question.NewPostgresRepository(conn, logger)
		s.votes = vote.NewPostgresRepository(conn, logger)
		s.clusters = cluster.NewPostgresRepository(conn, logger)
		s.audit = audit.NewPostgresRepository(conn, logger)
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory repositories")
		s.questions = question.NewInMemoryRepository()
		s.votes = vote.NewInMemoryRepository()
		s.clusters = cluster.NewInMemoryRepository()
		s.audit = audit.NewInMemoryRepository()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			s.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s.redis = client
	}
	return s, nil
}

func (s *storage) close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func (a *app) closeStorage() {
	if err := a.store.close(); err != nil {
		a.logger.Error("failed to close storage", slog.String("error", err.Error()))
	}
}

// newEmbedder builds the configured provider behind a per-call deadline.
func newEmbedder(cfg config.EmbeddingConfig, logger *slog.Logger) embed.Embedder {
	var e embed.Embedder
	switch cfg.ResolvedProvider() {
	case config.EmbeddingProviderJina:
		e = embed.NewJinaEmbedder(embed.JinaConfig{
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			Endpoint:          cfg.Endpoint,
			Dimensions:        cfg.Dimensions,
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxRetries:        cfg.MaxRetries,
			Logger:            logger,
		})
	default:
		e = embed.NewHashEmbedder(cfg.Dimensions)
	}
	return embed.WithTimeout(e, cfg.Timeout)
}

// warmIndex loads stored embeddings of approved questions into the index.
func warmIndex(ctx context.Context, index *simindex.Index, questions question.Repository) error {
	contests, err := questions.ListContests(ctx)
	if err != nil {
		return fmt.Errorf("list contests: %w", err)
	}
	var errs []error
	for _, contestID := range contests {
		qs, err := questions.ListByContest(ctx, contestID)
		if err != nil {
			errs = append(errs, fmt.Errorf("list questions of %s: %w", contestID, err))
			continue
		}
		for _, q := range qs {
			if q.Status != question.StatusApproved || len(q.Embedding) == 0 {
				continue
			}
			if err := index.Insert(contestID, q.ID, q.Embedding); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Start launches the background jobs.
func (a *app) Start(ctx context.Context) error {
	if err := a.recompute.Start(ctx); err != nil {
		return fmt.Errorf("start recompute job: %w", err)
	}
	a.scheduler.Start()
	return nil
}

// Shutdown stops background work, waits for in-flight recomputes and
// releases storage. The HTTP server must already be shut down.
func (a *app) Shutdown(ctx context.Context) error {
	var errs []error
	a.recompute.Stop()
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}

	done := make(chan struct{})
	go func() {
		a.coordinator.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for recomputes: %w", ctx.Err()))
	}

	if err := a.store.close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	return errors.Join(errs...)
}

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 10 * time.Second
