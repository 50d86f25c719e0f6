package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	config "ciserver/configs"
	"ciserver/pkg/api"
	"ciserver/pkg/api/middleware"
	"ciserver/pkg/auth"
	"ciserver/pkg/executor"
	"ciserver/pkg/executor/runner"
	"ciserver/pkg/logger"
	"ciserver/pkg/metrics"
	tracing "ciserver/pkg/observability"
	"ciserver/pkg/resilience"
	"ciserver/pkg/storage"
	"ciserver/pkg/storage/memory"
	"ciserver/pkg/storage/postgres"
	"ciserver/pkg/storage/redis"
	"ciserver/pkg/vcs"
	"ciserver/pkg/workspace"
)

const httpShutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ciserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log, err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Encoding:   cfg.Log.Encoding,
		OutputPath: "stdout",
		Service:    "ciserver-api",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "ciserver",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	ws, err := workspace.NewManager(cfg.Workspace.Dir, cfg.Workspace.SweepMinAge)
	if err != nil {
		return fmt.Errorf("init workspaces: %w", err)
	}

	engine := executor.New(executor.Config{
		Workers:    cfg.Engine.WorkerCount,
		QueueSize:  cfg.Engine.QueueSize,
		JobTimeout: cfg.Engine.JobTimeout,
	}, executor.Deps{
		States:     b.states,
		Logs:       b.logs,
		Jobs:       b.jobs,
		Cloner:     vcs.NewGitCloner(cfg.Engine.GitToken),
		Workspaces: ws,
		Runner:     runner.NewShellRunner(cfg.Engine.CommandTimeout),
		Archiver:   b.archiver,
		Logger:     log,
	})
	engine.Start()

	report, err := engine.Reconcile(ctx)
	if err != nil {
		log.Error("reconcile failed", zap.Error(err))
	} else {
		log.Info("reconciled jobs from previous run",
			zap.Int("interrupted", report.Interrupted),
			zap.Int("resubmitted", report.Resubmitted))
	}

	sweeper, err := workspace.NewSweeper(ws, cfg.Workspace.SweepSchedule, engine.Running, log)
	if err != nil {
		return fmt.Errorf("init workspace sweeper: %w", err)
	}
	sweeper.RunOnce()
	sweeper.Start()
	defer sweeper.Stop()

	jwtSvc, err := auth.NewJWTService(auth.JWTConfig{
		SecretKey:   cfg.Auth.JWTSecret,
		Issuer:      "ciserver",
		TokenExpiry: cfg.Auth.JWTExpiry,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		Port:        cfg.APIPort,
		ServiceName: "ciserver",
		Jobs:        b.jobs,
		Users:       b.users,
		Engine:      engine,
		Stream:      b.stream,
		Archive:     b.archive,
		JWT:         jwtSvc,
		RateLimit: middleware.RateLimiterConfig{
			RequestsPerMinute: cfg.RateLimit.PerMinute,
			BurstSize:         cfg.RateLimit.Burst,
			CleanupInterval:   5 * time.Minute,
		},
		Checks:   b.checks,
		Breakers: b.breakers,
		Logger:   log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(httpCtx); err != nil {
			log.Warn("http shutdown incomplete", zap.Error(err))
		}

		graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace)
		defer cancelGrace()
		if err := engine.Stop(graceCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// backends are the persistence and streaming collaborators chosen by config.
type backends struct {
	jobs     storage.JobStore
	users    storage.UserStore
	states   storage.JobStateStore
	logs     storage.LogSink
	stream   storage.LogStream
	archive  storage.LogStore
	archiver executor.Archiver
	checks   map[string]api.Pinger
	breakers []*resilience.CircuitBreaker
	closers  []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backends, error) {
	b := &backends{checks: make(map[string]api.Pinger)}

	var local *memory.Store
	switch cfg.StorageDriver {
	case "memory":
		local = memory.New()
		b.jobs, b.users = local, local
		log.Warn("using in-memory storage; jobs are lost on restart")
	default:
		pg, err := postgres.NewPostgresStore(cfg.DB.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		b.jobs, b.users = pg, pg
		b.checks["postgres"] = pg
		b.closers = append(b.closers, pg.Close)
		log.Info("postgres connected")
	}

	switch {
	case cfg.RedisAddr != "":
		stream, err := redis.NewStream(cfg.RedisAddr)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, stream.Close)
		b.checks["redis"] = stream

		breakerCfg := resilience.DefaultCircuitBreakerConfig()
		breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		}
		breaker := resilience.NewCircuitBreaker("redis", breakerCfg)
		b.breakers = append(b.breakers, breaker)

		b.logs = storage.MultiSink{b.jobs, storage.GuardedSink{Sink: stream, Breaker: breaker}}
		b.states = storage.MultiStateStore{b.jobs, storage.GuardedStateStore{Store: stream, Breaker: breaker}}
		b.stream = stream
		log.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	case local != nil:
		b.logs, b.states, b.stream = local, local, local
	default:
		hub := memory.NewHub()
		b.logs = storage.MultiSink{b.jobs, hub}
		b.states = storage.MultiStateStore{b.jobs, hub}
		b.stream = hub
	}

	archive, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		b.close()
		return nil, err
	}
	if archive != nil {
		b.archive = archive
		b.archiver = &storage.Archiver{Source: b.jobs, Store: archive}
	}
	return b, nil
}

func openArchive(ctx context.Context, cfg config.ArchiveConfig) (storage.LogStore, error) {
	switch {
	case cfg.Bucket != "":
		s, err := storage.NewS3LogStore(ctx, storage.S3LogStoreConfig{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			LocalCacheDir:   cfg.LocalDir,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 log archive: %w", err)
		}
		return s, nil
	case cfg.LocalDir != "":
		s, err := storage.NewLocalLogStore(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("init local log archive: %w", err)
		}
		return s, nil
	}
	return nil, nil
}
