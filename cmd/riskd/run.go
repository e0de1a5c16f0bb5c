package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/riskengine/internal/circuitbreaker"
	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/dedup"
	"github.com/mbd888/riskengine/internal/engine"
	"github.com/mbd888/riskengine/internal/idgen"
	"github.com/mbd888/riskengine/internal/janitor"
	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/model"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/realtime"
	"github.com/mbd888/riskengine/internal/server"
	"github.com/mbd888/riskengine/internal/stream"
	"github.com/mbd888/riskengine/internal/traces"
	"github.com/mbd888/riskengine/internal/watcher"
)

// run wires every component and blocks until ctx ends or a component
// fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTelEndpoint,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	rdb, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	db, err := openPostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("database close error", "error", err)
			}
		}()
	}

	store := newStore(cfg, rdb)
	ledger := newLedger(cfg, rdb, db)

	scorer, err := newScorer(cfg, logger)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(logger)
	pool := engine.NewPool(cfg.Workers)
	eng := engine.New(store, ledger, scorer, cfg.Runtime,
		engine.WithLogger(logger),
		engine.WithPool(pool),
		engine.WithEmitter(hub),
		engine.WithStoreTimeout(cfg.StoreTimeout),
		engine.WithMaxBatchSize(cfg.MaxBatchSize),
		engine.WithClockSkew(cfg.MaxClockSkew),
	)

	if cfg.ScoringFile != "" && cfg.ScoringReloadInterval > 0 {
		w, err := watcher.New(watcher.Config{
			Path:         cfg.ScoringFile,
			PollInterval: cfg.ScoringReloadInterval,
		}, cfg.CheckRuntime, eng, logger)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start scoring watcher: %w", err)
		}
		defer w.Stop()
	}

	jan := janitor.New(cfg.SweepInterval, 4*cfg.StoreTimeout+time.Second, logger)
	if s, ok := store.(janitor.Sweeper); ok {
		jan.Add("profile_store", s)
	}
	if s, ok := ledger.(janitor.Sweeper); ok {
		jan.Add("ledger", s)
	}
	go jan.Start(ctx)
	defer jan.Stop()

	go metrics.StartPoolStatsCollector(ctx, db, rdb, 15*time.Second)

	srv, err := server.New(cfg, eng, server.WithLogger(logger), server.WithHub(hub))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	var consumer *stream.Consumer
	if cfg.StreamEnabled {
		if consumer, err = newConsumer(ctx, cfg, rdb, eng, pool, logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if consumer != nil {
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil {
				return fmt.Errorf("stream consumer: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	needed := cfg.StoreBackend == config.BackendRedis ||
		cfg.LedgerBackend == config.BackendRedis ||
		cfg.StreamEnabled
	if !needed {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     4 * cfg.Workers,
		MinIdleConns: cfg.Workers,
		ReadTimeout:  cfg.StoreTimeout,
		WriteTimeout: cfg.StoreTimeout,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return rdb, nil
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	if cfg.LedgerBackend != config.BackendPostgres {
		return nil, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(2 * cfg.Workers)
	db.SetMaxIdleConns(cfg.Workers)
	db.SetConnMaxLifetime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("using PostgreSQL ledger", "url", maskDSN(cfg.DatabaseURL))
	return db, nil
}

func newStore(cfg *config.Config, rdb *redis.Client) profile.Store {
	if cfg.StoreBackend == config.BackendRedis {
		return profile.NewRedisStore(rdb, cfg.MarkerRetention,
			profile.WithKeyPrefix(cfg.RedisKeyPrefix),
			profile.WithProfileTTL(cfg.ProfileTTL),
		)
	}
	return profile.NewMemoryStore(cfg.MarkerRetention)
}

func newLedger(cfg *config.Config, rdb *redis.Client, db *sql.DB) dedup.Ledger {
	switch cfg.LedgerBackend {
	case config.BackendRedis:
		return dedup.NewRedisLedger(rdb, cfg.RedisKeyPrefix, cfg.DedupLease, cfg.DedupRetention)
	case config.BackendPostgres:
		return dedup.NewPostgresLedger(db, cfg.DedupLease, cfg.DedupRetention)
	default:
		return dedup.NewMemoryLedger(cfg.DedupLease, cfg.DedupRetention)
	}
}

func newScorer(cfg *config.Config, logger *slog.Logger) (*model.Guarded, error) {
	inner, err := model.New(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("load anomaly model: %w", err)
	}

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpen)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("scorer circuit changed state", "scorer", key, "from", from.String(), "to", to.String())
	})

	logger.Info("anomaly scorer ready", "type", inner.Name(), "timeout", cfg.ScorerTimeout)
	return model.NewGuarded(inner, breaker, cfg.ScorerTimeout), nil
}

func newConsumer(ctx context.Context, cfg *config.Config, rdb *redis.Client, eng *engine.Engine, pool *engine.Pool, logger *slog.Logger) (*stream.Consumer, error) {
	if rdb == nil {
		return nil, errors.New("stream consumer needs redis")
	}

	name := cfg.StreamConsumer
	if name == "" {
		host, _ := os.Hostname()
		name = idgen.Consumer(host)
	}

	src := stream.NewRedisSource(rdb, cfg.StreamInput, cfg.StreamGroup, name, cfg.StreamBlock, cfg.StreamMinIdle)
	if err := src.EnsureGroup(ctx); err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	go src.WatchPending(ctx, 15*time.Second, logger)
	out := stream.NewRedisSink(rdb, cfg.StreamOutput, cfg.StreamMaxLen)
	dead := stream.NewRedisSink(rdb, cfg.StreamDeadLetter, cfg.StreamMaxLen)

	logger.Info("stream consumer configured",
		"input", cfg.StreamInput,
		"output", cfg.StreamOutput,
		"dead_letter", cfg.StreamDeadLetter,
		"group", cfg.StreamGroup,
		"consumer", name,
	)
	return stream.NewConsumer(src, out, dead, eng, pool, stream.Config{
		Timeout:      cfg.StreamTimeout,
		DrainTimeout: cfg.DrainTimeout,
	}, logger), nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
