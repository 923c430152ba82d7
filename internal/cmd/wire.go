package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Richard1990h/KING-V3-sub001/internal/agents"
	"github.com/Richard1990h/KING-V3-sub001/internal/ai"
	"github.com/Richard1990h/KING-V3-sub001/internal/cache"
	"github.com/Richard1990h/KING-V3-sub001/internal/config"
	"github.com/Richard1990h/KING-V3-sub001/internal/pipeline"
	"github.com/Richard1990h/KING-V3-sub001/internal/ratelimit"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
	"github.com/Richard1990h/KING-V3-sub001/internal/store"
)

// app is the wired core shared by serve and run
type app struct {
	db         *gorm.DB
	jobs       *store.JobStore
	events     *store.EventStore
	ledger     *store.Ledger
	identities *store.Identities
	limiter    *ratelimit.Limiter
	sandbox    *sandbox.Executor
	orch       *pipeline.Orchestrator
	redis      *redis.Client

	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warn("close resource", zap.Error(err))
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// buildApp opens the database, applies pending migrations and wires the
// orchestrator with the backends named in s.
func buildApp(ctx context.Context, s config.Settings, logger *zap.Logger) (*app, error) {
	db, err := store.Open(s.Database, logger)
	if err != nil {
		return nil, err
	}
	// the open handle keeps a shared in-memory sqlite database alive
	if err := migrateUp(s.Database, logger); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	a := &app{
		db:     db,
		jobs:   store.NewJobStore(db),
		events: store.NewEventStore(db),
		ledger: store.NewLedger(db, logger),
	}
	a.identities = store.NewIdentities(db, a.ledger, s.Credits.SignupGrant, logger)

	files, err := newFileStore(ctx, s.Storage, db, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	window, err := a.newWindow(ctx, s.RateLimit, s.Redis.URL)
	if err != nil {
		a.Close()
		return nil, err
	}
	files, err = a.withFileCache(ctx, files, s, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.limiter = ratelimit.New(ratelimit.Config{
		Requests:             s.RateLimit.Requests,
		Window:               s.RateLimit.Window,
		DefaultMaxConcurrent: s.RateLimit.DefaultMaxConcurrent,
	}, window, a.jobs, a.identities, logger)

	backend, err := a.newSandboxBackend(s.Sandbox, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sandbox = sandbox.NewExecutor(backend, sandbox.Config{
		DefaultTimeout: s.Sandbox.DefaultTimeout,
		MaxTimeout:     s.Sandbox.MaxTimeout,
		AllowNetwork:   s.Sandbox.AllowNetwork,
	}, logger)

	provider := ai.Provider(s.AI.Provider)
	var client ai.Client
	if s.AI.APIKey != "" {
		if client, err = ai.NewClient(provider, s.AI.APIKey, s.AI.BaseURL, s.AI.Model); err != nil {
			a.Close()
			return nil, err
		}
	} else {
		logger.Warn("no platform ai key configured; users must bring their own", zap.String("provider", s.AI.Provider))
	}

	a.orch = pipeline.New(pipeline.Deps{
		Jobs:       a.jobs,
		Events:     a.events,
		Ledger:     a.ledger,
		Files:      files,
		Identities: a.identities,
		Limiter:    a.limiter,
		Agents: agents.NewDefaultRegistry(agents.Options{
			Executor:          a.sandbox,
			SandboxRetries:    s.Sandbox.MaxRetries,
			DefaultTaskTokens: s.Credits.DefaultTaskTokens,
			Logger:            logger,
		}),
		Sandbox:  a.sandbox,
		Models:   ai.NewSelector(client, provider, s.AI.BaseURL, s.AI.Model),
		Settings: s,
		Logger:   logger,
	})
	return a, nil
}

func migrateUp(cfg config.DatabaseConfig, logger *zap.Logger) error {
	runner, err := store.NewMigrationRunner(cfg.Driver, cfg.DSN, logger)
	if err != nil {
		return err
	}
	defer runner.Close()
	if err := runner.Up(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func newFileStore(ctx context.Context, cfg config.StorageConfig, db *gorm.DB, logger *zap.Logger) (pipeline.ProjectFileStore, error) {
	switch cfg.FileBackend {
	case "", "db":
		return store.NewFileStore(db), nil
	case "s3":
		return store.NewS3FileStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown file backend %q", cfg.FileBackend)
	}
}

// withFileCache fronts files with the configured snapshot cache
func (a *app) withFileCache(ctx context.Context, files pipeline.ProjectFileStore, s config.Settings, logger *zap.Logger) (pipeline.ProjectFileStore, error) {
	var c cache.Store
	switch s.Storage.CacheBackend {
	case "", "none":
		return files, nil
	case "memory":
		c = cache.NewMemoryStore(0)
	case "redis":
		client, err := a.redisClient(ctx, s.Redis.URL)
		if err != nil {
			return nil, err
		}
		c = cache.NewRedisStore(client, "forge:cache:")
	default:
		return nil, fmt.Errorf("unknown cache backend %q", s.Storage.CacheBackend)
	}
	return cache.NewFileCache(files, c, s.Storage.CacheTTL, logger), nil
}

// redisClient connects once and shares the client between components
func (a *app) redisClient(ctx context.Context, url string) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := ratelimit.NewRedisClient(ctx, url)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client)
	return client, nil
}

func (a *app) newWindow(ctx context.Context, cfg config.RateLimitConfig, redisURL string) (ratelimit.Window, error) {
	switch cfg.Backend {
	case "", "memory":
		return ratelimit.NewMemoryWindow(), nil
	case "redis":
		client, err := a.redisClient(ctx, redisURL)
		if err != nil {
			return nil, err
		}
		return ratelimit.NewRedisWindow(client), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

func (a *app) newSandboxBackend(cfg config.SandboxConfig, logger *zap.Logger) (sandbox.Backend, error) {
	switch cfg.Backend {
	case "", "process":
		return sandbox.NewProcessBackend(sandbox.ProcessConfig{MemoryLimitMB: cfg.MemoryLimitMB}, logger)
	case "docker":
		b, err := sandbox.NewDockerBackend(sandbox.DockerConfig{
			MemoryLimitMB: cfg.MemoryLimitMB,
			Images:        cfg.DockerImages,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}
