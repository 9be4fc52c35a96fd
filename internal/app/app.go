// Package app wires the components shared by the server and the worker.
package app

import (
	"context"
	"fmt"
	"time"

	"reel-server/internal/assembly"
	"reel-server/internal/config"
	"reel-server/internal/database"
	"reel-server/internal/ledger"
	"reel-server/internal/media"
	"reel-server/internal/messaging"
	"reel-server/internal/provider"
	"reel-server/internal/repository"
	"reel-server/internal/service"
	"reel-server/internal/status"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds the wired pipeline.
type App struct {
	Store   repository.Store
	Storage media.Storage
	Ledger  *ledger.Ledger
	Service *service.PipelineService
	Status  *status.Facade

	closers []func()
	logger  *zap.Logger
}

// New connects the store, media storage and optional status cache and builds
// the pipeline service on top of them. Tasks go to dispatcher.
func New(ctx context.Context, cfg *config.Config, dispatcher messaging.Dispatcher, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	store, err := a.setupStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store

	if a.Storage, err = setupStorage(cfg.Media, logger); err != nil {
		a.Close()
		return nil, err
	}

	gateway, err := provider.NewGatewayFromConfig(cfg.Provider, a.Storage, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create provider gateway: %w", err)
	}

	a.Ledger = ledger.New(logger)
	concat := assembly.NewFFmpegConcatenator(a.Storage, cfg.Assembly.FFmpegPath, cfg.Assembly.WorkDir, logger)
	engine := assembly.NewEngine(concat, cfg.Assembly.Timeout, logger)
	a.Service = service.NewPipelineService(store, gateway, dispatcher, a.Ledger, engine, a.Storage, logger)

	cache, err := a.setupCache(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Status = status.NewFacade(store, a.Ledger, a.Storage, cache, logger)
	a.Service.SetChangeListener(a.Status)
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) setupStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	if cfg.StoreBackend == "memory" {
		a.logger.Warn("Using in-memory store, data is lost on restart")
		return repository.NewMemoryStore(), nil
	}
	pool, err := database.Connect(ctx, database.PoolConfig{
		DSN:         cfg.GetDSN(),
		MaxConns:    cfg.DBMaxConns,
		IdleTimeout: cfg.DBIdleTimeout,
		MaxRetries:  20,
		RetryDelay:  3 * time.Second,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	return repository.NewPgStore(pool, a.logger), nil
}

func setupStorage(cfg config.MediaConfig, logger *zap.Logger) (media.Storage, error) {
	switch cfg.Backend {
	case "supabase":
		return media.NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket, logger), nil
	default:
		return media.NewLocalStorage(cfg.LocalPath, cfg.PublicBaseURL, logger)
	}
}

func (a *App) setupCache(ctx context.Context, cfg *config.Config) (status.Cache, error) {
	if cfg.RedisAddr == "" {
		a.logger.Info("REDIS_ADDR not set, status cache disabled")
		return status.NoopCache{}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	const maxRetries = 10
	var err error
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			a.logger.Info("Connected to Redis", zap.String("address", cfg.RedisAddr), zap.Int("attempt", i+1))
			a.closers = append(a.closers, func() { _ = client.Close() })
			return status.NewRedisCache(client, cfg.StatusCacheTTL, a.logger), nil
		}
		a.logger.Warn("Redis ping failed, retrying...", zap.Int("attempt", i+1), zap.Int("max_retries", maxRetries), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, err)
}
