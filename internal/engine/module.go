// Package engine wires the workflow service and its storage into the app.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/flowengine/internal/config"
	"github.com/ronappleton/flowengine/internal/metrics"
	"github.com/ronappleton/flowengine/internal/otel"
	"github.com/ronappleton/flowengine/internal/workflow"
	"github.com/ronappleton/flowengine/internal/workflow/pgstore"
	"github.com/ronappleton/flowengine/internal/workflow/rediscache"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			NewPool,
			NewRedisClient,
			NewStores,
			NewRegistry,
			NewHub,
			NewService,
		),
		fx.Invoke(seedDefinitions),
	)
}

// NewPool connects to Postgres. It returns nil when no DSN is configured and
// the stores stay in memory.
func NewPool(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.Database.DSN == "" {
		logger.Info("database not configured; using in-memory stores")
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgstore.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.Migrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database migrated")
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		pool.Close()
		return nil
	}})
	return pool, nil
}

// NewRedisClient returns nil when no Redis address is configured.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		return client.Close()
	}})
	return client
}

type storesParams struct {
	fx.In

	Config config.Config
	Logger *zap.Logger
	Pool   *pgxpool.Pool
	Redis  *redis.Client
}

type storesResult struct {
	fx.Out

	Definitions workflow.DefinitionStore
	Instances   workflow.InstanceStore
}

func NewStores(p storesParams) storesResult {
	var out storesResult
	if p.Pool != nil {
		out.Definitions = pgstore.NewDefinitionStore(p.Pool)
		out.Instances = pgstore.NewInstanceStore(p.Pool)
	} else {
		out.Definitions = workflow.NewMemoryDefinitionStore()
		out.Instances = workflow.NewMemoryInstanceStore()
	}
	if p.Redis != nil {
		out.Definitions = rediscache.New(out.Definitions, p.Redis,
			rediscache.WithTTL(config.Duration(p.Config.Redis.CacheTTL, 10*time.Minute)),
			rediscache.WithLogger(p.Logger.Named("defcache")),
		)
		p.Logger.Info("definition cache enabled", zap.String("addr", p.Config.Redis.Addr))
	}
	return out
}

type serviceParams struct {
	fx.In

	Config      config.Config
	Logger      *zap.Logger
	Definitions workflow.DefinitionStore
	Instances   workflow.InstanceStore
	Registry    *workflow.Registry
	Hub         *Hub
	Metrics     *metrics.Observer
}

func NewService(p serviceParams) *workflow.Service {
	client := otel.HTTPClient(config.Duration(p.Config.Engine.HTTPTimeout, 30*time.Second))
	eng := workflow.NewEngine(client, p.Registry, p.Logger.Named("engine"))
	notifier := workflow.NewNotifier(
		otel.HTTPClient(0),
		p.Logger.Named("notify"),
		p.Config.Notify.AuditURL,
		p.Config.Notify.EventURL,
		p.Config.Notify.Timeout,
	)
	return workflow.NewService(p.Definitions, p.Instances, eng,
		workflow.WithLogger(p.Logger),
		workflow.WithObserver(p.Metrics),
		workflow.WithObserver(p.Hub),
		workflow.WithObserver(notifier),
		workflow.WithMaxSteps(p.Config.Engine.MaxStepsPerCall),
		workflow.WithConflictRetries(p.Config.Engine.ConflictRetries),
		workflow.WithBroadcastConcurrency(p.Config.Engine.BroadcastConcurrency),
	)
}

func seedDefinitions(lc fx.Lifecycle, cfg config.Config, svc *workflow.Service, logger *zap.Logger) {
	if len(cfg.Definitions.SeedFiles) == 0 {
		return
	}
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		if err := svc.Seed(ctx, cfg.Definitions.SeedFiles); err != nil {
			return fmt.Errorf("seed definitions: %w", err)
		}
		logger.Info("definitions seeded", zap.Strings("files", cfg.Definitions.SeedFiles))
		return nil
	}})
}
