package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/flowengine/internal/config"
	"github.com/ronappleton/flowengine/internal/workflow"
)

func Module() fx.Option {
	return fx.Invoke(register)
}

func register(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger, instances workflow.InstanceStore, svc *workflow.Service) {
	if !cfg.Scheduler.Enabled {
		logger.Info("scheduler disabled")
		return
	}
	poller := NewPoller(instances, svc, logger.Named("scheduler"), Options{
		Interval:    config.Duration(cfg.Scheduler.Interval, 0),
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
	})
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, runCancel := context.WithCancel(context.Background())
			cancel = runCancel
			done = make(chan struct{})
			go func() {
				defer close(done)
				poller.Run(runCtx)
			}()
			logger.Info("scheduler started", zap.String("interval", cfg.Scheduler.Interval))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			stats := poller.Stats()
			logger.Info("scheduler stopped",
				zap.Int64("claimed", stats.Claimed),
				zap.Int64("lost", stats.Lost),
				zap.Int64("failed", stats.Failed))
			return nil
		},
	})
}
