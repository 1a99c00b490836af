package eventlistener

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/flowengine/internal/config"
	"github.com/ronappleton/flowengine/internal/workflow"
)

func Module() fx.Option {
	return fx.Invoke(register)
}

type params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Logger    *zap.Logger
	Service   *workflow.Service
	Client    *redis.Client `optional:"true"`
}

func register(p params) {
	if p.Client == nil || p.Config.Redis.EventsChannel == "" {
		p.Logger.Info("event listener disabled: redis not configured")
		return
	}
	listener := New(p.Client, p.Config.Redis.EventsChannel, p.Service, p.Logger.Named("events"))
	var cancel context.CancelFunc
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, runCancel := context.WithCancel(context.Background())
			cancel = runCancel
			go listener.Run(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
