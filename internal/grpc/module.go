package grpc

import (
	"context"
	"net"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var Module = fx.Options(
	fx.Provide(
		NewServer,
		NewListener,
		fx.Annotate(
			NewEngineService,
			fx.As(new(EngineServer)),
		),
	),
	fx.Invoke(
		registerService,
		lifecycleHook,
	),
)

type registerParams struct {
	fx.In

	Server  *grpc.Server
	Health  *health.Server
	Service EngineServer
}

func registerService(p registerParams) {
	RegisterEngineServer(p.Server, p.Service)
	p.Health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

func lifecycleHook(lc fx.Lifecycle, log *zap.Logger, srv *grpc.Server, hs *health.Server, lis net.Listener) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("grpc server starting", zap.String("addr", lis.Addr().String()))
			go func() {
				if err := srv.Serve(lis); err != nil {
					log.Error("grpc server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("grpc server stopping")
			hs.Shutdown()
			srv.GracefulStop()
			return nil
		},
	})
}
