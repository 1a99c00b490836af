package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/flowengine/internal/config"
	"github.com/ronappleton/flowengine/internal/engine"
	"github.com/ronappleton/flowengine/internal/metrics"
	"github.com/ronappleton/flowengine/internal/workflow"
)

type Server struct {
	cfg    config.Config
	logger *zap.Logger
	svc    *workflow.Service
	hub    *engine.Hub
	echo   *echo.Echo
	srv    *http.Server
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewServer),
		fx.Invoke(RegisterHooks),
	)
}

func NewServer(cfg config.Config, logger *zap.Logger, svc *workflow.Service, hub *engine.Hub, registry *prometheus.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{cfg: cfg, logger: logger, svc: svc, hub: hub, echo: e}
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName(cfg)))
	e.Use(s.observe)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})))
	}

	v1 := e.Group("/v1", identity)
	s.registerDefinitionRoutes(v1)
	s.registerInstanceRoutes(v1)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           e,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func RegisterHooks(lc fx.Lifecycle, server *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			server.logger.Info("http server starting", zap.String("addr", server.srv.Addr))
			go func() {
				if err := server.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					server.logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			server.logger.Info("http server stopping")
			return server.srv.Shutdown(shutdownCtx)
		},
	})
}

// observe logs each request and records its latency under the route pattern.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		elapsed := time.Since(start)
		route := c.Path()
		if route == "/metrics" || route == "/healthz" {
			return nil
		}
		metrics.RecordOperation(c.Request().Method+" "+route, errorStatus(c, err), elapsed.Seconds())
		s.logger.Debug("http request",
			zap.String("method", c.Request().Method),
			zap.String("route", route),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", elapsed),
		)
		return nil
	}
}

func errorStatus(c echo.Context, err error) error {
	if err != nil {
		return err
	}
	if c.Response().Status >= http.StatusInternalServerError {
		return errors.New(http.StatusText(c.Response().Status))
	}
	return nil
}

func serviceName(cfg config.Config) string {
	if name := strings.TrimSpace(cfg.Telemetry.ServiceName); name != "" {
		return name
	}
	return "flowengine"
}
