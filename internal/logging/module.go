// Package logging builds the process logger.
package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ronappleton/flowengine/internal/config"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(provide),
	)
}

func provide(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
	logger, stop, err := New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = logger.Sync()
			return stop(ctx)
		},
	})
	return logger, nil
}

// New builds a zap logger from cfg. When a sink URL is configured, entries at
// info and above are also shipped there; stop flushes the shipper.
func New(cfg config.LoggingConfig) (*zap.Logger, func(context.Context) error, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, nil, err
		}
	}
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		return nil, nil, err
	}
	logger, stop := attachSink(logger, cfg)
	return logger, stop, nil
}

func attachSink(logger *zap.Logger, cfg config.LoggingConfig) (*zap.Logger, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	if strings.TrimSpace(cfg.SinkURL) == "" {
		return logger, noop
	}
	source := cfg.SinkSource
	if source == "" {
		source = filepath.Base(os.Args[0])
	}
	s := newShipper(cfg.SinkURL, cfg.SinkAPIKey, source, nil)
	s.start()
	sink := &sinkCore{level: zapcore.InfoLevel, shipper: s}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, sink)
	})), s.stop
}
