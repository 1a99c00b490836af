package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/ronappleton/flowengine/internal/cli"
	"github.com/ronappleton/flowengine/internal/config"
	"github.com/ronappleton/flowengine/internal/engine"
	"github.com/ronappleton/flowengine/internal/eventlistener"
	grpcserver "github.com/ronappleton/flowengine/internal/grpc"
	"github.com/ronappleton/flowengine/internal/httpserver"
	"github.com/ronappleton/flowengine/internal/logging"
	"github.com/ronappleton/flowengine/internal/metrics"
	"github.com/ronappleton/flowengine/internal/otel"
	"github.com/ronappleton/flowengine/internal/scheduler"
)

func main() {
	rootCmd := cli.NewRootCommand()

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		startServer(configPath)
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startServer(configPath string) {
	app := fx.New(
		config.Module(configPath),
		logging.Module(),
		otel.Module(),
		metrics.Module(),
		engine.Module(),
		scheduler.Module(),
		eventlistener.Module(),
		grpcserver.Module,
		httpserver.Module(),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
	)

	app.Run()
}
