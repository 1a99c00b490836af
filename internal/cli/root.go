package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ronappleton/flowengine/internal/config"
	"github.com/ronappleton/flowengine/internal/workflow"
	"github.com/ronappleton/flowengine/internal/workflow/pgstore"
)

// NewRootCommand returns the flowengine command tree. The caller sets RunE on
// the root to start the server.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flowengine",
		Short:         "Durable workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "config.yaml", "Path to config file")
	cmd.AddCommand(newMigrateCommand(), newValidateCommand())
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn is not configured")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			pool, err := pgstore.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := pgstore.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check definition files without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				defs, err := workflow.LoadDefinitionFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				for _, def := range defs {
					fmt.Fprintf(out, "ok   %s: %s (%d activities)\n", path, def.ID, len(def.Graph.Activities))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed validation", failed, len(args))
			}
			return nil
		},
	}
}
