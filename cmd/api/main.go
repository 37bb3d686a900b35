package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"photoforge/backend/internal/config"
	"photoforge/backend/internal/logging"
)

func main() {
	var cfg *config.Config
	root := &cobra.Command{
		Use:           "photoforge",
		Short:         "Photo model training and generation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, cfg.LogPretty)
			return nil
		},
	}
	cfgFn := func() *config.Config { return cfg }
	root.AddCommand(serveCmd(cfgFn), migrateCmd(cfgFn), sweepCmd(cfgFn))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}

func migrateCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx, cfg())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Msg("schema applied")
			return nil
		},
	}
}

func sweepCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Re-enqueue polls for stale generations and trainings once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := build(ctx, cfg())
			if err != nil {
				return err
			}
			defer d.close()
			res, err := d.handlers.Sweep(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("generations", res.Generations).Int("trainings", res.Trainings).
				Int64("pruned_events", res.Pruned).Msg("sweep done")
			return nil
		},
	}
}
