package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/mileusna/crontab"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpat9/MasterChef-Claude/pkg/maintenance"
	"github.com/rpat9/MasterChef-Claude/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, a, logger, cleanup, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if listen != "" {
				cfg.Listen = listen
			}

			ctab := crontab.New()
			defer ctab.Shutdown()
			if err := maintenance.SchedulePurge(ctx, ctab, cfg.Cache.PurgeSchedule, a.Orchestrator, logger); err != nil {
				return err
			}

			opts := []server.Option{server.WithLogger(logger)}
			if a.Metrics != nil {
				opts = append(opts, server.WithMetricsHandler(cfg.Metrics.Path, a.Metrics.Handler()))
			}
			srv := server.New(cfg.Listen, a.Orchestrator, opts...)

			logger.Info("starting masterchef", zap.String("version", version), zap.String("config", *configPath))
			if err := srv.ListenAndServe(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}

