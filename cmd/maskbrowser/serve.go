package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"maskbrowser/internal/app"
	"maskbrowser/internal/service/web"
	"maskbrowser/internal/shared/logger"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the core and the control API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.LogConf); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			hub := web.NewHub()
			core, err := app.New(cfg, opts.configDir, app.Deps{Hub: hub})
			if err != nil {
				return err
			}
			if err := core.Start(); err != nil {
				core.Stop()
				return err
			}

			var wg sync.WaitGroup
			srv := web.NewServer(cfg.WebConf, core, hub)
			if err := srv.Start(&wg); err != nil {
				core.Stop()
				return err
			}

			<-cmd.Context().Done()
			logger.Info().Msg("Shutdown signal received.")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("Control API did not shut down cleanly.")
			}
			core.Stop()
			wg.Wait()
			return nil
		},
	}
}
