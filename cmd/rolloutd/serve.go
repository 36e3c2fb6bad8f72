package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rolloutd/internal/httpapi"
	"github.com/fyrsmithlabs/rolloutd/internal/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			provider, err := telemetry.Init(ctx, cfg.Telemetry)
			if err != nil {
				return err
			}
			defer provider.Shutdown(context.Background())

			registry := prometheus.NewRegistry()
			service := newRunService(cfg, logger, registry)

			server, err := httpapi.NewServer(service, registry, logger.Underlying(), cfg.HTTP)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			logger.Info(ctx, "control API listening",
				zap.String("host", cfg.HTTP.Host),
				zap.Int("port", cfg.HTTP.Port),
			)

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return err
				}
			}

			logger.Info(context.Background(), "shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&isolation, "isolation", "git", "execution isolation backend (git or dir)")
	return cmd
}
