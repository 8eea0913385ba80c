package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcourtman/pulse-licensing/internal/api"
	"github.com/rcourtman/pulse-licensing/internal/background"
	"github.com/rcourtman/pulse-licensing/internal/config"
	"github.com/rcourtman/pulse-licensing/internal/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the licensing HTTP service and background maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := loadServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		return runServer(ctx, svc)
	},
}

func runServer(ctx context.Context, svc *services) error {
	cfg := svc.cfg
	logger := svc.logger

	watcher := config.NewWatcher(cfg, logging.SetLevel, logger.With().Str("component", "config").Logger())
	watcher.OnReload(func(changes map[string]string) {
		logger.Info().Interface("changes", changes).Msg("Applied configuration changes")
	})

	runner, err := background.NewLicensingRunner(background.Deps{
		Tokens:    svc.tokens,
		Validator: svc.validator,
		Addons:    svc.addons,
		Resolver:  svc.resolver,
		Config:    watcher,
	}, background.Intervals{
		Sync:  cfg.SyncInterval,
		Warm:  cfg.WarmInterval,
		Addon: cfg.AddonInterval,
	}, logger.With().Str("component", "background").Logger(), svc.metrics)
	if err != nil {
		return err
	}

	handler := api.NewRouter(api.Deps{
		Gate:       svc.gate,
		License:    svc.validator,
		Addons:     svc.addons,
		Remote:     svc.client,
		Auth:       svc.tokens,
		Jobs:       runner,
		Gatherer:   prometheus.DefaultGatherer,
		AdminToken: cfg.AdminToken,
		Version:    Version,
		Logger:     logger.With().Str("component", "api").Logger(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("version", Version).Msg("Licensing service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down HTTP server cleanly")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("Licensing service stopped")
	return err
}
