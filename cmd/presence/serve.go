package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/presence/internal/api"
	"github.com/goodtune/presence/internal/config"
	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/presence"
	"github.com/goodtune/presence/internal/systemd"
	"github.com/goodtune/presence/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the presence server",
	Long:  `Start the presence server with the JSON API, the maintenance loop and the metrics endpoint.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting presence")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := openDocumentStore(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	clock := quartz.NewReal()
	engine, err := presence.New(ctx, store, engineConfig(cfg), clock, logger)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	maintainer := presence.NewMaintainer(
		engine,
		parseDuration(cfg.Maintenance.Interval, time.Minute),
		parseDuration(cfg.Maintenance.OfflineThreshold, 10*time.Minute),
		clock,
		logger,
	)
	maintainer.Start(ctx)

	apiServer := api.NewServer(api.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		Secret:     cfg.Server.Secret,
	}, engine, logger)
	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	logger.Info().
		Str("timezone", engine.Location().String()).
		Int("port", cfg.Server.Port).
		Int("metrics_port", cfg.Server.MetricsPort).
		Msg("presence startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	go watchdog(ctx, clock, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, saving document")
			if err := engine.Save(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to save document")
			}
			continue
		}
		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop accepting writes before the final flush.
	if err := apiServer.Stop(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	cancel()
	if err := maintainer.Stop(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Final save failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("presence stopped")
	return nil
}

// engineConfig maps the configuration onto engine settings.
func engineConfig(cfg *config.Config) presence.Config {
	return presence.Config{
		Location:             usage.LoadLocation(cfg.Timezone),
		OfflineText:          cfg.Maintenance.OfflineText,
		AutoSwitchStatus:     cfg.Maintenance.AutoSwitchStatus,
		NotUsingText:         cfg.Status.NotUsingText,
		UsingFirst:           cfg.Status.UsingFirst,
		Sorted:               cfg.Status.Sorted,
		RecentLimit:          cfg.History.RecentLimit,
		AggregateRecentLimit: cfg.History.AggregateRecentLimit,
		VisitPaths:           cfg.Visits.Paths,
	}
}

// watchdog pings the systemd watchdog while ctx is live.
func watchdog(ctx context.Context, clock quartz.Clock, logger zerolog.Logger) {
	interval := systemd.WatchdogInterval()
	if interval == 0 {
		return
	}

	ticker := clock.NewTicker(interval, "watchdog")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}
