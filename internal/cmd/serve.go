package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/config"
	errwrap "github.com/moose0621/codeql-dashboard/internal/errors"
	"github.com/moose0621/codeql-dashboard/internal/observability"
	"github.com/moose0621/codeql-dashboard/internal/realtime"
	"github.com/moose0621/codeql-dashboard/internal/server"
	"github.com/moose0621/codeql-dashboard/internal/server/handlers"
	"github.com/moose0621/codeql-dashboard/internal/webhook"
)

// adminTokenEnv enables the admin signal endpoint.
const adminTokenEnv = config.EnvPrefix + "_ADMIN_TOKEN"

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewServiceUnavailableError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard server",
	Long: `Start the dashboard HTTP server.

The server polls the organization every sync.poll_interval, follows the
realtime stream when realtime.url is set, and accepts GitHub webhook
deliveries on /webhooks/github when webhook.enabled is true.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read the config file (restart to apply changes)`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errwrap.WrapConfigInvalid(cmd.Context(), err, "invalid configuration")
	}

	namespace := observability.MetricNamespace(config.AppName)
	observability.InitServerLogger(config.AppName, cfg.Logging.Level, namespace)
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(config.AppName, "127.0.0.1", cfg.Metrics.Port); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
		}
	}

	a, err := newApp(cfg, componentLogger(cfg), true)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("github_rate_limit", handlers.RateLimitChecker(a.runtime))
	health.RegisterChecker("repository_sync", handlers.SyncChecker(a.orchestrator))
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	var stream *realtime.Manager
	if cfg.Realtime.URL != "" {
		stream, err = realtime.NewManager(realtime.Config{
			URL:                  cfg.Realtime.URL,
			Protocols:            cfg.Realtime.Protocols,
			ReconnectInterval:    cfg.Realtime.ReconnectInterval,
			MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
			HeartbeatInterval:    cfg.Realtime.HeartbeatInterval,
			ConnectionTimeout:    cfg.Realtime.ConnectionTimeout,
		}, realtime.WithLogger(a.logger.Named("realtime")))
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "invalid realtime configuration")
		}
		a.orchestrator.Attach(stream)
		health.RegisterChecker("realtime", handlers.RealtimeChecker(stream))
	}

	opts := server.Options{
		Health: health,
		API: &handlers.DashboardAPI{
			State:      a.synchronizer,
			Sync:       a.orchestrator,
			Limits:     a.runtime,
			Dispatcher: a.orchestrator,
		},
		AdminToken:  os.Getenv(adminTokenEnv),
		MetricsPort: cfg.Metrics.Port,
	}
	if cfg.Webhook.Enabled {
		verifier := webhook.AcceptAll
		if cfg.Webhook.RequireSignature {
			verifier = webhook.TrustUpstream
		}
		hook, err := webhook.NewHandler(verifier, a.synchronizer, webhook.WithLogger(a.logger.Named("webhook")))
		if err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "webhook handler")
		}
		opts.Webhook = hook
	}
	srv := server.New(cfg.Server, opts)

	logger.Info("Initializing server",
		zap.String("service", config.AppName),
		zap.String("version", versionInfo.Version),
		zap.String("org", cfg.GitHub.Org),
		zap.String("workflow", a.github.Workflow()),
		zap.Int("gateway_concurrency", a.runtime.Concurrency()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("realtime", stream != nil),
		zap.Bool("webhooks", opts.Webhook != nil),
		zap.Duration("poll_interval", cfg.Sync.PollInterval))

	registerShutdown(srv, stream, a, cancel, cfg.Server.ShutdownTimeout)

	signals.OnReload(func(ctx context.Context) error {
		logger.Info("Received SIGHUP: re-reading config file")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				logger.Info("No config file found - using defaults and environment variables")
				return nil
			}
			logger.Error("Failed to reload config file",
				zap.String("file", viper.ConfigFileUsed()),
				zap.Error(err))
			return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
		}
		if _, err := loadConfig(); err != nil {
			logger.Warn("Reloaded config is invalid; keeping running configuration", zap.Error(err))
			return nil
		}
		logger.Info("Configuration re-read; restart to apply changes",
			zap.String("file", viper.ConfigFileUsed()))
		return nil
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	if stream != nil {
		go func() {
			if err := stream.Connect(ctx); err != nil {
				logger.Warn("Realtime connection failed; retrying in background", zap.Error(err))
			}
		}()
	}
	if cfg.Sync.PollInterval > 0 {
		go a.orchestrator.Run(ctx, cfg.Sync.PollInterval)
	} else {
		go func() {
			if _, err := a.orchestrator.Refresh(ctx); err != nil {
				logger.Warn("Initial repository sync failed", zap.Error(err))
			}
		}()
	}

	errChan := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
			return
		}
		errChan <- nil
	}()
	go func() {
		if err := signals.Listen(ctx); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		return errwrap.WrapInternal(cmd.Context(), err, "server error")
	}
	return nil
}

// registerShutdown installs the graceful shutdown chain. Handlers run
// last registered first: HTTP server, stream, poller and queue, logger.
func registerShutdown(srv *server.Server, stream *realtime.Manager, a *app, cancel context.CancelFunc, timeout time.Duration) {
	logger := observability.ServerLogger
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Flushing logger...")
		_ = a.logger.Sync()
		if err := logger.Sync(); err != nil {
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		cancel()
		a.synchronizer.Flush()
		return nil
	})

	if stream != nil {
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Closing realtime connection...")
			stream.Disconnect()
			return nil
		})
	}

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancelShutdown := context.WithTimeout(ctx, timeout)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}
		logger.Info("HTTP server stopped gracefully")
		return nil
	})
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "server host (overrides server.host)")
	serveCmd.Flags().IntP("port", "p", 0, "server port (overrides server.port)")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
