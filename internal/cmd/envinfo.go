package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/config"
	"github.com/moose0621/codeql-dashboard/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		log := observability.CLILogger
		version := crucible.GetVersion()

		log.Info("=== " + config.AppName + " environment ===")
		log.Info("")
		log.Info("Application:")
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS/ARCH:  " + runtime.GOOS + "/" + runtime.GOARCH)
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()))
		log.Info("")

		cfg, err := loadConfig()
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("GitHub:")
		log.Info("  API:        " + cfg.GitHub.BaseURL)
		log.Info("  Org:        " + orUnset(cfg.GitHub.Org))
		log.Info("  Tenant:     " + cfg.GitHub.Tenant)
		log.Info("  Workflow:   " + cfg.GitHub.Workflow)
		log.Info("  Token:      " + maskToken(cfg.GitHub.Token))
		log.Info("")

		log.Info("Gateway:")
		log.Info(fmt.Sprintf("  Concurrency: %d", cfg.Gateway.Concurrency))
		log.Info(fmt.Sprintf("  Cache:       %t (ttl %s)", cfg.Gateway.CacheEnabled, cfg.Gateway.DefaultTTL))
		log.Info("")

		log.Info("Realtime:")
		log.Info("  URL:        " + orUnset(cfg.Realtime.URL))
		log.Info(fmt.Sprintf("  Reconnect:  %s x%d", cfg.Realtime.ReconnectInterval, cfg.Realtime.MaxReconnectAttempts))
		log.Info("  Heartbeat:  " + cfg.Realtime.HeartbeatInterval.String())
		log.Info("")

		log.Info("Server:")
		log.Info(fmt.Sprintf("  Listen:     %s:%d", cfg.Server.Host, cfg.Server.Port))
		log.Info(fmt.Sprintf("  Webhooks:   %t (signature required: %t)", cfg.Webhook.Enabled, cfg.Webhook.RequireSignature))
		log.Info(fmt.Sprintf("  Metrics:    %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port))
		log.Info("  Log Level:  " + cfg.Logging.Level)
		log.Info("  Config:     " + orUnset(viperConfigFile()))
	},
}

func orUnset(value string) string {
	if value == "" {
		return "(unset)"
	}
	return value
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
