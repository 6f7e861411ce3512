package cmd

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/moose0621/codeql-dashboard/internal/errors"
	"github.com/moose0621/codeql-dashboard/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long: `Verify the binary can start: version info, configuration and, with
--remote, that the GitHub API answers with the configured token.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		logger.Info("✅ Version information available")

		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "invalid configuration"))
			return
		}
		logger.Info("✅ Configuration valid")

		if strings.TrimSpace(cfg.GitHub.Token) == "" {
			logger.Warn("⚠️  No GitHub token configured")
		} else {
			logger.Info("✅ GitHub token configured")
		}

		remote, _ := cmd.Flags().GetBool("remote")
		if remote {
			a, err := newApp(cfg, componentLogger(cfg), false)
			if err != nil {
				ExitWithCode(logger, ExitCodeFor(err), "Component setup failed", err)
				return
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if _, err := a.gateway.Request(ctx, rateLimitEndpoint, http.MethodGet, nil); err != nil {
				ExitWithCode(logger, foundry.ExitFailure, "GitHub API unreachable", err)
				return
			}
			state := a.runtime.RateLimit(cfg.GitHub.Tenant)
			logger.Info("✅ GitHub API reachable",
				zap.Int("remaining", state.Remaining),
				zap.Int("limit", state.Limit))
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	healthCmd.Flags().Bool("remote", false, "also check GitHub API reachability")
	rootCmd.AddCommand(healthCmd)
}
