package cmd

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/moose0621/codeql-dashboard/internal/gateway"
)

// rateLimitEndpoint does not count against the core budget.
const rateLimitEndpoint = "/rate_limit"

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Show the GitHub API rate limit budget",
	Long: `Query GitHub for the current rate limit of the configured token and
print the budget the gateway tracks for each tenant.`,
	RunE: runRateLimit,
}

func runRateLimit(cmd *cobra.Command, args []string) error {
	formatter, err := formatterFor(cmd)
	if err != nil {
		return err
	}
	a, err := loadApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer func() { _ = a.logger.Sync() }()

	// Response headers update the runtime; the body is not needed.
	if _, err := a.gateway.Request(cmd.Context(), rateLimitEndpoint, http.MethodGet, nil, gateway.WithCacheTTL(0)); err != nil {
		return err
	}
	rendered, err := formatter.FormatRateLimits(a.runtime.RateLimits())
	return printRendered(cmd, rendered, err)
}

func init() {
	addOutputFlag(rateLimitCmd)
	rootCmd.AddCommand(rateLimitCmd)
}
