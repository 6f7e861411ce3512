package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/observability"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch scan status and alert counts for every repository",
	Long: `Snapshot every repository in the organization once: latest CodeQL
workflow run, open code scanning alerts by severity, and dispatch
permission. The result is printed and nothing is persisted.`,
	Example: `  codeql-dashboard sync --org acme
  codeql-dashboard sync --org acme -o json`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	formatter, err := formatterFor(cmd)
	if err != nil {
		return err
	}
	a, err := loadApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer func() { _ = a.logger.Sync() }()

	n, err := a.orchestrator.Refresh(cmd.Context())
	if err != nil {
		return err
	}
	observability.CLILogger.Debug("Sync complete", zap.Int("repositories", n))

	state := a.synchronizer.State()
	repos := make([]core.Repository, 0, len(state.Repositories))
	for _, repo := range state.Repositories {
		repos = append(repos, repo)
	}
	rendered, err := formatter.FormatRepositories(repos)
	return printRendered(cmd, rendered, err)
}

func init() {
	addOutputFlag(syncCmd)
	rootCmd.AddCommand(syncCmd)
}
