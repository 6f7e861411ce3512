package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/moose0621/codeql-dashboard/internal/errors"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <owner/repo>",
	Short: "Trigger the CodeQL workflow on a repository",
	Long: `Dispatch the configured CodeQL workflow (github.workflow) on a
repository. Without --ref the repository's default branch is used.`,
	Example: `  codeql-dashboard dispatch acme/api
  codeql-dashboard dispatch acme/api --ref release/2.x --input languages=go`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatch,
}

func runDispatch(cmd *cobra.Command, args []string) error {
	formatter, err := formatterFor(cmd)
	if err != nil {
		return err
	}
	owner, repo, err := splitFullName(args[0])
	if err != nil {
		return apperrors.WrapInvalidInput(cmd.Context(), err, "invalid repository")
	}
	rawInputs, _ := cmd.Flags().GetStringArray("input")
	inputs, err := parseInputs(rawInputs)
	if err != nil {
		return apperrors.WrapInvalidInput(cmd.Context(), err, "invalid --input")
	}
	ref, _ := cmd.Flags().GetString("ref")

	a, err := loadApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer func() { _ = a.logger.Sync() }()

	a.logger.Debug("dispatching scan",
		zap.String("repository", owner+"/"+repo),
		zap.String("workflow", a.github.Workflow()))
	req, err := a.orchestrator.Dispatch(cmd.Context(), owner, repo, ref, inputs)
	if err != nil {
		return err
	}
	rendered, err := formatter.FormatScanRequest(req)
	return printRendered(cmd, rendered, err)
}

func splitFullName(value string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(value), "/")
	owner, repo = strings.TrimSpace(owner), strings.TrimSpace(repo)
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("expected owner/repo, got %q", value)
	}
	return owner, repo, nil
}

// parseInputs turns repeated key=value flags into workflow inputs. A
// later key overrides an earlier one.
func parseInputs(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	inputs := make(map[string]string, len(values))
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", raw)
		}
		inputs[key] = value
	}
	return inputs, nil
}

func init() {
	dispatchCmd.Flags().String("ref", "", "git ref to run on (default: repository default branch)")
	dispatchCmd.Flags().StringArray("input", nil, "workflow input as key=value (repeatable)")
	addOutputFlag(dispatchCmd)
	rootCmd.AddCommand(dispatchCmd)
}
