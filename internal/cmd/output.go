package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/moose0621/codeql-dashboard/internal/errors"
	"github.com/moose0621/codeql-dashboard/internal/output"
)

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", string(output.FormatTable), "output format: table, json, markdown")
}

func formatterFor(cmd *cobra.Command) (output.Formatter, error) {
	value, _ := cmd.Flags().GetString("output")
	format, err := output.ParseFormat(value)
	if err != nil {
		return nil, apperrors.WrapInvalidInput(cmd.Context(), err, "invalid --output")
	}
	return output.NewFormatter(format), nil
}

func printRendered(cmd *cobra.Command, rendered string, err error) error {
	if err != nil {
		return apperrors.WrapInternal(cmd.Context(), err, "render output")
	}
	fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return nil
}
