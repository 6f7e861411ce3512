package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/moose0621/codeql-dashboard/internal/config"
	apperrors "github.com/moose0621/codeql-dashboard/internal/errors"
	"github.com/moose0621/codeql-dashboard/internal/observability"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if path == "" {
			return apperrors.NewConfigInvalidError("cannot determine config directory; pass --path")
		}
		return writeDefaultConfig(path, force)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use and the search locations",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintf(out, "in use: %s\n", used)
		} else {
			fmt.Fprintln(out, "in use: (none)")
		}
		fmt.Fprintf(out, "default: %s\n", config.DefaultConfigPath())
		for _, p := range config.UserConfigPaths() {
			fmt.Fprintf(out, "search: %s\n", p)
		}
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the merged configuration (defaults, file and environment). The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return apperrors.WrapConfigInvalid(cmd.Context(), err, "invalid configuration")
		}
		settings := viper.AllSettings()
		if gh, ok := settings["github"].(map[string]any); ok {
			gh["token"] = maskToken(cfg.GitHub.Token)
		}
		data, err := yaml.Marshal(settings)
		if err != nil {
			return apperrors.WrapInternal(cmd.Context(), err, "render configuration")
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func maskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	return "(set)"
}

func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return apperrors.NewInvalidInputError(fmt.Sprintf("%s already exists; use --force to overwrite", path))
	}
	data, err := config.DefaultYAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	observability.CLILogger.Info("Wrote default configuration to " + path)
	return nil
}

func init() {
	configInitCmd.Flags().String("path", "", "destination file (default: XDG config path)")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configPathCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
