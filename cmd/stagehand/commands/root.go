// Package commands implements the stagehand CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/stagehand-io/stagehand/internal/logger"
	"github.com/stagehand-io/stagehand/pkg/config"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Stagehand - bulk file loader for analytic warehouses",
	Long: `Stagehand loads large delimited files into an analytic warehouse:
it analyzes each file, validates data quality in a single streaming pass,
compresses and uploads to an ephemeral stage, runs COPY, and reconciles
the loaded row counts against the file.

Use "stagehand [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/stagehand/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// ExitCode maps an error onto the process exit code: 2 for configuration
// problems, 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if loaderr.KindOf(err) == loaderr.KindConfigInvalid {
		return 2
	}
	return 1
}

// loadConfig reads the configuration and initializes the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}
