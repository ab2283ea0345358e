package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stagehand-io/stagehand/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Write an annotated sample configuration file.

By default the file is created at $XDG_CONFIG_HOME/stagehand/config.yaml.
Use --config to choose a custom path.

Examples:
  # Initialize at the default location
  stagehand init

  # Initialize at a custom path
  stagehand init --config /etc/stagehand/config.yaml

  # Overwrite an existing file
  stagehand init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.SampleYAML), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	cmd.Printf("Configuration file created at: %s\n", path)
	cmd.Println("\nNext steps:")
	cmd.Println("  1. Set the warehouse DSN and stage bucket")
	cmd.Println("  2. Describe your input files under 'files:'")
	cmd.Println("  3. Run: stagehand load")
	return nil
}
