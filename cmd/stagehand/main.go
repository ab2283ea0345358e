package main

import (
	"os"

	"github.com/stagehand-io/stagehand/cmd/stagehand/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(commands.ExitCode(err))
	}
}
