package main

import (
	"os"

	"github.com/withObsrvr/pareto-event-router/internal/cli/cmd"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, gitCommit, buildDate)
	os.Exit(cmd.Execute())
}
