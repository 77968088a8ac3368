package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version information injected via main package
var (
	Version   string
	GitCommit string
	BuildDate string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func printVersion(w io.Writer) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgGreen)

	title.Fprintf(w, "pareto-event-router %s\n", orDefault(Version, "dev"))
	fmt.Fprintln(w)

	label.Fprint(w, "Git commit: ")
	fmt.Fprintln(w, orDefault(GitCommit, "unknown"))

	label.Fprint(w, "Built:      ")
	fmt.Fprintln(w, orDefault(BuildDate, "unknown"))

	label.Fprint(w, "Go version: ")
	fmt.Fprintln(w, runtime.Version())

	label.Fprint(w, "OS/Arch:    ")
	fmt.Fprintf(w, "%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// SetVersionInfo sets the version information from the main package
func SetVersionInfo(version, gitCommit, buildDate string) {
	Version = version
	GitCommit = gitCommit
	BuildDate = buildDate
}
