package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/withObsrvr/pareto-event-router/internal/cli/config"
	"github.com/withObsrvr/pareto-event-router/internal/cli/runner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the Pareto feed and route events",
	Long:  "Start the router with configuration taken from the environment and the optional --config file.",
	Example: `  PARETO_URL=https://pareto.example PARETO_API_TOKEN=... pareto-event-router run
  pareto-event-router run --config router.yaml`,
	Args: cobra.NoArgs,
	RunE: runRouter,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRouter(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	r, err := runner.New(cfg, runner.Options{
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	})
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return &ExitError{Code: 1}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	code := make(chan int, 1)
	go func() {
		select {
		case sig := <-signals:
			code <- exitCodeFor(sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := r.Run(ctx); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return &ExitError{Code: 1}
	}

	select {
	case c := <-code:
		if c != 0 {
			return &ExitError{Code: c}
		}
	default:
	}
	return nil
}

// exitCodeFor maps the signal that stopped the router to its exit status.
// An interrupt is a clean stop; termination reports failure.
func exitCodeFor(sig os.Signal) int {
	if sig == syscall.SIGTERM {
		return 1
	}
	return 0
}
