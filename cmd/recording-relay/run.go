package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform a single run and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, *configPath, cmd.OutOrStdout())
		},
	}
}

// runOnce prints the report even when some items failed, then returns the
// run error so the process exits non-zero.
func runOnce(ctx context.Context, configPath string, out io.Writer) error {
	app, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	report, runErr := app.runner.Run(ctx)
	if report != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	}
	return runErr
}
