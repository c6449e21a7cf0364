package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/FairForge/recording-relay/internal/api"
	"github.com/FairForge/recording-relay/internal/trigger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run on the schedule and serve the ops endpoints until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	app, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	trig, err := trigger.New(app.cfg.Schedule.Cron, app.runner,
		trigger.WithRunOnStartup(app.cfg.Schedule.RunOnStartup),
		trigger.WithLogger(logger))
	if err != nil {
		return err
	}

	server := api.NewServer(app.cfg.Server.Port, app.runner, app.runner.Ready, app.runner.Metrics().Handler(), logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	trigErr := make(chan error, 1)
	go func() {
		trigErr <- trig.Start(ctx)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("ops server: %w", err)
		}
		cancel()
		<-trigErr
	case runErr = <-trigErr:
	}

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return runErr
}
