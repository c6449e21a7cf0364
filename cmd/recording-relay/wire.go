package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/FairForge/recording-relay/internal/config"
	"github.com/FairForge/recording-relay/internal/drivers"
	"github.com/FairForge/recording-relay/internal/forwarder"
	"github.com/FairForge/recording-relay/internal/graph"
	"github.com/FairForge/recording-relay/internal/logging"
	"github.com/FairForge/recording-relay/internal/pipeline"
	"go.uber.org/zap"
)

// app holds the wired components shared by serve and run.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	runner *pipeline.Runner
	closer func() error
}

func (a *app) Close() {
	if a.closer != nil {
		if err := a.closer(); err != nil {
			a.logger.Warn("close run lock", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})
	if err != nil {
		return nil, err
	}

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	sender, err := forwarder.New(cfg.Forward.URL,
		forwarder.WithHTTPClient(&http.Client{Timeout: cfg.Forward.Timeout}),
		forwarder.WithRetryPolicy(drivers.NewRetryPolicy(
			drivers.WithMaxAttempts(cfg.Forward.MaxAttempts),
			drivers.WithLogger(logger))),
		forwarder.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	var locker pipeline.Locker = pipeline.NewLocalLocker()
	if cfg.Lock.RedisAddr != "" {
		rl, err := pipeline.NewRedisLocker(ctx, pipeline.RedisConfig{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		}, logger)
		if err != nil {
			return nil, err
		}
		locker = rl
		a.closer = rl.Close
	}

	creds := graph.Credentials{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
	}
	newClient := func(ctx context.Context) (graph.DriveAPI, error) {
		c, err := graph.NewClient(creds, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	runner, err := pipeline.NewRunner(pipeline.Config{
		SiteID:      cfg.Graph.SiteID,
		DriveID:     cfg.Graph.DriveID,
		Container:   cfg.Storage.Container,
		KeyTemplate: pipeline.KeyTemplate(cfg.Storage.KeyTemplate),
		Window:      cfg.Schedule.Window,
		FailFast:    cfg.Schedule.FailFast,
		LockKey:     cfg.Lock.Key,
		LockTTL:     cfg.Lock.TTL,
	}, newClient, store, sender,
		pipeline.WithLocker(locker),
		pipeline.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runner = runner

	logger.Info("recording relay configured",
		zap.String("drive_id", cfg.Graph.DriveID),
		zap.String("schedule", cfg.Schedule.Cron),
		zap.Duration("window", cfg.Schedule.Window),
		zap.String("storage", cfg.Storage.Mode),
		zap.Bool("redis_lock", cfg.Lock.RedisAddr != ""))
	return a, nil
}

func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (drivers.Driver, error) {
	var store drivers.Driver
	switch cfg.Storage.Mode {
	case "local":
		if err := os.MkdirAll(cfg.Storage.LocalPath, 0750); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
		store = drivers.NewLocalDriver(cfg.Storage.LocalPath, logger)
		logger.Info("using local storage", zap.String("path", cfg.Storage.LocalPath))
	case "s3":
		s3, err := drivers.NewS3Driver(ctx, cfg.Storage.S3Endpoint, cfg.Storage.S3AccessKey,
			cfg.Storage.S3SecretKey, cfg.Storage.S3Region, logger)
		if err != nil {
			return nil, err
		}
		store = s3
		logger.Info("using S3-compatible storage", zap.String("endpoint", cfg.Storage.S3Endpoint))
	default:
		return nil, fmt.Errorf("invalid storage mode %q", cfg.Storage.Mode)
	}

	if cfg.Storage.MaxAttempts > 1 {
		store = drivers.NewRetryableDriver(store, drivers.NewRetryPolicy(
			drivers.WithMaxAttempts(cfg.Storage.MaxAttempts),
			drivers.WithLogger(logger)))
	}
	return store, nil
}
