package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment keys. The credential and endpoint names match the existing
// function app settings so deployments can move over unchanged.
const (
	EnvClientID     = "ClientId"
	EnvClientSecret = "ClientSecret"
	EnvTenantID     = "TenantId"
	EnvForwardURL   = "ProcessMeetingRecordingFunctionUrl"
	EnvSiteID       = "SiteId"
	EnvDriveID      = "DriveId"

	EnvSchedule     = "RECORDING_SCHEDULE"
	EnvWindow       = "RECORDING_WINDOW"
	EnvRunOnStartup = "RUN_ON_STARTUP"
	EnvFailFast     = "FAIL_FAST"

	EnvStorageMode        = "STORAGE_MODE"
	EnvLocalPath          = "LOCAL_STORAGE_PATH"
	EnvContainer          = "STORAGE_CONTAINER"
	EnvKeyTemplate        = "STORAGE_KEY_TEMPLATE"
	EnvStorageMaxAttempts = "STORAGE_MAX_ATTEMPTS"
	EnvS3Endpoint         = "S3_ENDPOINT"
	EnvS3AccessKey        = "S3_ACCESS_KEY"
	EnvS3SecretKey        = "S3_SECRET_KEY"
	EnvS3Region           = "S3_REGION"

	EnvForwardTimeout     = "FORWARD_TIMEOUT"
	EnvForwardMaxAttempts = "FORWARD_MAX_ATTEMPTS"

	EnvRedisAddr     = "REDIS_ADDR"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvRedisDB       = "REDIS_DB"
	EnvLockTTL       = "RUN_LOCK_TTL"

	EnvOpsPort   = "OPS_PORT"
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"
)

// LoadFromEnv loads configuration from environment variables. Unset
// variables leave the current value alone.
func LoadFromEnv(cfg *Config) error {
	setString(&cfg.Graph.ClientID, EnvClientID)
	setString(&cfg.Graph.ClientSecret, EnvClientSecret)
	setString(&cfg.Graph.TenantID, EnvTenantID)
	setString(&cfg.Graph.SiteID, EnvSiteID)
	setString(&cfg.Graph.DriveID, EnvDriveID)
	setString(&cfg.Forward.URL, EnvForwardURL)

	setString(&cfg.Schedule.Cron, EnvSchedule)
	setString(&cfg.Storage.Mode, EnvStorageMode)
	setString(&cfg.Storage.LocalPath, EnvLocalPath)
	setString(&cfg.Storage.Container, EnvContainer)
	setString(&cfg.Storage.KeyTemplate, EnvKeyTemplate)
	setString(&cfg.Storage.S3Endpoint, EnvS3Endpoint)
	setString(&cfg.Storage.S3AccessKey, EnvS3AccessKey)
	setString(&cfg.Storage.S3SecretKey, EnvS3SecretKey)
	setString(&cfg.Storage.S3Region, EnvS3Region)
	setString(&cfg.Lock.RedisAddr, EnvRedisAddr)
	setString(&cfg.Lock.RedisPassword, EnvRedisPassword)
	setString(&cfg.Server.LogLevel, EnvLogLevel)
	setString(&cfg.Server.LogFormat, EnvLogFormat)

	if err := setDuration(&cfg.Schedule.Window, EnvWindow); err != nil {
		return err
	}
	if err := setDuration(&cfg.Forward.Timeout, EnvForwardTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.Lock.TTL, EnvLockTTL); err != nil {
		return err
	}
	if err := setInt(&cfg.Forward.MaxAttempts, EnvForwardMaxAttempts); err != nil {
		return err
	}
	if err := setInt(&cfg.Storage.MaxAttempts, EnvStorageMaxAttempts); err != nil {
		return err
	}
	if err := setInt(&cfg.Lock.RedisDB, EnvRedisDB); err != nil {
		return err
	}
	if err := setInt(&cfg.Server.Port, EnvOpsPort); err != nil {
		return err
	}
	if err := setBool(&cfg.Schedule.RunOnStartup, EnvRunOnStartup); err != nil {
		return err
	}
	return setBool(&cfg.Schedule.FailFast, EnvFailFast)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}
