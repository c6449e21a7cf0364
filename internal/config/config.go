package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSchedule    = "0 */5 * * * *"
	DefaultWindow      = 10 * time.Minute
	DefaultContainer   = "recordings"
	DefaultKeyTemplate = "{date}/{id}-{name}"
	DefaultOpsPort     = 9090
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Graph    GraphConfig    `yaml:"graph"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Storage  StorageConfig  `yaml:"storage"`
	Forward  ForwardConfig  `yaml:"forward"`
	Lock     LockConfig     `yaml:"lock"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | console
}

// GraphConfig names the app registration and the drive being polled.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	SiteID       string `yaml:"site_id"`
	DriveID      string `yaml:"drive_id"`
}

type ScheduleConfig struct {
	Cron         string        `yaml:"cron"`
	Window       time.Duration `yaml:"window"`
	RunOnStartup bool          `yaml:"run_on_startup"`
	FailFast     bool          `yaml:"fail_fast"`
}

type StorageConfig struct {
	Mode        string `yaml:"mode"` // local | s3
	LocalPath   string `yaml:"local_path"`
	Container   string `yaml:"container"`
	KeyTemplate string `yaml:"key_template"`
	MaxAttempts int    `yaml:"max_attempts"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Region    string `yaml:"s3_region"`
}

type ForwardConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// LockConfig selects the run lease backend. An empty RedisAddr means an
// in-process lock.
type LockConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Key           string        `yaml:"key"`
	TTL           time.Duration `yaml:"ttl"`
}

// Load reads an optional YAML file, overlays the environment and fills
// defaults. It does not validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultOpsPort
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "json"
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = DefaultSchedule
	}
	if c.Schedule.Window == 0 {
		c.Schedule.Window = DefaultWindow
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = "local"
	}
	if c.Storage.LocalPath == "" {
		c.Storage.LocalPath = "/tmp/recording-relay"
	}
	if c.Storage.Container == "" {
		c.Storage.Container = DefaultContainer
	}
	if c.Storage.KeyTemplate == "" {
		c.Storage.KeyTemplate = DefaultKeyTemplate
	}
	if c.Storage.MaxAttempts < 1 {
		c.Storage.MaxAttempts = 1
	}
	if c.Storage.S3Region == "" {
		c.Storage.S3Region = "us-east-1"
	}
	if c.Forward.Timeout == 0 {
		c.Forward.Timeout = 60 * time.Second
	}
	if c.Forward.MaxAttempts < 1 {
		c.Forward.MaxAttempts = 1
	}
	if c.Lock.Key == "" {
		c.Lock.Key = "recording-relay:run"
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = 10 * time.Minute
	}
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	missing := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			errs = multierr.Append(errs, fmt.Errorf("config: %s is required", key))
		}
	}

	missing(EnvClientID, c.Graph.ClientID)
	missing(EnvClientSecret, c.Graph.ClientSecret)
	missing(EnvTenantID, c.Graph.TenantID)
	missing(EnvSiteID, c.Graph.SiteID)
	missing(EnvDriveID, c.Graph.DriveID)
	missing(EnvForwardURL, c.Forward.URL)

	if c.Schedule.Window < 0 {
		errs = multierr.Append(errs, fmt.Errorf("config: window must be positive, got %s", c.Schedule.Window))
	}

	switch c.Storage.Mode {
	case "local":
	case "s3":
		missing(EnvS3Endpoint, c.Storage.S3Endpoint)
		missing(EnvS3AccessKey, c.Storage.S3AccessKey)
		missing(EnvS3SecretKey, c.Storage.S3SecretKey)
	default:
		errs = multierr.Append(errs, fmt.Errorf("config: invalid %s %q", EnvStorageMode, c.Storage.Mode))
	}

	return errs
}
