// Package config loads the YAML configuration file and fills in defaults.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Admin         AdminConfig         `yaml:"admin"`
	Security      SecurityConfig      `yaml:"security"`
	Logging       LoggingConfig       `yaml:"logging"`
	Queue         QueueConfig         `yaml:"queue"`
	Backup        BackupConfig        `yaml:"backup"`
	Health        HealthConfig        `yaml:"health"`
	Webhooks      WebhooksConfig      `yaml:"webhooks"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	PathPrefix   string `yaml:"path_prefix"`
	SecureCookie bool   `yaml:"secure_cookie"`
	PublicURL    string `yaml:"public_url"`
	// TrustedProxies lists the proxy addresses or CIDRs whose
	// X-Forwarded-For is believed. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	SessionDuration string `yaml:"session_duration"`
	BcryptCost      int    `yaml:"bcrypt_cost"`
}

type ExecutionConfig struct {
	DefaultTimeout int    `yaml:"default_timeout"`
	MaxTimeout     int    `yaml:"max_timeout"`
	MaxOutputSize  int    `yaml:"max_output_size"`
	ProjectsPath   string `yaml:"projects_path"`
}

type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SecurityConfig holds the at-rest encryption key and login lockout policy.
type SecurityConfig struct {
	EncryptionKey    string `yaml:"encryption_key"`
	MaxLoginAttempts int    `yaml:"max_login_attempts"`
	LockoutDuration  string `yaml:"lockout_duration"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type QueueConfig struct {
	Workers        int    `yaml:"workers"`
	PollInterval   string `yaml:"poll_interval"`
	MaxAttempts    int    `yaml:"max_attempts"`
	RetryBackoff   string `yaml:"retry_backoff"`
	StuckThreshold string `yaml:"stuck_threshold"`
}

type BackupConfig struct {
	LocalPath     string   `yaml:"local_path"`
	DefaultDriver string   `yaml:"default_driver"`
	LockPath      string   `yaml:"lock_path"`
	S3            S3Config `yaml:"s3"`
}

// S3Config describes an S3 compatible bucket. Endpoint may point at MinIO or Ceph RGW.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// Configured reports whether enough is set to talk to a bucket.
func (s S3Config) Configured() bool {
	return s.Bucket != "" && s.AccessKey != "" && s.SecretKey != ""
}

type HealthConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	TickInterval   string `yaml:"tick_interval"`
	DefaultTimeout int    `yaml:"default_timeout"`
	Concurrency    int    `yaml:"concurrency"`
}

type WebhooksConfig struct {
	GitHubToken          string `yaml:"github_token"`
	GitLabToken          string `yaml:"gitlab_token"`
	GitLabURL            string `yaml:"gitlab_url"`
	BitbucketUsername    string `yaml:"bitbucket_username"`
	BitbucketAppPassword string `yaml:"bitbucket_app_password"`
}

type MetricsConfig struct {
	Enabled            *bool  `yaml:"enabled"`
	CollectionInterval string `yaml:"collection_interval"`
	RetentionDays      int    `yaml:"retention_days"`
	// ListenAddr, when set, serves /metrics on its own port instead of the API router.
	ListenAddr string `yaml:"listen_addr"`
}

type NotificationsConfig struct {
	Timeout string `yaml:"timeout"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (c *AuthConfig) GetSessionDuration() time.Duration {
	return parseDuration(c.SessionDuration, 24*time.Hour)
}

func (c *SecurityConfig) GetLockoutDuration() time.Duration {
	return parseDuration(c.LockoutDuration, 15*time.Minute)
}

// Key decodes the hex encryption key. It must be 32 bytes.
func (c *SecurityConfig) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, errors.New("security.encryption_key is not set")
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key (must be 64 hex chars): %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key length: expected 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *QueueConfig) GetPollInterval() time.Duration {
	return parseDuration(c.PollInterval, time.Second)
}

func (c *QueueConfig) GetRetryBackoff() time.Duration {
	return parseDuration(c.RetryBackoff, 10*time.Second)
}

func (c *QueueConfig) GetStuckThreshold() time.Duration {
	return parseDuration(c.StuckThreshold, 30*time.Minute)
}

func (c *HealthConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *HealthConfig) GetTickInterval() time.Duration {
	return parseDuration(c.TickInterval, time.Minute)
}

func (c *MetricsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *MetricsConfig) GetCollectionInterval() time.Duration {
	return parseDuration(c.CollectionInterval, 30*time.Second)
}

func (c *NotificationsConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

// Load reads path and applies defaults. An empty path yields a default config.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	setDefaults(&cfg)

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.PathPrefix == "/" {
		cfg.Server.PathPrefix = ""
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/devflow.db"
	}
	if cfg.Auth.SessionDuration == "" {
		cfg.Auth.SessionDuration = "24h"
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = 12
	}
	if cfg.Execution.DefaultTimeout == 0 {
		cfg.Execution.DefaultTimeout = 600
	}
	if cfg.Execution.MaxTimeout == 0 {
		cfg.Execution.MaxTimeout = 3600
	}
	if cfg.Execution.MaxOutputSize == 0 {
		cfg.Execution.MaxOutputSize = 10485760
	}
	if cfg.Execution.ProjectsPath == "" {
		cfg.Execution.ProjectsPath = "/var/www"
	}
	if cfg.Admin.Username == "" {
		cfg.Admin.Username = "admin"
	}
	if cfg.Admin.Password == "" {
		cfg.Admin.Password = "changeme"
	}
	if cfg.Security.MaxLoginAttempts == 0 {
		cfg.Security.MaxLoginAttempts = 5
	}
	if cfg.Security.LockoutDuration == "" {
		cfg.Security.LockoutDuration = "15m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.PollInterval == "" {
		cfg.Queue.PollInterval = "1s"
	}
	if cfg.Queue.RetryBackoff == "" {
		cfg.Queue.RetryBackoff = "10s"
	}
	if cfg.Queue.StuckThreshold == "" {
		cfg.Queue.StuckThreshold = "30m"
	}
	if cfg.Backup.LocalPath == "" {
		cfg.Backup.LocalPath = "./data/backups"
	}
	if cfg.Backup.DefaultDriver == "" {
		cfg.Backup.DefaultDriver = "local"
	}
	if cfg.Backup.LockPath == "" {
		cfg.Backup.LockPath = "./data/backup.lock"
	}
	if cfg.Backup.S3.Region == "" {
		cfg.Backup.S3.Region = "us-east-1"
	}
	if cfg.Health.TickInterval == "" {
		cfg.Health.TickInterval = "1m"
	}
	if cfg.Health.DefaultTimeout == 0 {
		cfg.Health.DefaultTimeout = 30
	}
	if cfg.Health.Concurrency == 0 {
		cfg.Health.Concurrency = 8
	}
	if cfg.Webhooks.GitLabURL == "" {
		cfg.Webhooks.GitLabURL = "https://gitlab.com"
	}
	if cfg.Metrics.CollectionInterval == "" {
		cfg.Metrics.CollectionInterval = "30s"
	}
	if cfg.Metrics.RetentionDays == 0 {
		cfg.Metrics.RetentionDays = 7
	}
	if cfg.Notifications.Timeout == "" {
		cfg.Notifications.Timeout = "10s"
	}
}
