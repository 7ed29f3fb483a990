package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9090
  path_prefix: "/devflow"
  public_url: "https://deploy.example.com"
  trusted_proxies: ["10.0.0.1", "172.16.0.0/12"]

database:
  path: "/data/test.db"

security:
  encryption_key: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
  max_login_attempts: 3

queue:
  workers: 2
  poll_interval: "250ms"
  stuck_threshold: "10m"

backup:
  default_driver: "s3"
  s3:
    endpoint: "http://localhost:9000"
    bucket: "backups"
    access_key: "minio"
    secret_key: "minio123"
    path_style: true

logging:
  level: "debug"
  format: "console"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host '127.0.0.1', got '%s'", cfg.Server.Host)
	}
	if len(cfg.Server.TrustedProxies) != 2 || cfg.Server.TrustedProxies[1] != "172.16.0.0/12" {
		t.Errorf("unexpected trusted proxies %v", cfg.Server.TrustedProxies)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.PublicURL != "https://deploy.example.com" {
		t.Errorf("unexpected public url %q", cfg.Server.PublicURL)
	}
	if cfg.Queue.Workers != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Queue.Workers)
	}
	if cfg.Queue.GetPollInterval() != 250*time.Millisecond {
		t.Errorf("expected 250ms poll interval, got %v", cfg.Queue.GetPollInterval())
	}
	if cfg.Queue.GetStuckThreshold() != 10*time.Minute {
		t.Errorf("expected 10m stuck threshold, got %v", cfg.Queue.GetStuckThreshold())
	}
	if !cfg.Backup.S3.Configured() {
		t.Error("expected s3 to be configured")
	}
	if cfg.Backup.S3.Region != "us-east-1" {
		t.Errorf("expected default s3 region, got %q", cfg.Backup.S3.Region)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("expected console format, got %q", cfg.Logging.Format)
	}

	key, err := cfg.Security.Key()
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32 byte key, got %d", len(key))
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if len(cfg.Server.TrustedProxies) != 0 {
		t.Errorf("expected no trusted proxies by default, got %v", cfg.Server.TrustedProxies)
	}
	if cfg.Database.Path != "./data/devflow.db" {
		t.Errorf("unexpected default db path %q", cfg.Database.Path)
	}
	if cfg.Execution.DefaultTimeout != 600 {
		t.Errorf("expected default timeout 600, got %d", cfg.Execution.DefaultTimeout)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Backup.DefaultDriver != "local" {
		t.Errorf("expected local backup driver, got %q", cfg.Backup.DefaultDriver)
	}
	if !cfg.Health.IsEnabled() {
		t.Error("expected health scheduler enabled by default")
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("expected metrics enabled by default")
	}
	if cfg.Backup.S3.Configured() {
		t.Error("expected s3 not configured by default")
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Admin.Username != "admin" {
		t.Errorf("expected admin username, got %q", cfg.Admin.Username)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [unclosed")); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestLoad_DisabledFlags(t *testing.T) {
	cfg, err := Load(writeConfig(t, "health:\n  enabled: false\nmetrics:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Health.IsEnabled() {
		t.Error("expected health disabled")
	}
	if cfg.Metrics.IsEnabled() {
		t.Error("expected metrics disabled")
	}
}

func TestSecurityConfig_Key(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"empty", "", true},
		{"not hex", "zz", true},
		{"short", "0123456789abcdef", true},
		{"valid", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := SecurityConfig{EncryptionKey: tt.key}
			_, err := cfg.Key()
			if (err != nil) != tt.wantErr {
				t.Errorf("Key() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationFallbacks(t *testing.T) {
	auth := AuthConfig{SessionDuration: "nope"}
	if auth.GetSessionDuration() != 24*time.Hour {
		t.Errorf("expected 24h fallback, got %v", auth.GetSessionDuration())
	}

	sec := SecurityConfig{LockoutDuration: "30m"}
	if sec.GetLockoutDuration() != 30*time.Minute {
		t.Errorf("expected 30m, got %v", sec.GetLockoutDuration())
	}

	health := HealthConfig{TickInterval: "-1s"}
	if health.GetTickInterval() != time.Minute {
		t.Errorf("expected 1m fallback, got %v", health.GetTickInterval())
	}
}
