package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err := LoadConfig(path, viper.New())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Pull.Path != "/propagator/pull" {
		t.Errorf("Expected pull path /propagator/pull, got %s", cfg.Pull.Path)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Table != "propagator_requests" {
		t.Errorf("Unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Replication.PollInterval != time.Second {
		t.Errorf("Expected poll interval 1s, got %v", cfg.Replication.PollInterval)
	}
	if cfg.Replication.SkewMargin != time.Second {
		t.Errorf("Expected skew margin 1s, got %v", cfg.Replication.SkewMargin)
	}
	if cfg.Replication.ReconcileInterval != 30*time.Second {
		t.Errorf("Expected reconcile interval 30s, got %v", cfg.Replication.ReconcileInterval)
	}
	if cfg.Replication.MaxResponseBytes != 256<<20 {
		t.Errorf("Expected max response bytes 256MiB, got %d", cfg.Replication.MaxResponseBytes)
	}
	if cfg.Replication.LocalBaseURL != "http://localhost" {
		t.Errorf("Expected local base url http://localhost, got %s", cfg.Replication.LocalBaseURL)
	}
	if cfg.Push.Enable {
		t.Error("Expected push to be disabled by default")
	}
	if cfg.Push.Channel != "propagator.requests" || cfg.Push.Event != "request.recorded" {
		t.Errorf("Unexpected push names: %s %s", cfg.Push.Channel, cfg.Push.Event)
	}
	if cfg.Storage.MaxRecords != 0 || cfg.Storage.Retention != 0 {
		t.Error("Expected pruning to be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadConfigWithFile(t *testing.T) {
	configContent := `
server:
  port: 9999
auth:
  key: node
  secret: basic-secret
  shared_secret: payload-secret
replication:
  mode: push
  poll_interval: 5s
  skew_margin: 2s
  local_base_url: "http://127.0.0.1:9999"
  peers:
    - name: eu
      url: "https://eu.example.com"
    - url: "https://us.example.com"
      key: other
      secret: other-secret
push:
  enable: true
  driver: redis
  redis:
    url: "redis://:hunter2@localhost:6379/1"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(configContent), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path, viper.New())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Replication.Mode != "push" || cfg.Replication.PollInterval != 5*time.Second {
		t.Errorf("Unexpected replication config: %+v", cfg.Replication)
	}
	if len(cfg.Replication.Peers) != 2 {
		t.Fatalf("Expected 2 peers, got %d", len(cfg.Replication.Peers))
	}
	eu := cfg.Replication.Peers[0]
	if eu.Key != "node" || eu.Secret != "basic-secret" {
		t.Errorf("Expected peer credentials to default to auth, got %s/%s", eu.Key, eu.Secret)
	}
	us := cfg.Replication.Peers[1]
	if us.Name != "https://us.example.com" || us.Key != "other" {
		t.Errorf("Unexpected second peer: %+v", us)
	}

	masked := cfg.Masked()
	if masked.Auth.SharedSecret == "payload-secret" || masked.Replication.Peers[1].Secret == "other-secret" {
		t.Error("Expected secrets to be masked")
	}
	if strings.Contains(masked.Push.Redis.URL, "hunter2") {
		t.Errorf("Expected redis password to be masked, got %s", masked.Push.Redis.URL)
	}
	if cfg.Auth.SharedSecret != "payload-secret" {
		t.Error("Masked must not modify the original")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("PROPAGATOR_AUTH_SHARED_SECRET", "from-env")
	t.Setenv("PROPAGATOR_REPLICATION_POLL_INTERVAL", "3s")

	cfg := loadDefaults(t)
	if cfg.Auth.SharedSecret != "from-env" {
		t.Errorf("Expected shared secret from env, got %q", cfg.Auth.SharedSecret)
	}
	if cfg.Replication.PollInterval != 3*time.Second {
		t.Errorf("Expected poll interval 3s from env, got %v", cfg.Replication.PollInterval)
	}
}

func TestLoadConfigZeroSkewMarginUsesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("replication:\n  skew_margin: 0s\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err := LoadConfig(path, viper.New())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Replication.SkewMargin != time.Second {
		t.Errorf("Expected zero skew margin to fall back to 1s, got %v", cfg.Replication.SkewMargin)
	}
}

func TestLoadConfigInvalidFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml", nil)
	if err == nil {
		t.Error("Expected error for missing config file")
	}
	if cfg != nil {
		t.Error("Expected nil config for missing file")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"invalid port", func(c *Config) { c.Server.Port = 70000 }, "invalid port"},
		{"empty server path", func(c *Config) { c.Server.Path = "" }, "server path cannot be empty"},
		{"invalid log level", func(c *Config) { c.Log.Level = "loud" }, "invalid log level"},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage driver must be"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage dsn cannot be empty"},
		{"bad table name", func(c *Config) { c.Storage.Table = "requests; drop" }, "not a valid identifier"},
		{"pull path", func(c *Config) { c.Pull.Path = "pull" }, "pull path must start with '/'"},
		{"replication mode", func(c *Config) { c.Replication.Mode = "stream" }, "replication mode must be"},
		{"negative skew", func(c *Config) { c.Replication.SkewMargin = -time.Second }, "skew margin cannot be negative"},
		{"negative reconcile", func(c *Config) { c.Replication.ReconcileInterval = -time.Second }, "reconcile interval cannot be negative"},
		{"negative response limit", func(c *Config) { c.Replication.MaxResponseBytes = -1 }, "max response bytes cannot be negative"},
		{"empty peer url", func(c *Config) {
			c.Replication.Peers = []PeerConfig{{Name: "a"}}
		}, "peer 1 url cannot be empty"},
		{"bad local base url", func(c *Config) {
			c.Replication.Peers = []PeerConfig{{URL: "http://peer"}}
			c.Replication.LocalBaseURL = "localhost"
		}, "local_base_url"},
		{"push driver", func(c *Config) { c.Push.Driver = "kafka" }, "push driver must be"},
		{"zero max concurrent", func(c *Config) { c.Forward.MaxConcurrent = 0 }, "max concurrent must be at least 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadDefaults(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error, but got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing '%s', but got no error", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestValidateNormalizesDrivers(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Storage.Driver = "PostgreSQL"
	cfg.Storage.DSN = "postgres://localhost/propagator"
	cfg.Replication.Mode = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Expected driver postgres, got %s", cfg.Storage.Driver)
	}
	if cfg.Replication.Mode != "poll" {
		t.Errorf("Expected mode poll, got %s", cfg.Replication.Mode)
	}
}

func TestAddPeerUsesNodeDefaults(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Auth.Key = "node"
	cfg.Auth.Secret = "basic"

	cfg.AddPeer("https://peer.example")
	if len(cfg.Replication.Peers) != 1 {
		t.Fatalf("Expected one peer, got %d", len(cfg.Replication.Peers))
	}
	peer := cfg.Replication.Peers[0]
	if peer.Key != "node" || peer.Secret != "basic" {
		t.Errorf("Expected node credentials, got %q/%q", peer.Key, peer.Secret)
	}
	if peer.Channel != "propagator.requests" || peer.Name != "https://peer.example" {
		t.Errorf("Unexpected peer defaults: %+v", peer)
	}
}
