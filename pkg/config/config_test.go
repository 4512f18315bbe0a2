package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keeper.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
name = "node-1"
monitor_url = "http://monitor.test:8080/"
group_id = 2
redis_port = 6380
sync_interval = "2s"
network_partition_timeout = "45s"
shared_secret = "s3cret"
server_command = ["redis-server", "/etc/redis/redis.conf"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Name != "node-1" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.MonitorURL != "http://monitor.test:8080" {
		t.Errorf("trailing slash not trimmed: %q", cfg.MonitorURL)
	}
	if cfg.GroupID != 2 {
		t.Errorf("group id = %d", cfg.GroupID)
	}
	if cfg.RedisPort != 6380 {
		t.Errorf("redis port = %d", cfg.RedisPort)
	}
	if cfg.SyncInterval != 2*time.Second {
		t.Errorf("sync interval = %s", cfg.SyncInterval)
	}
	if cfg.NetworkPartitionTimeout != 45*time.Second {
		t.Errorf("partition timeout = %s", cfg.NetworkPartitionTimeout)
	}
	if len(cfg.ServerCommand) != 2 || cfg.ServerCommand[0] != "redis-server" {
		t.Errorf("server command = %v", cfg.ServerCommand)
	}

	// Fields absent from the file keep their defaults.
	if cfg.RedisHost != "localhost" {
		t.Errorf("redis host default lost: %q", cfg.RedisHost)
	}
	if cfg.MonitorTimeout != 5*time.Second {
		t.Errorf("monitor timeout default lost: %s", cfg.MonitorTimeout)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen addr default lost: %q", cfg.ListenAddr)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
name = "node-1"
monitor_url = "http://monitor.test:8080"
sync_interval = "five seconds"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Name = "node-1"
		cfg.MonitorURL = "http://monitor.test:8080"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"complete", func(c *Config) {}, true},
		{"missing name", func(c *Config) { c.Name = "" }, false},
		{"missing monitor url", func(c *Config) { c.MonitorURL = "" }, false},
		{"missing state path", func(c *Config) { c.StatePath = "" }, false},
		{"missing pid path", func(c *Config) { c.PIDPath = "" }, false},
		{"zero sync interval", func(c *Config) { c.SyncInterval = 0 }, false},
		{"negative partition timeout", func(c *Config) { c.NetworkPartitionTimeout = -time.Second }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestAcceptNewMergesRuntimeMutableFields(t *testing.T) {
	cfg := Default()
	cfg.Name = "node-1"
	cfg.MonitorURL = "http://old.test:8080"

	next := *cfg
	next.MonitorURL = "http://new.test:8080"
	next.SyncInterval = 10 * time.Second
	next.NetworkPartitionTimeout = 60 * time.Second
	next.SharedSecret = "rotated"
	next.Debug = true

	if err := cfg.AcceptNew(&next); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if cfg.MonitorURL != "http://new.test:8080" {
		t.Errorf("monitor url not merged: %q", cfg.MonitorURL)
	}
	if cfg.SyncInterval != 10*time.Second {
		t.Errorf("sync interval not merged: %s", cfg.SyncInterval)
	}
	if cfg.NetworkPartitionTimeout != 60*time.Second {
		t.Errorf("partition timeout not merged: %s", cfg.NetworkPartitionTimeout)
	}
	if cfg.SharedSecret != "rotated" {
		t.Error("shared secret not merged")
	}
	if !cfg.Debug {
		t.Error("debug flag not merged")
	}
}

func TestAcceptNewRejectsIdentityChanges(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Name = "node-1"
		cfg.MonitorURL = "http://monitor.test:8080"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"state path", func(c *Config) { c.StatePath = "/elsewhere/state.json" }},
		{"pid path", func(c *Config) { c.PIDPath = "/elsewhere/keeper.pid" }},
		{"node name", func(c *Config) { c.Name = "node-2" }},
		{"group id", func(c *Config) { c.GroupID = 9 }},
		{"redis host", func(c *Config) { c.RedisHost = "other-host" }},
		{"redis port", func(c *Config) { c.RedisPort = 6380 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			next := *base()
			tt.mutate(&next)

			if err := cfg.AcceptNew(&next); err == nil {
				t.Error("expected the reload to be rejected")
			}
			// The old configuration stays fully in effect.
			if !reflect.DeepEqual(cfg, base()) {
				t.Errorf("rejected reload still mutated the config: %+v", cfg)
			}
		})
	}
}
