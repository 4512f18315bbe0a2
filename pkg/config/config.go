// Package config holds the keeper configuration: a TOML file on disk,
// optionally overridden by flags, re-read on SIGHUP with only the
// runtime-mutable subset accepted into the running instance.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"k8s.io/klog/v2"
)

// Config is the keeper's full configuration.
type Config struct {
	// Path is where this configuration was loaded from; reloads re-read
	// the same file.
	Path string

	// Monitor settings.
	MonitorURL     string
	MonitorTimeout time.Duration
	SharedSecret   string

	// Node identity within the cluster.
	Name    string
	GroupID int

	// Local engine connection and process control.
	RedisHost          string
	RedisPort          int
	RedisPassword      string
	RedisTLS           bool
	RedisTLSSkipVerify bool
	ServerCommand      []string

	// Durable file locations.
	StatePath string
	PIDPath   string

	// Diagnostic HTTP server.
	ListenAddr string

	// Loop timing.
	SyncInterval            time.Duration
	NetworkPartitionTimeout time.Duration

	Debug bool
}

// fileConfig mirrors the TOML layout. Durations are strings so operators
// can write "15s" rather than nanosecond counts.
type fileConfig struct {
	MonitorURL     string `toml:"monitor_url"`
	MonitorTimeout string `toml:"monitor_timeout"`
	SharedSecret   string `toml:"shared_secret"`

	Name    string `toml:"name"`
	GroupID int    `toml:"group_id"`

	RedisHost          string   `toml:"redis_host"`
	RedisPort          int      `toml:"redis_port"`
	RedisPassword      string   `toml:"redis_password"`
	RedisTLS           bool     `toml:"redis_tls"`
	RedisTLSSkipVerify bool     `toml:"redis_tls_skip_verify"`
	ServerCommand      []string `toml:"server_command"`

	StatePath string `toml:"state_path"`
	PIDPath   string `toml:"pid_path"`

	ListenAddr string `toml:"listen_addr"`

	SyncInterval            string `toml:"sync_interval"`
	NetworkPartitionTimeout string `toml:"network_partition_timeout"`

	Debug bool `toml:"debug"`
}

// Default returns the built-in defaults, before any file or flag is read.
func Default() *Config {
	return &Config{
		MonitorTimeout:          5 * time.Second,
		RedisHost:               "localhost",
		RedisPort:               6379,
		StatePath:               "/var/lib/redis-keeper/state.json",
		PIDPath:                 "/var/lib/redis-keeper/keeper.pid",
		ListenAddr:              ":8080",
		SyncInterval:            5 * time.Second,
		NetworkPartitionTimeout: 20 * time.Second,
	}
}

// Load reads the TOML file at path over the defaults and validates the
// result. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.Path = path

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if meta.IsDefined("monitor_url") {
		cfg.MonitorURL = strings.TrimRight(raw.MonitorURL, "/")
	}
	if meta.IsDefined("shared_secret") {
		cfg.SharedSecret = raw.SharedSecret
	}
	if meta.IsDefined("name") {
		cfg.Name = raw.Name
	}
	if meta.IsDefined("group_id") {
		cfg.GroupID = raw.GroupID
	}
	if meta.IsDefined("redis_host") {
		cfg.RedisHost = raw.RedisHost
	}
	if meta.IsDefined("redis_port") {
		cfg.RedisPort = raw.RedisPort
	}
	if meta.IsDefined("redis_password") {
		cfg.RedisPassword = raw.RedisPassword
	}
	if meta.IsDefined("redis_tls") {
		cfg.RedisTLS = raw.RedisTLS
	}
	if meta.IsDefined("redis_tls_skip_verify") {
		cfg.RedisTLSSkipVerify = raw.RedisTLSSkipVerify
	}
	if meta.IsDefined("server_command") {
		cfg.ServerCommand = raw.ServerCommand
	}
	if meta.IsDefined("state_path") {
		cfg.StatePath = raw.StatePath
	}
	if meta.IsDefined("pid_path") {
		cfg.PIDPath = raw.PIDPath
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = raw.ListenAddr
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}

	for _, d := range []struct {
		defined bool
		value   string
		field   string
		dst     *time.Duration
	}{
		{meta.IsDefined("monitor_timeout"), raw.MonitorTimeout, "monitor_timeout", &cfg.MonitorTimeout},
		{meta.IsDefined("sync_interval"), raw.SyncInterval, "sync_interval", &cfg.SyncInterval},
		{meta.IsDefined("network_partition_timeout"), raw.NetworkPartitionTimeout, "network_partition_timeout", &cfg.NetworkPartitionTimeout},
	} {
		if !d.defined {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", d.field, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the keeper cannot safely run with.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if c.MonitorURL == "" {
		return fmt.Errorf("monitor_url is required")
	}
	if c.StatePath == "" {
		return fmt.Errorf("state_path is required")
	}
	if c.PIDPath == "" {
		return fmt.Errorf("pid_path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.NetworkPartitionTimeout <= 0 {
		return fmt.Errorf("network_partition_timeout must be positive")
	}
	return nil
}

// AcceptNew merges the runtime-mutable fields of next into c. Identity
// fields may not change at runtime: a reload that renames the node, moves
// its durable files, or points at a different local engine is rejected
// wholesale and the old configuration stays in effect.
func (c *Config) AcceptNew(next *Config) error {
	switch {
	case next.StatePath != c.StatePath:
		return fmt.Errorf("state_path may not change at runtime (%s to %s)",
			c.StatePath, next.StatePath)
	case next.PIDPath != c.PIDPath:
		return fmt.Errorf("pid_path may not change at runtime (%s to %s)",
			c.PIDPath, next.PIDPath)
	case next.Name != c.Name:
		return fmt.Errorf("node name may not change at runtime (%s to %s)",
			c.Name, next.Name)
	case next.GroupID != c.GroupID:
		return fmt.Errorf("group_id may not change at runtime (%d to %d)",
			c.GroupID, next.GroupID)
	case next.RedisHost != c.RedisHost || next.RedisPort != c.RedisPort:
		return fmt.Errorf("local engine address may not change at runtime")
	}

	if next.MonitorURL != c.MonitorURL {
		klog.InfoS("Monitor URL changed", "old", c.MonitorURL, "new", next.MonitorURL)
		c.MonitorURL = next.MonitorURL
	}
	if next.SyncInterval != c.SyncInterval {
		klog.InfoS("Sync interval changed", "old", c.SyncInterval, "new", next.SyncInterval)
		c.SyncInterval = next.SyncInterval
	}
	if next.NetworkPartitionTimeout != c.NetworkPartitionTimeout {
		klog.InfoS("Network partition timeout changed",
			"old", c.NetworkPartitionTimeout, "new", next.NetworkPartitionTimeout)
		c.NetworkPartitionTimeout = next.NetworkPartitionTimeout
	}
	if next.MonitorTimeout != c.MonitorTimeout {
		c.MonitorTimeout = next.MonitorTimeout
	}
	if next.SharedSecret != c.SharedSecret {
		klog.Info("Shared secret changed")
		c.SharedSecret = next.SharedSecret
	}
	if next.Debug != c.Debug {
		c.Debug = next.Debug
	}

	return nil
}
