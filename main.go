package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/sindef/redis-keeper/pkg/auth"
	"github.com/sindef/redis-keeper/pkg/config"
	"github.com/sindef/redis-keeper/pkg/engine"
	"github.com/sindef/redis-keeper/pkg/httpd"
	"github.com/sindef/redis-keeper/pkg/keeper"
	"github.com/sindef/redis-keeper/pkg/supervisor"
	"k8s.io/klog/v2"
)

var (
	version = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var monitorURL string
	var nodeName string
	var syncInterval time.Duration
	var partitionTimeout time.Duration
	var debug bool

	flag.StringVar(&configPath, "config", "/etc/redis-keeper/keeper.toml", "Path to the keeper configuration file")
	flag.StringVar(&monitorURL, "monitor", "", "Monitor base URL (overrides the config file)")
	flag.StringVar(&nodeName, "name", "", "Node name (overrides the config file)")
	flag.DurationVar(&syncInterval, "sync-interval", 0, "Interval between reconciliation cycles (overrides the config file)")
	flag.DurationVar(&partitionTimeout, "network-partition-timeout", 0, "Lost-contact duration after which a primary demotes itself (overrides the config file)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging (use --debug=true)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}

	// Flag overrides on top of the file.
	if monitorURL != "" {
		cfg.MonitorURL = monitorURL
	}
	if nodeName != "" {
		cfg.Name = nodeName
	}
	if syncInterval > 0 {
		cfg.SyncInterval = syncInterval
	}
	if partitionTimeout > 0 {
		cfg.NetworkPartitionTimeout = partitionTimeout
	}
	if debug {
		cfg.Debug = true
	}

	// Secrets fall back to the environment so they can stay out of the
	// config file.
	if envPass := os.Getenv("REDIS_PASSWORD"); envPass != "" && cfg.RedisPassword == "" {
		cfg.RedisPassword = envPass
	}
	if envSecret := os.Getenv("KEEPER_SHARED_SECRET"); envSecret != "" && cfg.SharedSecret == "" {
		cfg.SharedSecret = envSecret
	}

	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}

	klog.InfoS("Starting redis-keeper",
		"version", version,
		"node", cfg.Name,
		"groupID", cfg.GroupID,
		"monitor", cfg.MonitorURL,
		"statePath", cfg.StatePath)

	controller := engine.NewRedisController(engine.RedisOptions{
		Host:          cfg.RedisHost,
		Port:          cfg.RedisPort,
		Password:      cfg.RedisPassword,
		TLS:           cfg.RedisTLS,
		TLSSkipVerify: cfg.RedisTLSSkipVerify,
		ServerCommand: cfg.ServerCommand,
	})
	defer controller.Close()

	authenticator := auth.New(cfg.SharedSecret)
	k := keeper.New(cfg, controller, authenticator)
	h := httpd.New(cfg, version, authenticator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return supervisor.New(cfg, k, h).Run(ctx)
}
