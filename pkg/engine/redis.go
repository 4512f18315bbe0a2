package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"
)

// blockedMinReplicas is the min-replicas-to-write value used to fence a
// fenced-but-running engine. No deployment has this many replicas, so every
// write is refused until AllowWrites resets it.
const blockedMinReplicas = "999"

// startupWait bounds how long Start waits for the engine to answer pings
// after spawning the server process.
const startupWait = 30 * time.Second

// RedisOptions configures a RedisController.
type RedisOptions struct {
	Host          string
	Port          int
	Password      string
	TLS           bool
	TLSSkipVerify bool

	// ServerCommand is the command line that starts the local server
	// process, e.g. ["redis-server", "/etc/redis/redis.conf"].
	ServerCommand []string
}

// RedisController implements Controller for a local Redis instance.
type RedisController struct {
	client *redis.Client
	opts   RedisOptions
}

// NewRedisController creates a controller for the local Redis. Unlike a
// plain client it does not require the server to be up at creation time: the
// keeper may well be the one who starts it.
func NewRedisController(opts RedisOptions) *RedisController {
	clientOpts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       0,
	}

	if opts.TLS {
		clientOpts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.TLSSkipVerify,
		}
	}

	return &RedisController{
		client: redis.NewClient(clientOpts),
		opts:   opts,
	}
}

// Close releases the client connection pool.
func (c *RedisController) Close() error {
	return c.client.Close()
}

// IsRunning reports whether the local engine answers pings.
func (c *RedisController) IsRunning(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}

// Observe computes the per-cycle replication snapshot from INFO replication.
func (c *RedisController) Observe(ctx context.Context) (*Observation, error) {
	info, err := c.client.Info(ctx, "replication").Result()
	if err != nil {
		// An unreachable engine is an observation, not an error: the
		// loop reports it to the monitor as engine-not-running.
		return &Observation{Running: false}, nil
	}

	repl, err := parseReplicationInfo(info)
	if err != nil {
		return nil, err
	}

	obs := &Observation{
		Running:           true,
		IsPrimary:         repl.Role == "master",
		ConnectedReplicas: len(repl.Replicas),
	}

	if obs.IsPrimary {
		obs.Lag = primaryLag(repl)
		obs.SyncState = primarySyncState(repl)
	} else {
		obs.Lag = repl.MasterReplOffset - repl.ReplicaReplOffset
		if obs.Lag < 0 {
			obs.Lag = 0
		}
		obs.SyncState = repl.MasterLinkStatus
	}

	return obs, nil
}

// Identity reads the engine instance identity from INFO.
func (c *RedisController) Identity(ctx context.Context) (*Identity, error) {
	server, err := c.client.Info(ctx, "server").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get server info: %w", err)
	}
	repl, err := c.client.Info(ctx, "replication").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get replication info: %w", err)
	}

	fields := parseInfoFields(server)
	replFields := parseInfoFields(repl)

	return &Identity{
		Version:          fields["redis_version"],
		Mode:             fields["redis_mode"],
		SystemIdentifier: replFields["master_replid"],
	}, nil
}

// HasVisibleReplica reports whether at least one replica is attached and in
// the online state right now.
func (c *RedisController) HasVisibleReplica(ctx context.Context) (bool, error) {
	info, err := c.client.Info(ctx, "replication").Result()
	if err != nil {
		return false, fmt.Errorf("failed to get replication info: %w", err)
	}

	repl, err := parseReplicationInfo(info)
	if err != nil {
		return false, err
	}

	for _, replica := range repl.Replicas {
		if replica.State == "online" {
			return true, nil
		}
	}
	return false, nil
}

// Start spawns the configured server command and waits for the engine to
// answer pings. Starting an already-running engine is a no-op.
func (c *RedisController) Start(ctx context.Context) error {
	if c.IsRunning(ctx) {
		return nil
	}
	if len(c.opts.ServerCommand) == 0 {
		return fmt.Errorf("no server command configured")
	}

	klog.InfoS("Starting local engine", "command", strings.Join(c.opts.ServerCommand, " "))

	cmd := exec.Command(c.opts.ServerCommand[0], c.opts.ServerCommand[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start server process: %w", err)
	}
	// The server daemonizes or runs detached under its own supervision;
	// the keeper only tracks it through the client connection.
	go cmd.Wait()

	deadline := time.Now().Add(startupWait)
	for time.Now().Before(deadline) {
		if c.IsRunning(ctx) {
			klog.Info("Local engine is up")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	return fmt.Errorf("engine did not come up within %s", startupWait)
}

// Stop shuts the engine down without a final dump. A dying connection is the
// expected outcome, not a failure.
func (c *RedisController) Stop(ctx context.Context) error {
	if !c.IsRunning(ctx) {
		return nil
	}

	klog.Info("Stopping local engine")

	err := c.client.ShutdownNoSave(ctx).Err()
	if err != nil && c.IsRunning(ctx) {
		return fmt.Errorf("failed to stop engine: %w", err)
	}
	return nil
}

// Restart stops then starts the engine.
func (c *RedisController) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

// Promote detaches the engine from its upstream, making it a primary.
func (c *RedisController) Promote(ctx context.Context) error {
	klog.Info("Promoting local engine to primary")

	if err := c.client.Do(ctx, "REPLICAOF", "NO", "ONE").Err(); err != nil {
		return fmt.Errorf("failed to promote: %w", err)
	}
	return nil
}

// FollowUpstream points the engine at the assigned upstream as a replica.
func (c *RedisController) FollowUpstream(ctx context.Context, host string, port int) error {
	klog.InfoS("Configuring replication", "upstreamHost", host, "upstreamPort", port)

	if c.opts.Password != "" {
		if err := c.client.ConfigSet(ctx, "masterauth", c.opts.Password).Err(); err != nil {
			return fmt.Errorf("failed to set replication auth: %w", err)
		}
	}

	if err := c.client.Do(ctx, "REPLICAOF", host, strconv.Itoa(port)).Err(); err != nil {
		return fmt.Errorf("failed to set upstream: %w", err)
	}
	return nil
}

// Rewind discards divergent local history and rejoins the upstream. Redis
// replicas negotiate this themselves: re-pointing a diverged instance at the
// upstream triggers a full resynchronization that replaces the local
// dataset, which is exactly the rewind semantics the transition needs.
func (c *RedisController) Rewind(ctx context.Context, host string, port int) error {
	klog.InfoS("Rewinding local engine onto upstream", "upstreamHost", host, "upstreamPort", port)
	return c.FollowUpstream(ctx, host, port)
}

// PrepareReplication configures the engine so replicas can attach.
func (c *RedisController) PrepareReplication(ctx context.Context) error {
	if c.opts.Password != "" {
		if err := c.client.ConfigSet(ctx, "masterauth", c.opts.Password).Err(); err != nil {
			return fmt.Errorf("failed to set replication auth: %w", err)
		}
	}
	if err := c.client.ConfigSet(ctx, "repl-diskless-sync", "yes").Err(); err != nil {
		return fmt.Errorf("failed to enable diskless sync: %w", err)
	}
	return nil
}

// StopReplication stops replaying from the upstream while the write fence
// stays in place; the node keeps its data at the point it stopped.
func (c *RedisController) StopReplication(ctx context.Context) error {
	klog.Info("Stopping replication from upstream")

	if err := c.client.Do(ctx, "REPLICAOF", "NO", "ONE").Err(); err != nil {
		return fmt.Errorf("failed to stop replication: %w", err)
	}
	return nil
}

// BlockWrites fences the engine against writes by requiring more replica
// acknowledgements than can ever exist.
func (c *RedisController) BlockWrites(ctx context.Context) error {
	klog.Info("Fencing local engine against writes")

	if err := c.client.ConfigSet(ctx, "min-replicas-to-write", blockedMinReplicas).Err(); err != nil {
		return fmt.Errorf("failed to fence writes: %w", err)
	}
	return nil
}

// AllowWrites removes the write fence.
func (c *RedisController) AllowWrites(ctx context.Context) error {
	if err := c.client.ConfigSet(ctx, "min-replicas-to-write", "0").Err(); err != nil {
		return fmt.Errorf("failed to re-enable writes: %w", err)
	}
	return nil
}

// replicationInfo is the parsed view of INFO replication.
type replicationInfo struct {
	Role              string
	MasterHost        string
	MasterPort        int
	MasterLinkStatus  string
	MasterReplOffset  int64
	ReplicaReplOffset int64
	Replicas          []replicaLine
}

// replicaLine is one slaveN entry from a primary's INFO replication output.
type replicaLine struct {
	IP     string
	Port   int
	State  string
	Offset int64
}

func parseReplicationInfo(info string) (*replicationInfo, error) {
	result := &replicationInfo{}

	for key, value := range parseInfoFields(info) {
		switch {
		case key == "role":
			result.Role = value
		case key == "master_host":
			result.MasterHost = value
		case key == "master_port":
			if port, err := strconv.Atoi(value); err == nil {
				result.MasterPort = port
			}
		case key == "master_link_status":
			result.MasterLinkStatus = value
		case key == "master_repl_offset":
			if offset, err := strconv.ParseInt(value, 10, 64); err == nil {
				result.MasterReplOffset = offset
			}
		case key == "slave_repl_offset":
			if offset, err := strconv.ParseInt(value, 10, 64); err == nil {
				result.ReplicaReplOffset = offset
			}
		case strings.HasPrefix(key, "slave") && strings.Contains(value, "state="):
			result.Replicas = append(result.Replicas, parseReplicaLine(value))
		}
	}

	if result.Role == "" {
		return nil, fmt.Errorf("could not parse role from replication info")
	}

	return result, nil
}

// parseReplicaLine parses "ip=10.0.0.2,port=6379,state=online,offset=1234,lag=0".
func parseReplicaLine(value string) replicaLine {
	line := replicaLine{}
	for _, field := range strings.Split(value, ",") {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "ip":
			line.IP = parts[1]
		case "port":
			if port, err := strconv.Atoi(parts[1]); err == nil {
				line.Port = port
			}
		case "state":
			line.State = parts[1]
		case "offset":
			if offset, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				line.Offset = offset
			}
		}
	}
	return line
}

// parseInfoFields splits a Redis INFO section into key/value pairs.
func parseInfoFields(info string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		fields[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return fields
}

// primaryLag is how far the furthest-behind online replica trails the
// primary's replication offset. Zero when no replica is attached.
func primaryLag(repl *replicationInfo) int64 {
	var lag int64
	for _, replica := range repl.Replicas {
		if replica.State != "online" {
			continue
		}
		if delta := repl.MasterReplOffset - replica.Offset; delta > lag {
			lag = delta
		}
	}
	return lag
}

func primarySyncState(repl *replicationInfo) string {
	online := 0
	for _, replica := range repl.Replicas {
		if replica.State == "online" {
			online++
		}
	}
	if online == 0 {
		return "no_replica"
	}
	return "streaming"
}
