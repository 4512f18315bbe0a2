// Package engine exposes the local database engine to the keeper as a
// capability surface: start/stop, role changes, and replication status. The
// reconciliation loop and the transition engine only ever see this
// interface; the Redis mechanics live in the controller implementation.
package engine

import "context"

// Observation is the per-cycle snapshot of the local engine. It is
// recomputed every cycle, reported to the monitor, and never persisted.
type Observation struct {
	Running           bool
	IsPrimary         bool
	Lag               int64
	SyncState         string
	ConnectedReplicas int
}

// Identity describes the engine instance itself. It changes rarely and is
// kept in the durable state for the diagnostic surface.
type Identity struct {
	Version          string
	Mode             string
	SystemIdentifier string
}

// Controller is the full capability surface the keeper consumes. Each
// operation may fail independently; failures surface as transition action
// failures and are retried by the loop.
type Controller interface {
	IsRunning(ctx context.Context) bool
	Observe(ctx context.Context) (*Observation, error)
	Identity(ctx context.Context) (*Identity, error)

	// HasVisibleReplica confirms, independently of the monitor, that at
	// least one replica is currently attached and streaming. Used by the
	// network partition check as direct proof of non-isolation.
	HasVisibleReplica(ctx context.Context) (bool, error)

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Promote(ctx context.Context) error
	FollowUpstream(ctx context.Context, host string, port int) error
	Rewind(ctx context.Context, host string, port int) error
	PrepareReplication(ctx context.Context) error
	StopReplication(ctx context.Context) error
	BlockWrites(ctx context.Context) error
	AllowWrites(ctx context.Context) error
}
