package fsm

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
)

// LocalEngine is the capability surface a transition needs from the local
// database engine. It is satisfied by engine.Controller; tests plug in
// fakes. Every method may fail independently and must be idempotent, since a
// failed transition is retried from its first action on the next cycle.
type LocalEngine interface {
	IsRunning(ctx context.Context) bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Promote(ctx context.Context) error
	FollowUpstream(ctx context.Context, host string, port int) error
	Rewind(ctx context.Context, host string, port int) error
	PrepareReplication(ctx context.Context) error
	StopReplication(ctx context.Context) error
	BlockWrites(ctx context.Context) error
	AllowWrites(ctx context.Context) error
}

// Upstream identifies the node a follower transition replicates from. The
// monitor hands it out together with the assigned role.
type Upstream struct {
	Host string
	Port int
}

// IsZero reports whether no upstream has been assigned yet.
func (u Upstream) IsZero() bool {
	return u.Host == "" && u.Port == 0
}

// Engine executes role transitions against a LocalEngine.
type Engine struct {
	local LocalEngine
}

func NewEngine(local LocalEngine) *Engine {
	return &Engine{local: local}
}

// Reach runs the transition from current to assigned, strictly in order.
// The first failing action aborts the remaining ones and the caller keeps
// its current role; the outer loop retries the whole transition on its next
// cycle. Reach returning nil means every action succeeded and the caller may
// commit assigned as its new current role.
func (e *Engine) Reach(ctx context.Context, current, assigned Role, upstream Upstream) error {
	acts, err := Between(current, assigned)
	if err != nil {
		return err
	}

	for i, action := range acts {
		klog.V(2).InfoS("Applying transition action",
			"current", current,
			"assigned", assigned,
			"step", fmt.Sprintf("%d/%d", i+1, len(acts)),
			"action", action)

		if err := e.apply(ctx, action, upstream); err != nil {
			return fmt.Errorf("transition %s to %s: action %d/%d (%s): %w",
				current, assigned, i+1, len(acts), action, err)
		}
	}

	return nil
}

func (e *Engine) apply(ctx context.Context, action Action, upstream Upstream) error {
	switch action.Kind {
	case ActionEnsureRunning:
		if e.local.IsRunning(ctx) {
			return nil
		}
		return e.local.Start(ctx)

	case ActionEnsureStopped:
		if !e.local.IsRunning(ctx) {
			return nil
		}
		return e.local.Stop(ctx)

	case ActionAllowWrites:
		return e.local.AllowWrites(ctx)

	case ActionBlockWrites:
		// A stopped engine accepts no writes: nothing to fence.
		if !e.local.IsRunning(ctx) {
			return nil
		}
		return e.local.BlockWrites(ctx)

	case ActionPromote:
		return e.local.Promote(ctx)

	case ActionFollowUpstream:
		if upstream.IsZero() {
			return fmt.Errorf("no upstream assigned")
		}
		return e.local.FollowUpstream(ctx, upstream.Host, upstream.Port)

	case ActionRewind:
		if upstream.IsZero() {
			return fmt.Errorf("no upstream assigned")
		}
		return e.local.Rewind(ctx, upstream.Host, upstream.Port)

	case ActionPrepareReplication:
		return e.local.PrepareReplication(ctx)

	case ActionStopReplication:
		return e.local.StopReplication(ctx)
	}

	return fmt.Errorf("unknown action kind %q", action.Kind)
}
