// Package keeper implements the per-node reconciliation loop: it keeps the
// local engine's replication role converged with the role the monitor
// assigns, and demotes itself when it cannot prove it is not partitioned
// away from the rest of the cluster.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sindef/redis-keeper/pkg/auth"
	"github.com/sindef/redis-keeper/pkg/config"
	"github.com/sindef/redis-keeper/pkg/engine"
	"github.com/sindef/redis-keeper/pkg/fsm"
	"github.com/sindef/redis-keeper/pkg/monitor"
	"github.com/sindef/redis-keeper/pkg/state"
	"k8s.io/klog/v2"
)

// Keeper wires the reconciliation loop's collaborators together. One keeper
// runs per node; within it there is exactly one loop and one cycle at a
// time, so node state is never read and acted on concurrently.
type Keeper struct {
	cfg           *config.Config
	monitor       monitor.Client
	controller    engine.Controller
	fsmEngine     *fsm.Engine
	authenticator *auth.Authenticator

	// newMonitorClient rebuilds the monitor client after a reload changed
	// the monitor URL or shared secret.
	newMonitorClient func(*config.Config) monitor.Client

	// upstream is the last upstream the monitor handed out; follower
	// transitions need it even on cycles where the monitor is gone.
	upstream fsm.Upstream

	now func() time.Time
}

// New creates a keeper with the default HTTP monitor client. The
// authenticator is shared with the diagnostic server so a reloaded shared
// secret rotates both surfaces together.
func New(cfg *config.Config, controller engine.Controller, authenticator *auth.Authenticator) *Keeper {
	factory := func(cfg *config.Config) monitor.Client {
		return monitor.NewHTTPClient(cfg.MonitorURL, authenticator, cfg.MonitorTimeout)
	}

	return &Keeper{
		cfg:              cfg,
		monitor:          factory(cfg),
		controller:       controller,
		fsmEngine:        fsm.NewEngine(controller),
		authenticator:    authenticator,
		newMonitorClient: factory,
		now:              time.Now,
	}
}

// Init makes sure the node has a durable state record, registering with the
// monitor on first boot. It runs once, before the loop's first cycle.
func (k *Keeper) Init(ctx context.Context) error {
	st, err := state.Load(k.cfg.StatePath)
	if err == nil {
		klog.InfoS("Loaded existing node state",
			"node", st.Name,
			"nodeID", st.NodeID,
			"groupID", st.GroupID,
			"currentRole", st.CurrentRole,
			"assignedRole", st.AssignedRole)
		return nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("failed to load node state: %w", err)
	}

	klog.InfoS("No state file found, registering node with the monitor",
		"node", k.cfg.Name, "monitor", k.cfg.MonitorURL)

	registration, err := k.monitor.Register(ctx, monitor.Report{
		Name:        k.cfg.Name,
		GroupID:     k.cfg.GroupID,
		CurrentRole: fsm.RoleInit,
	})
	if err != nil {
		return fmt.Errorf("failed to register with the monitor: %w", err)
	}

	st = state.New(registration.NodeID, registration.GroupID, k.cfg.Name)
	st.AssignedRole = registration.AssignedRole
	k.refreshEngineIdentity(ctx, st)

	if err := state.Store(k.cfg.StatePath, st); err != nil {
		return fmt.Errorf("failed to store initial node state: %w", err)
	}

	klog.InfoS("Node registered",
		"nodeID", st.NodeID,
		"groupID", st.GroupID,
		"assignedRole", st.AssignedRole)
	return nil
}

// refreshEngineIdentity fills the engine identity fields when the engine is
// reachable; an unreachable engine keeps the previous values.
func (k *Keeper) refreshEngineIdentity(ctx context.Context, st *state.NodeState) {
	identity, err := k.controller.Identity(ctx)
	if err != nil {
		klog.V(2).InfoS("Could not read engine identity", "error", err)
		return
	}
	if identity.Version != "" {
		st.EngineVersion = identity.Version
	}
	if identity.Mode != "" {
		st.ReplicationVersion = identity.Mode
	}
	if identity.SystemIdentifier != "" {
		st.SystemIdentifier = identity.SystemIdentifier
	}
}

// reloadConfiguration re-reads the config file and merges the accepted
// fields into the running configuration. A rejected or unreadable file
// leaves the old configuration in effect.
func (k *Keeper) reloadConfiguration() {
	next, err := config.Load(k.cfg.Path)
	if err != nil {
		klog.ErrorS(err, "Failed to reload configuration, continuing with the current one",
			"path", k.cfg.Path)
		return
	}

	if err := k.cfg.AcceptNew(next); err != nil {
		klog.ErrorS(err, "Rejecting reloaded configuration, continuing with the current one",
			"path", k.cfg.Path)
		return
	}

	k.authenticator.SetSecret(k.cfg.SharedSecret)
	k.monitor = k.newMonitorClient(k.cfg)
	klog.InfoS("Reloaded configuration", "path", k.cfg.Path)
}

// ensureCurrentRole is the enforcement safety net: on cycles where the
// monitor was reachable it re-asserts the local conditions of the current
// role even when no transition is pending. Gating on monitor reachability
// prevents restarting an engine at boot while the monitor has meanwhile
// demoted us.
func (k *Keeper) ensureCurrentRole(ctx context.Context, st *state.NodeState, obs *engine.Observation) error {
	switch st.CurrentRole {
	case fsm.RolePrimary, fsm.RoleWaitPrimary, fsm.RoleSingle:
		if !obs.Running {
			klog.Warningf("Engine should be running in role %q but is not, starting it",
				st.CurrentRole)
			return k.controller.Start(ctx)
		}

	case fsm.RoleSecondary, fsm.RoleCatchingUp:
		if !obs.Running {
			klog.Warningf("Engine should be replicating in role %q but is not running, starting it",
				st.CurrentRole)
			if err := k.controller.Start(ctx); err != nil {
				return err
			}
			if !k.upstream.IsZero() {
				return k.controller.FollowUpstream(ctx, k.upstream.Host, k.upstream.Port)
			}
		}

	case fsm.RoleDemoted, fsm.RoleDemoteTimeout:
		if obs.Running {
			klog.Warningf("Engine is running but this node is demoted (%q), stopping it",
				st.CurrentRole)
			return k.controller.Stop(ctx)
		}
	}

	return nil
}
