package keeper

import (
	"context"
	"errors"
	"time"

	"github.com/sindef/redis-keeper/pkg/engine"
	"github.com/sindef/redis-keeper/pkg/fsm"
	"github.com/sindef/redis-keeper/pkg/metrics"
	"github.com/sindef/redis-keeper/pkg/monitor"
	"github.com/sindef/redis-keeper/pkg/state"
	"k8s.io/klog/v2"
)

// Run is the reconciliation loop. Each cycle re-reads the durable state,
// observes the local engine, reports to the monitor, converges the current
// role to the assigned one, and persists. It exits cleanly on a stop
// request; the only error it ever returns is state.ErrOwnershipLost, which
// the supervisor maps to a distinct exit code.
//
// Re-reading the state file every cycle instead of trusting memory is
// deliberate: if storing the state after a transition fails, the monitor
// must not be told the transition happened, and the next cycle naturally
// retries from the last durable image.
func (k *Keeper) Run(ctx context.Context, tok *Token, ownPID int) error {
	klog.InfoS("Keeper service is starting",
		"node", k.cfg.Name,
		"syncInterval", k.cfg.SyncInterval,
		"partitionTimeout", k.cfg.NetworkPartitionTimeout)

	doSleep := false

	for {
		if tok.TakeReload() {
			k.reloadConfiguration()
		}

		if tok.StopRequested() || ctx.Err() != nil {
			klog.Info("Keeper service stopping")
			return nil
		}

		// Skipped on the cycle right after a successful role change, to
		// converge faster when the monitor is walking us through a
		// multi-step failover.
		if doSleep {
			if !k.sleep(ctx, tok) {
				klog.Info("Keeper service stopping")
				return nil
			}
		}
		doSleep = true

		// Ownership comes before anything else: if another instance took
		// over this node, acting on the state file would mean two keepers
		// fighting over the same engine.
		if err := state.VerifyPIDFile(k.cfg.PIDPath, ownPID); err != nil {
			klog.ErrorS(err, "Ownership marker no longer names this process, terminating")
			return err
		}

		if tok.FastStopRequested() {
			return nil
		}

		st, err := state.Load(k.cfg.StatePath)
		if err != nil {
			klog.ErrorS(err, "Failed to read keeper state file, retrying...")
			metrics.Cycles.Inc()
			continue
		}

		obs, err := k.controller.Observe(ctx)
		if err != nil {
			klog.ErrorS(err, "Failed to observe the local engine")
			obs = &engine.Observation{}
		}
		if obs.Running {
			k.refreshEngineIdentity(ctx, st)
			metrics.EngineRunning.Set(1)
		} else {
			metrics.EngineRunning.Set(0)
		}

		now := k.now()

		// A replica we can see is direct proof of non-isolation; record
		// it whenever we have it, not only when the monitor is gone.
		if obs.ConnectedReplicas > 0 {
			st.TouchReplicaContact(now)
		}

		// One summary line per cycle, whatever happens, so operators keep
		// a liveness signal through sustained failure.
		klog.InfoS("Reporting node state to the monitor",
			"node", st.Name,
			"nodeID", st.NodeID,
			"groupID", st.GroupID,
			"currentRole", st.CurrentRole,
			"engineRunning", obs.Running,
			"syncState", obs.SyncState,
			"lag", obs.Lag)

		assignment, err := k.monitor.NodeActive(ctx, monitor.Report{
			Name:          st.Name,
			NodeID:        st.NodeID,
			GroupID:       st.GroupID,
			CurrentRole:   st.CurrentRole,
			EngineRunning: obs.Running,
			Lag:           obs.Lag,
			SyncState:     obs.SyncState,
		})

		couldContactMonitor := err == nil
		if couldContactMonitor {
			st.TouchMonitorContact(now)
			st.AssignedRole = assignment.Role
			if assignment.UpstreamHost != "" {
				k.upstream = fsm.Upstream{
					Host: assignment.UpstreamHost,
					Port: assignment.UpstreamPort,
				}
			}
			metrics.LastMonitorContact.Set(float64(st.LastMonitorContact))
		} else {
			klog.ErrorS(err, "Failed to get the assigned role from the monitor")
			metrics.MonitorFailures.Inc()

			if st.CurrentRole.IsWriteAccepting() {
				klog.Warning("Checking for network partitions...")

				if !k.isNetworkHealthy(ctx, st, now) {
					// We cannot prove we are not isolated: relinquish
					// write authority on our own clock rather than wait
					// for a confirmation that may never come.
					st.AssignedRole = fsm.DemotionRole()
					metrics.PartitionSuspicions.Inc()
				}
			}
		}

		if tok.FastStopRequested() {
			return nil
		}

		if couldContactMonitor {
			if err := k.ensureCurrentRole(ctx, st, obs); err != nil {
				klog.ErrorS(err, "Failed to enforce the current role's local conditions",
					"currentRole", st.CurrentRole)
			}
		}

		if tok.FastStopRequested() {
			return nil
		}

		needStateChange := false
		transitionFailed := false

		if st.AssignedRole != st.CurrentRole {
			needStateChange = true

			if err := k.fsmEngine.Reach(ctx, st.CurrentRole, st.AssignedRole, k.upstream); err != nil {
				klog.ErrorS(err, "Failed to transition, retrying...",
					"currentRole", st.CurrentRole,
					"assignedRole", st.AssignedRole)
				transitionFailed = true
				metrics.Transitions.WithLabelValues("failure").Inc()
			} else {
				// Commit only after the last action succeeded; the
				// durable commit is the Store below.
				st.CurrentRole = st.AssignedRole
				metrics.Transitions.WithLabelValues("success").Inc()
				klog.InfoS("Transition complete", "currentRole", st.CurrentRole)
			}
		}

		// Persist unconditionally: the contact timestamps feeding the
		// partition check must advance even when no role changed. A
		// failed store downgrades any transition that just ran to
		// unconfirmed; the next cycle reloads the previous image and
		// retries.
		if err := state.Store(k.cfg.StatePath, st); err != nil {
			klog.ErrorS(err, "Failed to store the keeper state file")
			transitionFailed = true
		}

		metrics.Cycles.Inc()

		if needStateChange && !transitionFailed {
			doSleep = false
		}
	}
}

// sleep waits one sync interval, returning false when a stop interrupted
// the wait.
func (k *Keeper) sleep(ctx context.Context, tok *Token) bool {
	timer := time.NewTimer(k.cfg.SyncInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-tok.Done():
		return false
	case <-timer.C:
		return true
	}
}

// IsOwnershipLost reports whether err is the fatal loss-of-ownership
// condition, the only error that terminates the keeper.
func IsOwnershipLost(err error) bool {
	return errors.Is(err, state.ErrOwnershipLost)
}
