package keeper

import (
	"context"
	"time"

	"github.com/sindef/redis-keeper/pkg/state"
	"k8s.io/klog/v2"
)

// isNetworkHealthy decides whether a node that lost the monitor must assume
// it is in a network partition. Only a write-accepting node risks causing
// split-brain, so every other role is healthy by definition. A replica we
// can see right now is direct proof of non-isolation, regardless of how
// stale the monitor contact is. Otherwise the node is suspect only when
// both contact channels have been silent for longer than the configured
// timeout; requiring both avoids false positives from either signal
// flapping on its own.
//
// On the other side of the partition the monitor and the replica may
// proceed with a failover once the same timeout has passed, which is why a
// suspect node must relinquish write authority on its own clock.
func (k *Keeper) isNetworkHealthy(ctx context.Context, st *state.NodeState, now time.Time) bool {
	if !st.CurrentRole.IsWriteAccepting() {
		return true
	}

	visible, err := k.controller.HasVisibleReplica(ctx)
	if err != nil {
		klog.V(2).InfoS("Could not check for attached replicas", "error", err)
	} else if visible {
		st.TouchReplicaContact(now)
		klog.Warning("We lost the monitor, but still have a replica attached: " +
			"we're not in a network partition, continuing.")
		return true
	}

	if !inNetworkPartition(st, now, k.cfg.NetworkPartitionTimeout) {
		// Still had recent enough contact with the monitor or the
		// replica.
		return true
	}

	klog.Warningf("Failed to contact the monitor or a replica for %s, "+
		"stepping down to prevent split-brain", k.cfg.NetworkPartitionTimeout)

	return false
}

// inNetworkPartition applies the configured timeout to both contact
// timestamps. A timestamp of zero means that channel never made contact;
// in that case we cannot conclude anything and stay healthy.
func inNetworkPartition(st *state.NodeState, now time.Time, timeout time.Duration) bool {
	monitorLag := now.Unix() - st.LastMonitorContact
	replicaLag := now.Unix() - st.LastReplicaContact
	limit := int64(timeout / time.Second)

	return st.LastMonitorContact > 0 &&
		st.LastReplicaContact > 0 &&
		monitorLag > limit &&
		replicaLag > limit
}
