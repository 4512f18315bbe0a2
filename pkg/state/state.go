package state

import (
	"fmt"
	"time"

	"github.com/sindef/redis-keeper/pkg/fsm"
)

// FormatVersion tags the on-disk state layout. Load refuses files written by
// an incompatible keeper instead of guessing at their meaning.
const FormatVersion = 1

// NodeState is the keeper's durable record: one per node, created at
// registration, rewritten at most once per reconciliation cycle. CurrentRole
// changes only as the last step of a fully persisted transition; on disk the
// record is always either the pre-cycle or the post-cycle image.
type NodeState struct {
	FormatVersion int `json:"format_version"`

	CurrentRole  fsm.Role `json:"current_role"`
	AssignedRole fsm.Role `json:"assigned_role"`

	NodeID  int    `json:"node_id"`
	GroupID int    `json:"group_id"`
	Name    string `json:"name"`

	// Last contact timestamps, unix seconds, zero meaning never. They only
	// ever advance; the network partition check compares both against the
	// configured timeout.
	LastMonitorContact int64 `json:"last_monitor_contact"`
	LastReplicaContact int64 `json:"last_replica_contact"`

	// Identity of the local engine instance, reported for diagnostics.
	EngineVersion      string `json:"engine_version"`
	ReplicationVersion string `json:"replication_version"`
	SystemIdentifier   string `json:"system_identifier"`
}

// New returns the initial record for a freshly registered node.
func New(nodeID, groupID int, name string) *NodeState {
	return &NodeState{
		FormatVersion: FormatVersion,
		CurrentRole:   fsm.RoleInit,
		AssignedRole:  fsm.RoleInit,
		NodeID:        nodeID,
		GroupID:       groupID,
		Name:          name,
	}
}

// TouchMonitorContact records a successful monitor round trip. Timestamps
// never move backwards, even under clock adjustments.
func (s *NodeState) TouchMonitorContact(now time.Time) {
	if ts := now.Unix(); ts > s.LastMonitorContact {
		s.LastMonitorContact = ts
	}
}

// TouchReplicaContact records direct proof that a replica can see us.
func (s *NodeState) TouchReplicaContact(now time.Time) {
	if ts := now.Unix(); ts > s.LastReplicaContact {
		s.LastReplicaContact = ts
	}
}

func (s *NodeState) validate() error {
	if s.FormatVersion != FormatVersion {
		return fmt.Errorf("state format version %d, expected %d",
			s.FormatVersion, FormatVersion)
	}
	if _, err := fsm.ParseRole(string(s.CurrentRole)); err != nil {
		return fmt.Errorf("current role: %w", err)
	}
	if _, err := fsm.ParseRole(string(s.AssignedRole)); err != nil {
		return fmt.Errorf("assigned role: %w", err)
	}
	return nil
}
