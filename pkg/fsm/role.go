package fsm

import "fmt"

// Role is one member of the closed catalog of replication duties the monitor
// can assign to a node. The catalog is deployment-fixed: the monitor and
// every keeper must agree on it, so there is no way to extend it at runtime.
type Role string

const (
	// RoleInit is the role of a freshly registered node, before the
	// monitor has decided what to do with it.
	RoleInit Role = "init"
	// RoleSingle is a primary with no standby registered.
	RoleSingle Role = "single"
	// RoleWaitStandby is a standby waiting for the primary to prepare
	// replication before it can start its initial sync.
	RoleWaitStandby Role = "wait_standby"
	// RoleCatchingUp is a standby replicating but not yet caught up.
	RoleCatchingUp Role = "catchingup"
	// RoleSecondary is a caught-up standby, ready to be promoted.
	RoleSecondary Role = "secondary"
	// RolePrimary is the write-accepting role.
	RolePrimary Role = "primary"
	// RoleWaitPrimary is a primary whose standby is gone or not yet
	// caught up; it accepts writes but replication is not guaranteed.
	RoleWaitPrimary Role = "wait_primary"
	// RoleDemoted is a former primary that has been stopped by the
	// monitor's decision.
	RoleDemoted Role = "demoted"
	// RoleDemoteTimeout is a former primary that demoted itself after
	// losing contact with both the monitor and its replica.
	RoleDemoteTimeout Role = "demote_timeout"
	// RoleStopReplication is a secondary that stopped replaying from its
	// upstream in preparation for promotion.
	RoleStopReplication Role = "stop_replication"
	// RoleDraining is a primary that stopped accepting writes and is
	// letting its replica catch up before stepping down.
	RoleDraining Role = "draining"
)

// Roles enumerates the whole catalog, in no particular order. Tests and the
// transition table builder iterate over this list.
var Roles = []Role{
	RoleInit,
	RoleSingle,
	RoleWaitStandby,
	RoleCatchingUp,
	RoleSecondary,
	RolePrimary,
	RoleWaitPrimary,
	RoleDemoted,
	RoleDemoteTimeout,
	RoleStopReplication,
	RoleDraining,
}

// ParseRole converts a string from the wire or from the state file into a
// Role, rejecting anything outside the catalog.
func ParseRole(s string) (Role, error) {
	for _, role := range Roles {
		if string(role) == s {
			return role, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) String() string {
	return string(r)
}

// IsWriteAccepting reports whether a node in this role holds write authority
// within a replicated group. Only such a node can cause split-brain, so only
// such a node runs the network partition check. A single node has no replica
// to lose, and a wait_primary has no caught-up standby the monitor would
// promote behind its back.
func (r Role) IsWriteAccepting() bool {
	return r == RolePrimary
}

// DemotionRole is the role a write-accepting node forces on itself when it
// concludes it may be isolated from the rest of the cluster.
func DemotionRole() Role {
	return RoleDemoteTimeout
}
