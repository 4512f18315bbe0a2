package fsm

import "fmt"

type pair struct {
	current  Role
	assigned Role
}

// table maps every (current, assigned) pair of the catalog to its ordered
// action list. It is built once at init time; a pair the builder cannot
// handle is a programming error, not a runtime condition, so init panics.
var table = map[pair][]Action{}

func init() {
	for _, current := range Roles {
		for _, assigned := range Roles {
			table[pair{current, assigned}] = actionsFor(current, assigned)
		}
	}
}

// Between returns the ordered actions converging current to assigned. The
// empty list means the pair is already converged (or requires no local
// work). Roles outside the catalog are rejected.
func Between(current, assigned Role) ([]Action, error) {
	acts, ok := table[pair{current, assigned}]
	if !ok {
		return nil, fmt.Errorf("no transition defined from %q to %q", current, assigned)
	}
	return acts, nil
}

// wasReplica reports whether a node coming from this role was replaying from
// an upstream, and therefore needs an explicit promote step before it may
// act as a primary again.
func wasReplica(r Role) bool {
	switch r {
	case RoleWaitStandby, RoleCatchingUp, RoleSecondary, RoleStopReplication:
		return true
	}
	return false
}

// hadPrimaryHistory reports whether a node coming from this role may carry
// local writes its new upstream never saw, requiring a rewind before it can
// rejoin as a replica.
func hadPrimaryHistory(r Role) bool {
	switch r {
	case RoleSingle, RolePrimary, RoleWaitPrimary, RoleDraining,
		RoleDemoted, RoleDemoteTimeout:
		return true
	}
	return false
}

func actionsFor(current, assigned Role) []Action {
	if current == assigned {
		return actions()
	}

	switch assigned {
	case RoleInit:
		// Going back to init means the node is being reset; nothing may
		// serve queries until the monitor decides its next role.
		return actions(ActionEnsureStopped)

	case RoleSingle:
		if wasReplica(current) {
			return actions(ActionEnsureRunning, ActionPromote, ActionAllowWrites)
		}
		return actions(ActionEnsureRunning, ActionAllowWrites)

	case RoleWaitStandby:
		// Wait for the primary to prepare replication before syncing.
		return actions(ActionEnsureStopped)

	case RoleCatchingUp:
		if hadPrimaryHistory(current) {
			return actions(ActionEnsureRunning, ActionRewind, ActionFollowUpstream)
		}
		return actions(ActionEnsureRunning, ActionFollowUpstream)

	case RoleSecondary:
		if hadPrimaryHistory(current) {
			return actions(ActionEnsureRunning, ActionRewind, ActionFollowUpstream)
		}
		return actions(ActionEnsureRunning, ActionFollowUpstream)

	case RolePrimary, RoleWaitPrimary:
		if wasReplica(current) {
			return actions(ActionEnsureRunning, ActionPromote,
				ActionPrepareReplication, ActionAllowWrites)
		}
		return actions(ActionEnsureRunning, ActionPrepareReplication,
			ActionAllowWrites)

	case RoleDraining:
		return actions(ActionBlockWrites)

	case RoleDemoted, RoleDemoteTimeout:
		// Fence first so that a crash between the two steps still leaves
		// no write-accepting engine behind.
		return actions(ActionBlockWrites, ActionEnsureStopped)

	case RoleStopReplication:
		return actions(ActionEnsureRunning, ActionBlockWrites,
			ActionStopReplication)
	}

	panic(fmt.Sprintf("no transition rule for assigned role %q", assigned))
}
