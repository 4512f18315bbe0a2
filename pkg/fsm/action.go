package fsm

// ActionKind tags one idempotent step of a role transition. Kinds map
// one-to-one onto engine.Controller capabilities; the fsm package only
// describes what has to happen, the Engine applies it.
type ActionKind string

const (
	// ActionEnsureRunning starts the local engine if it is not running.
	ActionEnsureRunning ActionKind = "ensure-running"
	// ActionEnsureStopped stops the local engine if it is running.
	ActionEnsureStopped ActionKind = "ensure-stopped"
	// ActionAllowWrites re-opens the engine for writes.
	ActionAllowWrites ActionKind = "allow-writes"
	// ActionBlockWrites fences the engine against writes without
	// stopping it.
	ActionBlockWrites ActionKind = "block-writes"
	// ActionPromote detaches the engine from its upstream and makes it a
	// primary.
	ActionPromote ActionKind = "promote"
	// ActionFollowUpstream points the engine at the assigned upstream as
	// a replica.
	ActionFollowUpstream ActionKind = "follow-upstream"
	// ActionRewind discards divergent local history and rejoins the
	// assigned upstream from a consistent point.
	ActionRewind ActionKind = "rewind"
	// ActionPrepareReplication configures the engine so replicas can
	// attach to it.
	ActionPrepareReplication ActionKind = "prepare-replication"
	// ActionStopReplication stops replaying from the upstream while
	// keeping the engine up and fenced.
	ActionStopReplication ActionKind = "stop-replication"
)

// Action is one ordered step of a transition. Every action must be safe to
// re-attempt from a partially applied state: the loop retries a failed
// transition from the top on its next cycle.
type Action struct {
	Kind ActionKind `json:"kind"`
}

func (a Action) String() string {
	return string(a.Kind)
}

func actions(kinds ...ActionKind) []Action {
	list := make([]Action, len(kinds))
	for i, kind := range kinds {
		list[i] = Action{Kind: kind}
	}
	return list
}
