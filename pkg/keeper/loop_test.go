package keeper

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sindef/redis-keeper/pkg/fsm"
	"github.com/sindef/redis-keeper/pkg/monitor"
	"github.com/sindef/redis-keeper/pkg/state"
)

// storeState seeds the durable state file the loop re-reads every cycle.
func storeState(t *testing.T, path string, current, assigned fsm.Role, mutate func(*state.NodeState)) {
	t.Helper()
	st := state.New(1, 0, "node-1")
	st.CurrentRole = current
	st.AssignedRole = assigned
	if mutate != nil {
		mutate(st)
	}
	if err := state.Store(path, st); err != nil {
		t.Fatal(err)
	}
}

func TestRunConvergesToAssignedRole(t *testing.T) {
	cfg := testConfig(t)
	storeState(t, cfg.StatePath, fsm.RoleSecondary, fsm.RoleSecondary, nil)

	ownPID := os.Getpid()
	if err := state.WritePIDFile(cfg.PIDPath, ownPID); err != nil {
		t.Fatal(err)
	}

	tok := NewToken()
	mon := &fakeMonitor{
		assignment: monitor.Assignment{
			Role:         fsm.RolePrimary,
			UpstreamHost: "redis-0",
			UpstreamPort: 6379,
		},
		onActive: func(calls int) {
			if calls >= 2 {
				tok.RequestStop()
			}
		},
	}
	ctrl := &fakeController{running: true}
	k := testKeeper(cfg, mon, ctrl)

	if err := k.Run(context.Background(), tok, ownPID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	st, err := state.Load(cfg.StatePath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if st.CurrentRole != fsm.RolePrimary {
		t.Errorf("expected durable role primary, got %s", st.CurrentRole)
	}
	if !ctrl.called("promote") {
		t.Errorf("promotion never reached the engine, calls: %v", ctrl.calls)
	}
	if st.LastMonitorContact == 0 {
		t.Error("monitor contact timestamp not recorded")
	}
}

// A transition whose action fails must not be committed: the durable image
// keeps the previous current role so the next cycle retries from it.
func TestFailedTransitionKeepsDurableRole(t *testing.T) {
	cfg := testConfig(t)
	storeState(t, cfg.StatePath, fsm.RoleSecondary, fsm.RoleSecondary, nil)

	ownPID := os.Getpid()
	if err := state.WritePIDFile(cfg.PIDPath, ownPID); err != nil {
		t.Fatal(err)
	}

	tok := NewToken()
	mon := &fakeMonitor{
		assignment: monitor.Assignment{Role: fsm.RolePrimary},
		onActive: func(calls int) {
			tok.RequestStop()
		},
	}
	ctrl := &fakeController{
		running: true,
		failOn:  map[string]error{"promote": errors.New("promotion refused")},
	}
	k := testKeeper(cfg, mon, ctrl)

	if err := k.Run(context.Background(), tok, ownPID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	st, err := state.Load(cfg.StatePath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if st.CurrentRole != fsm.RoleSecondary {
		t.Errorf("failed transition was committed: durable role is %s", st.CurrentRole)
	}
	if st.AssignedRole != fsm.RolePrimary {
		t.Errorf("assignment should still be persisted for the retry, got %s", st.AssignedRole)
	}
}

func TestRunTerminatesOnOwnershipLoss(t *testing.T) {
	cfg := testConfig(t)
	storeState(t, cfg.StatePath, fsm.RolePrimary, fsm.RolePrimary, nil)

	ownPID := os.Getpid()
	// The marker names somebody else: a newer instance took over.
	if err := state.WritePIDFile(cfg.PIDPath, ownPID+1); err != nil {
		t.Fatal(err)
	}

	mon := &fakeMonitor{}
	k := testKeeper(cfg, mon, &fakeController{running: true})

	err := k.Run(context.Background(), NewToken(), ownPID)
	if !IsOwnershipLost(err) {
		t.Fatalf("expected an ownership-lost error, got %v", err)
	}
	if mon.activeCalls != 0 {
		t.Errorf("a superseded keeper must not report to the monitor, got %d calls",
			mon.activeCalls)
	}
}

// An isolated primary that cannot reach the monitor and has had no replica
// contact for longer than the timeout demotes itself on its own clock.
func TestLostMonitorForcesDemotionOfIsolatedPrimary(t *testing.T) {
	cfg := testConfig(t)
	now := time.Unix(1700000000, 0)
	storeState(t, cfg.StatePath, fsm.RolePrimary, fsm.RolePrimary, func(st *state.NodeState) {
		st.LastMonitorContact = now.Unix() - 25
		st.LastReplicaContact = now.Unix() - 30
	})

	ownPID := os.Getpid()
	if err := state.WritePIDFile(cfg.PIDPath, ownPID); err != nil {
		t.Fatal(err)
	}

	tok := NewToken()
	mon := &fakeMonitor{
		activeErr: errors.New("monitor unreachable"),
		onActive: func(calls int) {
			tok.RequestStop()
		},
	}
	ctrl := &fakeController{running: true, isPrimary: true, visibleReplica: false}
	k := testKeeper(cfg, mon, ctrl)
	k.now = func() time.Time { return now }

	if err := k.Run(context.Background(), tok, ownPID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	st, err := state.Load(cfg.StatePath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if st.CurrentRole != fsm.RoleDemoteTimeout {
		t.Errorf("expected self-demotion to demote_timeout, got %s", st.CurrentRole)
	}
	if !ctrl.called("block-writes") {
		t.Errorf("demotion must fence writes, calls: %v", ctrl.calls)
	}
	if !ctrl.called("stop") {
		t.Errorf("demotion must stop the engine, calls: %v", ctrl.calls)
	}
	if ctrl.running {
		t.Error("engine still running after self-demotion")
	}
}

func TestLostMonitorWithAttachedReplicaKeepsPrimary(t *testing.T) {
	cfg := testConfig(t)
	now := time.Unix(1700000000, 0)
	storeState(t, cfg.StatePath, fsm.RolePrimary, fsm.RolePrimary, func(st *state.NodeState) {
		st.LastMonitorContact = now.Unix() - 300
		st.LastReplicaContact = now.Unix() - 300
	})

	ownPID := os.Getpid()
	if err := state.WritePIDFile(cfg.PIDPath, ownPID); err != nil {
		t.Fatal(err)
	}

	tok := NewToken()
	mon := &fakeMonitor{
		activeErr: errors.New("monitor unreachable"),
		onActive: func(calls int) {
			tok.RequestStop()
		},
	}
	ctrl := &fakeController{running: true, isPrimary: true, visibleReplica: true, replicas: 1}
	k := testKeeper(cfg, mon, ctrl)
	k.now = func() time.Time { return now }

	if err := k.Run(context.Background(), tok, ownPID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	st, err := state.Load(cfg.StatePath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if st.CurrentRole != fsm.RolePrimary {
		t.Errorf("a primary with a visible replica must keep its role, got %s", st.CurrentRole)
	}
	if st.LastReplicaContact != now.Unix() {
		t.Errorf("replica contact not refreshed, got %d", st.LastReplicaContact)
	}
	if ctrl.called("block-writes") || ctrl.called("stop") {
		t.Errorf("no demotion action should have run, calls: %v", ctrl.calls)
	}
}

func TestRunStopsBeforeFirstCycleWhenAsked(t *testing.T) {
	cfg := testConfig(t)
	mon := &fakeMonitor{}
	k := testKeeper(cfg, mon, &fakeController{})

	tok := NewToken()
	tok.RequestStop()

	if err := k.Run(context.Background(), tok, os.Getpid()); err != nil {
		t.Fatalf("expected a clean stop, got %v", err)
	}
	if mon.activeCalls != 0 {
		t.Errorf("no cycle should have run, got %d monitor calls", mon.activeCalls)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	cfg := testConfig(t)
	k := testKeeper(cfg, &fakeMonitor{}, &fakeController{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := k.Run(ctx, NewToken(), os.Getpid()); err != nil {
		t.Fatalf("expected a clean stop, got %v", err)
	}
}
