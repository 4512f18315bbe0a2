// Package supervisor runs the keeper's units: it establishes the ownership
// handshake through the pid file, spawns the reconciliation loop and the
// diagnostic server as supervised tasks, and translates process signals
// into the cooperative cancellation token the loop inspects. No logic
// beyond flag-setting runs in a signal handler.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sindef/redis-keeper/pkg/config"
	"github.com/sindef/redis-keeper/pkg/httpd"
	"github.com/sindef/redis-keeper/pkg/keeper"
	"github.com/sindef/redis-keeper/pkg/state"
	"k8s.io/klog/v2"
)

// Exit codes. Ownership loss gets its own code so the outer process manager
// can decide whether restarting a superseded keeper makes any sense; the
// supervisor itself never retries past that point.
const (
	ExitOK            = 0
	ExitInternalError = 2
	ExitOwnershipLost = 3
)

// Supervisor owns the keeper's process-level lifecycle.
type Supervisor struct {
	cfg    *config.Config
	keeper *keeper.Keeper
	httpd  *httpd.Server
}

func New(cfg *config.Config, k *keeper.Keeper, h *httpd.Server) *Supervisor {
	return &Supervisor{cfg: cfg, keeper: k, httpd: h}
}

// applySignal maps a process signal onto the loop's cancellation token.
// Nothing effectful happens here; the loop reacts at its own checkpoints.
func applySignal(tok *keeper.Token, sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		tok.RequestReload()
	case syscall.SIGQUIT:
		tok.RequestFastStop()
	default:
		tok.RequestStop()
	}
}

// Run starts the service and blocks until it stops, returning the process
// exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	tok := keeper.NewToken()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	sigCtx, stopSignals := context.WithCancel(ctx)
	defer stopSignals()

	go func() {
		for {
			select {
			case sig := <-sigCh:
				klog.InfoS("Received signal", "signal", sig)
				applySignal(tok, sig)
			case <-sigCtx.Done():
				return
			}
		}
	}()

	// Refuse to start over a live instance; a stale marker from a dead
	// one was already cleaned up by ReadPIDFile.
	if pid, err := state.ReadPIDFile(s.cfg.PIDPath); err == nil {
		klog.ErrorS(nil, "An instance of this keeper is already running",
			"pid", pid, "pidFile", s.cfg.PIDPath)
		return ExitInternalError
	}

	// The ownership handshake: record our pid before the loop's first
	// cycle. A newer instance overwrites this marker and we self-terminate
	// the next time the loop checks it.
	ownPID := os.Getpid()
	if err := state.WritePIDFile(s.cfg.PIDPath, ownPID); err != nil {
		klog.ErrorS(err, "Failed to write the ownership marker")
		return ExitInternalError
	}

	if err := s.keeper.Init(ctx); err != nil {
		klog.ErrorS(err, "Failed to initialize the keeper")
		state.RemovePIDFile(s.cfg.PIDPath)
		return ExitInternalError
	}

	// The loop and the diagnostic server run as independently supervised
	// units; the first one to fail brings the other down.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-tok.Done():
			cancel()
		case <-loopCtx.Done():
		}
	}()

	loopErr := make(chan error, 1)
	httpdErr := make(chan error, 1)

	go func() { loopErr <- s.keeper.Run(loopCtx, tok, ownPID) }()
	go func() { httpdErr <- s.httpd.Run(loopCtx) }()

	var err error
	select {
	case err = <-loopErr:
		cancel()
		if herr := <-httpdErr; err == nil && herr != nil {
			err = herr
		}
	case herr := <-httpdErr:
		tok.RequestStop()
		cancel()
		err = <-loopErr
		if err == nil {
			err = herr
		}
	}

	if keeper.IsOwnershipLost(err) {
		// The pid file belongs to the instance that superseded us now;
		// removing it would orphan the new owner.
		klog.ErrorS(err, "Terminating: this node has a new keeper instance")
		return ExitOwnershipLost
	}

	if removeErr := state.RemovePIDFile(s.cfg.PIDPath); removeErr != nil {
		klog.ErrorS(removeErr, "Failed to remove the ownership marker")
	}

	if err != nil {
		klog.ErrorS(err, "Keeper service failed")
		return ExitInternalError
	}

	klog.Info("Keeper service stopped")
	return ExitOK
}
