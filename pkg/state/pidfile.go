package state

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"k8s.io/klog/v2"
)

// ErrOwnershipLost means the pid file no longer names this process: another
// keeper instance has taken over the node, or the marker was removed. The
// only safe reaction is to terminate before touching any shared state, since
// the new owner may already be acting on the node's behalf.
var ErrOwnershipLost = errors.New("ownership of this node was lost")

// WritePIDFile records pid as the process authorized to run the loop for
// this node. A newer instance overwrites the marker; the surviving older
// instance notices on its next cycle and terminates.
func WritePIDFile(path string, pid int) error {
	content := strconv.Itoa(pid) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write pid file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile returns the pid recorded in the marker, when that pid belongs
// to a currently running process. A marker naming a dead process is stale:
// it is removed and reported as absent.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return 0, fmt.Errorf("failed to read pid file %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		klog.InfoS("Removing unreadable pid file", "path", path)
		os.Remove(path)
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if !processAlive(pid) {
		klog.InfoS("Removing stale pid file", "path", path, "pid", pid)
		os.Remove(path)
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return pid, nil
}

// VerifyPIDFile checks that the marker still names ownPID. Called at the top
// of every reconciliation cycle, before the state file is trusted.
func VerifyPIDFile(path string, ownPID int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: pid file %s unreadable: %v", ErrOwnershipLost, path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("%w: pid file %s unparseable", ErrOwnershipLost, path)
	}

	if pid != ownPID {
		return fmt.Errorf("%w: pid file %s contains pid %d, expected %d",
			ErrOwnershipLost, path, pid, ownPID)
	}

	return nil
}

// RemovePIDFile removes the marker on clean shutdown.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file %s: %w", path, err)
	}
	return nil
}

// processAlive reports whether pid names a live process, using the
// conventional signal-0 probe.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
