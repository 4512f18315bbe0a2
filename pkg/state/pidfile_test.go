package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.pid")
	own := os.Getpid()

	if err := WritePIDFile(path, own); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if pid != own {
		t.Errorf("expected pid %d, got %d", own, pid)
	}

	if err := VerifyPIDFile(path, own); err != nil {
		t.Errorf("verify failed for our own pid: %v", err)
	}
}

func TestReadPIDFileMissing(t *testing.T) {
	_, err := ReadPIDFile(filepath.Join(t.TempDir(), "absent.pid"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// A marker naming a dead process is stale: it gets cleaned up and reported
// as absent, so a restart after a crash does not deadlock on its own old pid.
func TestReadPIDFileStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.pid")
	// Linux pids top out well below this.
	if err := WritePIDFile(path, 999999999); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadPIDFile(path); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a dead pid, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stale pid file was not removed")
	}
}

func TestReadPIDFileGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.pid")
	if err := os.WriteFile(path, []byte("not a pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadPIDFile(path); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for garbage content, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("unreadable pid file was not removed")
	}
}

func TestVerifyPIDFileDetectsTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.pid")
	own := os.Getpid()

	if err := WritePIDFile(path, own); err != nil {
		t.Fatal(err)
	}
	// A newer instance overwrote the marker.
	if err := WritePIDFile(path, own+1); err != nil {
		t.Fatal(err)
	}

	if err := VerifyPIDFile(path, own); !errors.Is(err, ErrOwnershipLost) {
		t.Errorf("expected ErrOwnershipLost, got %v", err)
	}
}

func TestVerifyPIDFileMissingMeansLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.pid")
	if err := VerifyPIDFile(path, os.Getpid()); !errors.Is(err, ErrOwnershipLost) {
		t.Errorf("expected ErrOwnershipLost, got %v", err)
	}
}

func TestRemovePIDFileIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.pid")
	if err := WritePIDFile(path, os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Errorf("second remove should be a no-op, got %v", err)
	}
}
