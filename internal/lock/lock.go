// Package lock provides the single-instance guard for the Global
// Supervisor: an exclusive flock on a well-known path, refusing a second
// Supervisor daemon over the same lock file. Per-project Orchestrator
// children do not take a lock. Adapted directly from the teacher's
// internal/health/flock.go.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// Handle is a held exclusive lock; keep it open for the holding process's
// lifetime and call Release on shutdown.
type Handle struct {
	file *os.File
}

// Acquire takes an exclusive, non-blocking lock on path, creating the file
// if needed and recording the holder's PID in it for operator debugging.
func Acquire(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another instance already holds the lock at %s", path)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Handle{file: f}, nil
}

// Release unlocks and removes the lock file.
func (h *Handle) Release() {
	if h == nil || h.file == nil {
		return
	}
	syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN)
	name := h.file.Name()
	h.file.Close()
	os.Remove(name)
}
