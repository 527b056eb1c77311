package agentdispatch

import (
	"context"
	"os"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestExecBackendDispatchAndCompletion(t *testing.T) {
	b := NewExecBackend()
	handle, err := b.Dispatch(context.Background(), Task{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 0"},
		WorkDir: os.TempDir(),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return b.GetProcessState(handle).State == "exited"
	})

	state := b.GetProcessState(handle)
	if state.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", state.ExitCode)
	}
	b.Cleanup(handle)
}

func TestExecBackendCapturesNonZeroExit(t *testing.T) {
	b := NewExecBackend()
	handle, err := b.Dispatch(context.Background(), Task{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 7"},
		WorkDir: os.TempDir(),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return b.GetProcessState(handle).State == "exited"
	})

	if got := b.GetProcessState(handle).ExitCode; got != 7 {
		t.Fatalf("expected exit code 7, got %d", got)
	}
}

func TestExecBackendKillStopsLongRunningProcess(t *testing.T) {
	b := NewExecBackend()
	handle, err := b.Dispatch(context.Background(), Task{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		WorkDir: os.TempDir(),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !b.IsAlive(handle) {
		t.Fatal("expected process to be alive immediately after dispatch")
	}

	if err := b.Kill(handle); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if b.IsAlive(handle) {
		t.Fatal("expected process to be dead after Kill")
	}
}

func TestBackoffDelayGrowsWithRetriesAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	d1 := BackoffDelay(1, base, max)
	d3 := BackoffDelay(3, base, max)
	d10 := BackoffDelay(10, base, max)

	if d1 < base || d1 > base+base/5 {
		t.Fatalf("expected first retry delay near base, got %v", d1)
	}
	if d3 <= d1 {
		t.Fatalf("expected delay to grow with retries: d1=%v d3=%v", d1, d3)
	}
	if d10 > max+max/5 {
		t.Fatalf("expected delay to be capped near max, got %v", d10)
	}
}

func TestBackoffDelayZeroForNoRetries(t *testing.T) {
	if got := BackoffDelay(0, time.Second, time.Minute); got != 0 {
		t.Fatalf("expected zero delay for zero retries, got %v", got)
	}
}
