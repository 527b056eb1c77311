package dispatchledger

import (
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndCompleteDispatch(t *testing.T) {
	l := openTestLedger(t)
	id, err := l.RecordDispatch(Dispatch{Project: "demo", StoryID: "story-1", AgentType: "CODE", PID: 1234, Backend: "exec"})
	if err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero dispatch id")
	}

	count, err := l.ActiveDispatchCount("demo")
	if err != nil {
		t.Fatalf("ActiveDispatchCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active dispatch, got %d", count)
	}

	if err := l.CompleteDispatch(id, "completed", 0); err != nil {
		t.Fatalf("CompleteDispatch: %v", err)
	}

	count, err = l.ActiveDispatchCount("demo")
	if err != nil {
		t.Fatalf("ActiveDispatchCount after complete: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 active dispatches after completion, got %d", count)
	}
}

func TestIncrementRetries(t *testing.T) {
	l := openTestLedger(t)
	id, err := l.RecordDispatch(Dispatch{Project: "demo", AgentType: "QA", Backend: "exec"})
	if err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	if err := l.IncrementRetries(id); err != nil {
		t.Fatalf("IncrementRetries: %v", err)
	}
	if err := l.IncrementRetries(id); err != nil {
		t.Fatalf("IncrementRetries second call: %v", err)
	}
}

func TestRecordAndFetchHealthEvents(t *testing.T) {
	l := openTestLedger(t)
	if err := l.RecordHealthEvent("demo", "restart", "restarted after crash"); err != nil {
		t.Fatalf("RecordHealthEvent: %v", err)
	}
	if err := l.RecordHealthEvent("demo", "liveness_ok", ""); err != nil {
		t.Fatalf("RecordHealthEvent: %v", err)
	}

	events, err := l.RecentHealthEvents("demo", 10)
	if err != nil {
		t.Fatalf("RecentHealthEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != "liveness_ok" {
		t.Fatalf("expected most recent event first, got %s", events[0].EventType)
	}
}

func TestRecentHealthEventsScopedToProject(t *testing.T) {
	l := openTestLedger(t)
	if err := l.RecordHealthEvent("demo-a", "restart", ""); err != nil {
		t.Fatalf("RecordHealthEvent: %v", err)
	}
	if err := l.RecordHealthEvent("demo-b", "restart", ""); err != nil {
		t.Fatalf("RecordHealthEvent: %v", err)
	}

	events, err := l.RecentHealthEvents("demo-a", 10)
	if err != nil {
		t.Fatalf("RecentHealthEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected events scoped to demo-a only, got %d", len(events))
	}
}
