package wfstate

import "testing"

func TestHappyPathEpicToReview(t *testing.T) {
	m := New()

	if got := m.Current(); got != IDLE {
		t.Fatalf("expected initial state IDLE, got %s", got)
	}

	steps := []struct {
		command string
		ctx     Context
		want    State
	}{
		{"create_epic", Context{}, BacklogReady},
		{"plan_sprint", Context{HasStories: true}, SprintPlanned},
		{"start_sprint", Context{}, SprintActive},
		{"sprint_status", Context{}, SprintActive},
		{"pause_sprint", Context{}, SprintPaused},
		{"resume_sprint", Context{}, SprintActive},
	}

	for _, step := range steps {
		res := m.Transition(step.command, step.ctx)
		if !res.Success {
			t.Fatalf("command %q unexpectedly rejected: %s (%s)", step.command, res.ErrorMessage, res.Hint)
		}
		if m.Current() != step.want {
			t.Fatalf("after %q expected state %s, got %s", step.command, step.want, m.Current())
		}
	}
}

func TestPlanSprintRequiresStories(t *testing.T) {
	m := New()
	m.Transition("create_epic", Context{})

	res := m.Transition("plan_sprint", Context{HasStories: false})
	if res.Success {
		t.Fatal("expected plan_sprint to fail without stories")
	}
	if res.ErrorMessage != "precondition_failed" {
		t.Fatalf("expected precondition_failed, got %s", res.ErrorMessage)
	}
	if m.Current() != BacklogReady {
		t.Fatalf("expected state unchanged after rejected transition, got %s", m.Current())
	}
}

func TestCompleteSprintBlockedByActiveTDDCycle(t *testing.T) {
	m := Restore(SprintActive)
	m.RegisterTDDCycle("story-1", "cycle-1")

	res := m.Transition("complete_sprint", Context{HasActiveTDDCycles: m.HasActiveTDDCycles()})
	if res.Success {
		t.Fatal("expected complete_sprint to fail while a TDD cycle is active")
	}

	m.UnregisterTDDCycle("story-1")
	res = m.Transition("complete_sprint", Context{HasActiveTDDCycles: m.HasActiveTDDCycles()})
	if !res.Success {
		t.Fatalf("expected complete_sprint to succeed once TDD cycles cleared: %s", res.ErrorMessage)
	}
	if m.Current() != SprintReview {
		t.Fatalf("expected SPRINT_REVIEW, got %s", m.Current())
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	m := New()
	res := m.Transition("EPIC", Context{})
	if res.Success {
		t.Fatal("expected unrecognized verb casing to be rejected")
	}
	if res.ErrorMessage != "unknown_command" {
		t.Fatalf("expected unknown_command, got %s", res.ErrorMessage)
	}
}

func TestBacklogMutationRejectedDuringSprintReview(t *testing.T) {
	m := Restore(SprintReview)
	res := m.Transition("backlog_add_story", Context{})
	if res.Success {
		t.Fatal("expected backlog mutation to be rejected during SPRINT_REVIEW")
	}
}

func TestQueryCommandsNeverChangeState(t *testing.T) {
	m := Restore(SprintActive)
	for _, cmd := range []string{"state", "sprint_status", "backlog_view"} {
		res := m.Transition(cmd, Context{})
		if !res.Success {
			t.Fatalf("query command %q unexpectedly rejected", cmd)
		}
		if m.Current() != SprintActive {
			t.Fatalf("query command %q mutated state to %s", cmd, m.Current())
		}
	}
}

func TestAllowedCommandsNonEmpty(t *testing.T) {
	m := New()
	if len(m.AllowedCommands(Context{})) == 0 {
		t.Fatal("expected at least the query commands to be allowed from IDLE")
	}
}
