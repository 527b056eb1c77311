package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/orchcore/internal/approval"
	"github.com/antigravity-dev/orchcore/internal/config"
	"github.com/antigravity-dev/orchcore/internal/orchestrator"
	"github.com/antigravity-dev/orchcore/internal/projectstore"
)

type noopRun struct{ id string }

func (f noopRun) GetID() string                                      { return f.id }
func (f noopRun) GetRunID() string                                   { return "run-1" }
func (f noopRun) Get(ctx context.Context, valuePtr interface{}) error { return nil }
func (f noopRun) GetWithOptions(ctx context.Context, valuePtr interface{}, options client.WorkflowRunGetOptions) error {
	return nil
}

type noopStarter struct{}

func (noopStarter) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	return noopRun{id: options.ID}, nil
}
func (noopStarter) SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error {
	return nil
}
func (noopStarter) CancelWorkflow(ctx context.Context, workflowID, runID string) error { return nil }

func newTestPipeline(t *testing.T, mode string) (*Pipeline, *orchestrator.Orchestrator) {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("seed .git marker: %v", err)
	}
	store := projectstore.Open(dir, nil)
	if err := store.Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	projCfg := config.Project{OrchestrationMode: mode, CoverageThreshold: 70, MaxParallelAgents: 2}
	orch := orchestrator.New("demo", projCfg, store, noopStarter{}, "tasks", approval.NewLedger(time.Hour), nil, nil)

	p := New()
	p.Register("demo", orch, projCfg)
	return p, orch
}

func TestProcessResolvesSingleProjectImplicitly(t *testing.T) {
	p, _ := newTestPipeline(t, "AUTONOMOUS")
	resp := p.Process(context.Background(), Request{Command: "/create_epic", RequesterID: "alice"})
	if !resp.Success {
		t.Fatalf("expected create_epic to succeed, got %+v", resp)
	}
}

func TestProcessRejectsUnknownProject(t *testing.T) {
	p, _ := newTestPipeline(t, "AUTONOMOUS")
	resp := p.Process(context.Background(), Request{Command: "/create_epic", ProjectName: "nope", RequesterID: "alice"})
	if resp.Success {
		t.Fatal("expected failure for unknown project")
	}
	if resp.Message != "need_project" {
		t.Fatalf("expected need_project message, got %q", resp.Message)
	}
}

func TestProcessGatesApprovalUnderBlockingMode(t *testing.T) {
	p, _ := newTestPipeline(t, "BLOCKING")
	resp := p.Process(context.Background(), Request{Command: "/create_epic", RequesterID: "alice"})
	if !resp.Success || resp.PendingApprovalID == "" {
		t.Fatalf("expected a pending_approval response under BLOCKING mode, got %+v", resp)
	}
}

func TestProcessRemembersLastActiveProjectPerRequester(t *testing.T) {
	p, _ := newTestPipeline(t, "AUTONOMOUS")
	p.Process(context.Background(), Request{Command: "/create_epic", ProjectName: "demo", RequesterID: "bob"})

	resp := p.Process(context.Background(), Request{Command: "/plan_sprint", RequesterID: "bob"})
	if resp.Success {
		t.Fatal("expected plan_sprint to fail without any backlog stories")
	}
	if resp.Message != "precondition_failed" {
		t.Fatalf("expected precondition_failed against the remembered project, got %+v", resp)
	}
}

func TestParseCommandFoldsTDDSubverb(t *testing.T) {
	verb, args, err := parseCommand("/tdd start story-1", nil)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if verb != "tdd_start_cycle" {
		t.Fatalf("expected verb tdd_start_cycle, got %q", verb)
	}
	if args["story_id"] != "story-1" {
		t.Fatalf("expected story_id story-1, got %q", args["story_id"])
	}
}

func TestParseCommandCanonicalizesTDDPhaseCommands(t *testing.T) {
	cases := map[string]string{
		"/tdd design":   "tdd_design",
		"/tdd test":     "tdd_test",
		"/tdd code":     "tdd_code",
		"/tdd refactor": "tdd_refactor",
		"/tdd commit":   "tdd_commit",
		"/tdd status":   "tdd_status",
		"/tdd abort":    "tdd_abort",
		"/tdd overview": "tdd_overview",
	}
	for raw, want := range cases {
		verb, _, err := parseCommand(raw, nil)
		if err != nil {
			t.Fatalf("parseCommand(%q): %v", raw, err)
		}
		if verb != want {
			t.Errorf("parseCommand(%q) = %q, want %q", raw, verb, want)
		}
	}
}

func TestParseCommandCanonicalizesEpicSprintAndBacklog(t *testing.T) {
	verb, args, err := parseCommand(`/epic "add login"`, nil)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if verb != "create_epic" || args["description"] != "add login" {
		t.Fatalf("expected create_epic with description %q, got verb=%q args=%v", "add login", verb, args)
	}

	verb, args, err = parseCommand("/sprint plan story-1 story-2", nil)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if verb != "plan_sprint" || args["story_ids"] != "story-1,story-2" {
		t.Fatalf("expected plan_sprint with story_ids, got verb=%q args=%v", verb, args)
	}

	verb, _, err = parseCommand("/sprint status", nil)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if verb != "sprint_status" {
		t.Fatalf("expected sprint_status, got %q", verb)
	}

	verb, args, err = parseCommand(`/backlog add_story "write tests" epic=epic-1 priority=high`, nil)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if verb != "backlog_add_story" || args["description"] != "write tests" || args["epic"] != "epic-1" || args["priority"] != "high" {
		t.Fatalf("expected backlog_add_story with parsed modifiers, got verb=%q args=%v", verb, args)
	}

	verb, args, err = parseCommand("/backlog prioritize story-1 top", nil)
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if verb != "backlog_prioritize" || args["story_id"] != "story-1" || args["priority"] != "top" {
		t.Fatalf("expected backlog_prioritize with story_id/priority, got verb=%q args=%v", verb, args)
	}
}

func TestParseCommandRejectsEmpty(t *testing.T) {
	if _, _, err := parseCommand("   ", nil); err == nil {
		t.Fatal("expected an error for an empty command")
	}
}

func TestProcessRoutesTDDPhaseCommandToAdvanceTDD(t *testing.T) {
	p, orch := newTestPipeline(t, "AUTONOMOUS")
	ctx := context.Background()

	if _, err := orch.StartTDDCycle(ctx, "story-1", "task-1", "add login"); err != nil {
		t.Fatalf("StartTDDCycle: %v", err)
	}

	resp := p.Process(ctx, Request{
		Command:     "/tdd design",
		ProjectName: "demo",
		RequesterID: "alice",
		Args:        map[string]string{"story_id": "story-1"},
	})
	if !resp.Success {
		t.Fatalf("expected /tdd design to route through AdvanceTDD, got %+v", resp)
	}
}

func TestProcessRoutesTDDAbortToAbortTDDCycle(t *testing.T) {
	p, orch := newTestPipeline(t, "AUTONOMOUS")
	ctx := context.Background()

	if _, err := orch.StartTDDCycle(ctx, "story-1", "task-1", "add login"); err != nil {
		t.Fatalf("StartTDDCycle: %v", err)
	}

	resp := p.Process(ctx, Request{
		Command:     "/tdd abort",
		ProjectName: "demo",
		RequesterID: "alice",
		Args:        map[string]string{"story_id": "story-1"},
	})
	if !resp.Success {
		t.Fatalf("expected /tdd abort to route through AbortTDDCycle, got %+v", resp)
	}

	status := orch.GetStatus()
	if status.ActiveCycles != 0 {
		t.Fatalf("expected AbortTDDCycle to unregister the cycle, got %d active", status.ActiveCycles)
	}
}
