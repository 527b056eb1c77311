// Package orchestrator implements the Per-Project Orchestrator (spec
// §4.5): the long-running unit that owns one project's Workflow FSM plus a
// TDD FSM per active story, loads and flushes the project aggregate via
// the Project Store, and dispatches TDD cycles as Temporal workflows.
//
// Grounded on the teacher's internal/chief/chief.go for the ceremony
// debounce (ShouldRunCeremony) and internal/scheduler/scheduler.go for the
// candidate-gathering/dispatch-tick shape, adapted from cortex's
// bead-dispatch loop to this spec's command/TDD-cycle model.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/orchcore/internal/approval"
	"github.com/antigravity-dev/orchcore/internal/broadcast"
	"github.com/antigravity-dev/orchcore/internal/capability"
	"github.com/antigravity-dev/orchcore/internal/config"
	"github.com/antigravity-dev/orchcore/internal/projectstore"
	"github.com/antigravity-dev/orchcore/internal/tddstate"
	"github.com/antigravity-dev/orchcore/internal/tddworkflow"
	"github.com/antigravity-dev/orchcore/internal/wfstate"
)

// WorkflowStarter is the subset of client.Client the orchestrator needs to
// start and signal TDD cycle workflows; narrowed to keep this package unit
// testable against a fake.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
	CancelWorkflow(ctx context.Context, workflowID, runID string) error
}

// CommandResult is handle_command's return shape (spec §4.5).
type CommandResult struct {
	Success    bool
	Messages   []string
	NextStep   string
	NewState   wfstate.State
	Artifacts  map[string]string
	ErrorHint  string
}

// activeCycle tracks one in-flight TDD cycle's FSM mirror and its running
// workflow handle, so ResolveApproval can signal the right execution.
type activeCycle struct {
	machine    *tddstate.Machine
	workflowID string
	retries    int
}

// tddPhaseCommands is the set of tddstate.Cmd* strings AdvanceTDD accepts,
// i.e. spec §6.1's external /tdd design|test|code|refactor|commit surface.
var tddPhaseCommands = map[string]bool{
	tddstate.CmdDesign:    true,
	tddstate.CmdWriteTest: true,
	tddstate.CmdImplement: true,
	tddstate.CmdRefactor:  true,
	tddstate.CmdCommit:    true,
}

// Orchestrator owns one project's workflow and TDD state.
type Orchestrator struct {
	mu sync.Mutex

	Project string
	cfg     config.Project

	store   *projectstore.Store
	wf      *wfstate.Machine
	cycles  map[string]*activeCycle // story_id -> cycle
	ledger  *approval.Ledger
	events  *broadcast.Broadcaster
	starter WorkflowStarter

	taskQueue string
	logger    *slog.Logger

	ceremony ceremonySchedule
}

// New constructs an Orchestrator for one project. Call Load before serving
// commands.
func New(project string, cfg config.Project, store *projectstore.Store, starter WorkflowStarter, taskQueue string, ledger *approval.Ledger, events *broadcast.Broadcaster, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Project:   project,
		cfg:       cfg,
		store:     store,
		wf:        wfstate.New(),
		cycles:    make(map[string]*activeCycle),
		ledger:    ledger,
		events:    events,
		starter:   starter,
		taskQueue: taskQueue,
		logger:    logger,
		ceremony:  newCeremonySchedule(),
	}
}

// Load re-registers every TDD cycle that a story of the project aggregate
// references and that has not completed, restoring each cycle's TDD FSM at
// its persisted state. The workflow FSM is not restored: it stays in the
// state the Orchestrator was constructed with (IDLE, from wfstate.New).
func (o *Orchestrator) Load() error {
	agg := o.store.LoadProjectData()
	for _, story := range agg.Stories {
		if story.TDDCycleID == "" {
			continue
		}
		cycle, found := o.store.LoadTDDCycle(story.TDDCycleID)
		if !found || cycle.CompletedAt != nil {
			continue
		}
		o.wf.RegisterTDDCycle(story.ID, cycle.ID)
		o.cycles[story.ID] = &activeCycle{machine: tddstate.Restore(tddstate.State(cycle.CurrentState))}
	}
	return nil
}

func (o *Orchestrator) publish(eventType string, data map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Publish(broadcast.Event{Project: o.Project, Type: eventType, Data: data, Timestamp: time.Now().Unix()})
}

// Preview validates command against the current workflow state without
// committing it, for the Command Pipeline's admissibility + approval-gating
// stages (spec §4.7 stages 3-4) which must know whether a transition would
// succeed before deciding whether to hold it for approval.
func (o *Orchestrator) Preview(command string) (wfstate.Result, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx := wfstate.Context{
		HasStories:         o.hasBacklogStoriesLocked(),
		HasActiveTDDCycles: o.wf.HasActiveTDDCycles(),
		ActiveTDDCycleIDs:  o.wf.ActiveTDDCycleIDs(),
	}
	return o.wf.ValidateCommand(command, ctx), o.wf.AllowedCommands(ctx)
}

// HandleCommand validates and applies a workflow command (spec §4.5's
// handle_command).
func (o *Orchestrator) HandleCommand(command string, args map[string]string, requester string) CommandResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx := wfstate.Context{
		HasStories:         o.hasBacklogStoriesLocked(),
		HasActiveTDDCycles: o.wf.HasActiveTDDCycles(),
		ActiveTDDCycleIDs:  o.wf.ActiveTDDCycleIDs(),
	}

	result := o.wf.Transition(command, ctx)
	if !result.Success {
		return CommandResult{Success: false, ErrorHint: result.Hint, Messages: []string{result.ErrorMessage}}
	}

	o.publish("workflow_transition", map[string]any{"command": command, "requester": requester, "new_state": string(result.NewState)})
	return CommandResult{Success: true, NewState: result.NewState, Messages: []string{fmt.Sprintf("transitioned to %s", result.NewState)}}
}

func (o *Orchestrator) hasBacklogStoriesLocked() bool {
	agg := o.store.LoadProjectData()
	return len(agg.Stories) > 0
}

// RequestApproval posts a pending approval for an out-of-band decision
// (spec §4.5's request_approval), routed to the Approval Ledger (C9).
func (o *Orchestrator) RequestApproval(summary string, payload map[string]string) approval.Entry {
	return o.ledger.Request(o.Project, summary, payload)
}

// ResolveApproval applies or discards a pending approval, and — when the
// approval gated a running TDD cycle — signals that workflow so it can
// proceed or abort (spec §4.5's resolve_approval).
func (o *Orchestrator) ResolveApproval(ctx context.Context, id string, approved bool) (approval.Entry, error) {
	entry, err := o.ledger.Resolve(id, approved)
	if err != nil {
		return entry, err
	}

	if cycleID := entry.Context["cycle_id"]; cycleID != "" {
		o.mu.Lock()
		var workflowID string
		for _, c := range o.cycles {
			if c.workflowID != "" && c.workflowID == cycleID {
				workflowID = c.workflowID
				break
			}
		}
		o.mu.Unlock()
		if workflowID == "" {
			return entry, nil
		}

		resolution := "REJECTED"
		if approved {
			resolution = "APPROVED"
		}
		if err := o.starter.SignalWorkflow(ctx, workflowID, "", "approval-resolution", resolution); err != nil {
			return entry, fmt.Errorf("orchestrator: signal cycle %s: %w", cycleID, err)
		}
		return entry, nil
	}

	// A plain workflow-command approval (spec §4.7 stage 4): the held
	// transition only commits once approved; a rejection discards it.
	if command := entry.Context["command"]; command != "" && approved {
		o.HandleCommand(command, entry.Context, entry.Context["requester"])
	}
	return entry, nil
}

// AbortTDDCycle cancels storyID's running TDD cycle workflow and unwinds
// the orchestrator's local bookkeeping (spec §4.7's /abort cancellation:
// "propagate cancellation to the running Task and mark it CANCELLED").
func (o *Orchestrator) AbortTDDCycle(ctx context.Context, storyID string) error {
	o.mu.Lock()
	c, exists := o.cycles[storyID]
	o.mu.Unlock()
	if !exists {
		return fmt.Errorf("orchestrator: story %s has no active TDD cycle to abort", storyID)
	}

	if err := o.starter.CancelWorkflow(ctx, c.workflowID, ""); err != nil {
		return fmt.Errorf("orchestrator: cancel cycle for story %s: %w", storyID, err)
	}

	o.mu.Lock()
	o.wf.UnregisterTDDCycle(storyID)
	delete(o.cycles, storyID)
	o.mu.Unlock()

	o.publish("tdd_transition", map[string]any{"story_id": storyID, "phase": "CANCELLED"})
	return nil
}

// StartTDDCycle begins a new TDD micro-cycle for storyID, dispatching it as
// a durable tddworkflow.CycleWorkflow execution (spec §4.5's
// start_tdd_cycle). At-most-one concurrency per story: a second call for a
// story with an already-active cycle is rejected.
func (o *Orchestrator) StartTDDCycle(ctx context.Context, storyID, taskID, description string) (string, error) {
	o.mu.Lock()
	if _, exists := o.cycles[storyID]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("orchestrator: story %s already has an active TDD cycle", storyID)
	}
	o.mu.Unlock()

	cycleID := fmt.Sprintf("%s-%s-%d", o.Project, storyID, time.Now().UnixNano())
	req := tddworkflow.CycleRequest{
		Project:           o.Project,
		StoryID:           storyID,
		CycleID:           cycleID,
		TaskID:            taskID,
		Description:       description,
		CoverageThreshold: o.cfg.CoverageThreshold,
		OrchestrationMode: capability.OrchestrationMode(o.cfg.OrchestrationMode),
	}

	run, err := o.starter.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        cycleID,
		TaskQueue: o.taskQueue,
	}, tddworkflow.CycleWorkflow, req)
	if err != nil {
		return "", fmt.Errorf("orchestrator: start TDD cycle for story %s: %w", storyID, err)
	}

	o.mu.Lock()
	o.wf.RegisterTDDCycle(storyID, cycleID)
	o.cycles[storyID] = &activeCycle{machine: tddstate.New(), workflowID: run.GetID()}
	o.mu.Unlock()

	if err := o.store.SaveTDDCycle(projectstore.TDDCycle{ID: cycleID, StoryID: storyID, CurrentState: string(tddstate.Design), StartedAt: time.Now()}); err != nil {
		o.logger.Warn("failed to persist new TDD cycle record", "cycle", cycleID, "error", err)
	}

	o.publish("tdd_transition", map[string]any{"story_id": storyID, "cycle_id": cycleID, "phase": string(tddstate.Design)})
	return cycleID, nil
}

// AdvanceTDD implements spec §4.5's advance_tdd(story_id, phase_command):
// forwards phaseCommand to storyID's running TDD cycle workflow over the
// same "phase-advance" signal channel tddworkflow.CycleWorkflow waits on
// before every phase transition. The workflow alone holds the real guard
// facts (test/coverage results) a phase transition needs, so it — not this
// method — is the source of truth for whether phaseCommand is actually
// admissible from the cycle's current phase; AdvanceTDD only rejects
// strings that are not one of tddstate's five phase commands at all.
func (o *Orchestrator) AdvanceTDD(ctx context.Context, storyID, phaseCommand string) error {
	if !tddPhaseCommands[phaseCommand] {
		return fmt.Errorf("orchestrator: %q is not a tdd phase command", phaseCommand)
	}

	o.mu.Lock()
	c, exists := o.cycles[storyID]
	o.mu.Unlock()
	if !exists {
		return fmt.Errorf("orchestrator: story %s has no active TDD cycle", storyID)
	}

	if err := o.starter.SignalWorkflow(ctx, c.workflowID, "", "phase-advance", phaseCommand); err != nil {
		return fmt.Errorf("orchestrator: advance cycle for story %s: %w", storyID, err)
	}
	return nil
}

// CompleteTDD unregisters storyID's cycle from the workflow FSM once its
// workflow has reported completion (spec §4.5's complete_tdd).
func (o *Orchestrator) CompleteTDD(storyID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.wf.UnregisterTDDCycle(storyID)
	delete(o.cycles, storyID)
	o.publish("tdd_transition", map[string]any{"story_id": storyID, "phase": "COMMIT", "complete": true})
}

// RecordTaskFailure applies the retry policy (spec §4.5): retry up to
// max_retries with the caller-supplied backoff, and once exhausted mark the
// workflow BLOCKED.
func (o *Orchestrator) RecordTaskFailure(storyID string, maxRetries int) (shouldRetry bool, blocked bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, exists := o.cycles[storyID]
	if !exists {
		return false, false
	}
	c.retries++
	if c.retries <= maxRetries {
		return true, false
	}

	result := o.wf.Transition("block", wfstate.Context{})
	return false, result.Success
}

// RecoverInterrupted lists TDD cycles the Project Store flagged
// needs_recovery (crash recovery, spec §4.5), restoring each one's FSM
// mirror from its last known phase. Cycles whose last known state cannot
// be trusted (mid-activity crash) are instead surfaced as a pending
// approval so an operator decides whether to resume or abort.
func (o *Orchestrator) RecoverInterrupted(ambiguous func(projectstore.TDDCycle) bool) []string {
	interrupted := o.store.ListInterruptedTDDCycles()
	recovered := make([]string, 0, len(interrupted))

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, cycle := range interrupted {
		if ambiguous != nil && ambiguous(cycle) {
			o.ledger.Request(o.Project, "resume_or_abort_cycle", map[string]string{"cycle_id": cycle.ID, "story_id": cycle.StoryID})
			continue
		}
		o.wf.RegisterTDDCycle(cycle.StoryID, cycle.ID)
		o.cycles[cycle.StoryID] = &activeCycle{machine: tddstate.Restore(tddstate.State(cycle.CurrentState))}
		recovered = append(recovered, cycle.ID)
	}
	return recovered
}

// GetStatus returns a snapshot for the Supervisor's monitoring loop (spec
// §4.5's get_status / §6.4's status.json).
func (o *Orchestrator) GetStatus() projectstore.StatusSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return projectstore.StatusSnapshot{
		ProjectName:   o.Project,
		WorkflowState: string(o.wf.Current()),
		ActiveCycles:  len(o.cycles),
		LastUpdated:   time.Now(),
		Healthy:       true,
	}
}

// MaybeRunCeremony reports whether a scheduled ceremony is due, debounced
// the same way the teacher's Chief.ShouldRunCeremony avoids re-checking
// more than once an hour.
func (o *Orchestrator) MaybeRunCeremony(now time.Time, schedule CeremonyType) bool {
	return o.ceremony.shouldRun(now, schedule)
}
