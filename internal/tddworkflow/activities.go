package tddworkflow

import (
	"context"
	"fmt"
	"time"

	"github.com/antigravity-dev/orchcore/internal/agentdispatch"
	"github.com/antigravity-dev/orchcore/internal/approval"
	"github.com/antigravity-dev/orchcore/internal/capability"
	"github.com/antigravity-dev/orchcore/internal/projectstore"
)

// Activities bundles the phase-activity methods CycleWorkflow calls.
// Temporal only needs these methods' reflect.Type to build the workflow's
// activity call sites during replay — the real work happens in whatever
// *Activities instance StartWorker registers, following the same
// nil-receiver-for-workflow-reference, real-instance-for-worker pattern the
// teacher's internal/temporal/workflow.go + worker.go use.
type Activities struct {
	Store    *projectstore.Store
	Backend  agentdispatch.Backend
	Ledger   *approval.Ledger
	WorkDir  string
	AgentCmd map[capability.AgentType]string // how to invoke each agent type's process
}

func (a *Activities) dispatchAgent(ctx context.Context, agentType capability.AgentType, task agentdispatch.Task) (agentdispatch.ProcessState, error) {
	handle, err := a.Backend.Dispatch(ctx, task)
	if err != nil {
		return agentdispatch.ProcessState{}, err
	}
	defer a.Backend.Cleanup(handle)

	deadline := time.Now().Add(15 * time.Minute)
	for time.Now().Before(deadline) {
		state := a.Backend.GetProcessState(handle)
		if state.State == "exited" || state.State == "failed" {
			return state, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	_ = a.Backend.Kill(handle)
	return agentdispatch.ProcessState{}, fmt.Errorf("tddworkflow: agent %s timed out", agentType)
}

// DesignActivity dispatches the DESIGN-phase agent to produce or revise the
// task's design notes.
func (a *Activities) DesignActivity(ctx context.Context, req CycleRequest) (StepResult, error) {
	state, err := a.dispatchAgent(ctx, capability.Design, agentdispatch.Task{
		AgentType:  string(capability.Design),
		StoryID:    req.StoryID,
		TDDCycleID: req.CycleID,
		TaskID:     req.TaskID,
		Command:    a.AgentCmd[capability.Design],
		WorkDir:    a.WorkDir,
	})
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Success: state.ExitCode == 0}, nil
}

// WriteTestActivity dispatches the QA agent to write a failing test for the
// current task, per spec §4.4's tdd_phase restriction (QA is only
// authorized in TEST_RED).
func (a *Activities) WriteTestActivity(ctx context.Context, req CycleRequest) (StepResult, error) {
	if !capability.ValidateTDDPhase(capability.QA, "TEST_RED") {
		return StepResult{}, fmt.Errorf("tddworkflow: QA agent not authorized in TEST_RED")
	}
	state, err := a.dispatchAgent(ctx, capability.QA, agentdispatch.Task{
		AgentType:  string(capability.QA),
		StoryID:    req.StoryID,
		TDDCycleID: req.CycleID,
		TaskID:     req.TaskID,
		Command:    a.AgentCmd[capability.QA],
		WorkDir:    a.WorkDir,
	})
	if err != nil {
		return StepResult{}, err
	}
	cycle, found := a.Store.LoadTDDCycle(req.CycleID)
	committed := 0
	if found {
		for _, task := range cycle.Tasks {
			committed += len(task.TestFiles)
		}
	}
	return StepResult{
		Success:                state.ExitCode == 0,
		HasFailingTests:        state.ExitCode == 0,
		CommittedTestFileCount: committed,
	}, nil
}

// ImplementActivity dispatches the Code agent to make the failing tests
// pass.
func (a *Activities) ImplementActivity(ctx context.Context, req CycleRequest) (StepResult, error) {
	state, err := a.dispatchAgent(ctx, capability.Code, agentdispatch.Task{
		AgentType:  string(capability.Code),
		StoryID:    req.StoryID,
		TDDCycleID: req.CycleID,
		TaskID:     req.TaskID,
		Command:    a.AgentCmd[capability.Code],
		WorkDir:    a.WorkDir,
	})
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Success: state.ExitCode == 0, HasPassingTests: state.ExitCode == 0}, nil
}

// RefactorActivity dispatches the Code agent to refactor while keeping
// tests green, recording coverage before/after for the Refactor->Commit
// guard.
func (a *Activities) RefactorActivity(ctx context.Context, req CycleRequest) (StepResult, error) {
	cycle, _ := a.Store.LoadTDDCycle(req.CycleID)
	before := cycle.OverallCoverage

	state, err := a.dispatchAgent(ctx, capability.Code, agentdispatch.Task{
		AgentType:  string(capability.Code),
		StoryID:    req.StoryID,
		TDDCycleID: req.CycleID,
		TaskID:     req.TaskID,
		Command:    a.AgentCmd[capability.Code],
		WorkDir:    a.WorkDir,
	})
	if err != nil {
		return StepResult{}, err
	}

	after, _ := a.Store.LoadTDDCycle(req.CycleID)
	return StepResult{
		Success:         state.ExitCode == 0,
		HasPassingTests: state.ExitCode == 0,
		CoverageBefore:  before,
		CoverageAfter:   after.OverallCoverage,
	}, nil
}

// CommitActivity persists the cycle's outcome to the Project Store,
// incrementing its commit counter (spec §4.3's COMMIT phase).
func (a *Activities) CommitActivity(ctx context.Context, req CycleRequest, result StepResult) error {
	cycle, _ := a.Store.LoadTDDCycle(req.CycleID)
	cycle.ID = req.CycleID
	cycle.StoryID = req.StoryID
	cycle.Commits++
	cycle.CurrentState = "COMMIT"
	if !result.MoreTasksRemain {
		now := time.Now()
		cycle.CompletedAt = &now
	}
	return a.Store.SaveTDDCycle(cycle)
}

// RequestApprovalActivity posts a pending approval to the Approval Ledger
// and returns its id so the caller that resolves the signal can reference
// it (spec §4.8's HITL gate).
func (a *Activities) RequestApprovalActivity(ctx context.Context, req ApprovalRequest) (string, error) {
	entry := a.Ledger.Request(req.Project, fmt.Sprintf("tdd:%s", req.Phase), map[string]string{
		"cycle_id": req.CycleID,
		"phase":    string(req.Phase),
	})
	return entry.ID, nil
}
