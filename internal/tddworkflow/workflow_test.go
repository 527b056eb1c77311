package tddworkflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/antigravity-dev/orchcore/internal/capability"
	"github.com/antigravity-dev/orchcore/internal/tddstate"
)

func TestCommandForPhaseCoversEveryState(t *testing.T) {
	cases := map[tddstate.State]string{
		tddstate.Design:    tddstate.CmdDesign,
		tddstate.TestRed:   tddstate.CmdWriteTest,
		tddstate.CodeGreen: tddstate.CmdImplement,
		tddstate.Refactor:  tddstate.CmdRefactor,
		tddstate.Commit:    tddstate.CmdCommit,
	}
	for phase, want := range cases {
		if got := commandForPhase(phase); got != want {
			t.Errorf("commandForPhase(%s) = %q, want %q", phase, got, want)
		}
	}
}

func TestBlockingModeRequiresApprovalForEveryPhase(t *testing.T) {
	for _, phase := range []tddstate.State{tddstate.Design, tddstate.TestRed, tddstate.CodeGreen, tddstate.Refactor, tddstate.Commit} {
		if !capability.RequiresApproval(capability.Blocking, commandForPhase(phase)) {
			t.Errorf("BLOCKING mode should require approval to enter %s", phase)
		}
	}
}

func TestAutonomousModeNeverRequiresApproval(t *testing.T) {
	for _, phase := range []tddstate.State{tddstate.Design, tddstate.TestRed, tddstate.CodeGreen, tddstate.Refactor, tddstate.Commit} {
		if capability.RequiresApproval(capability.Autonomous, commandForPhase(phase)) {
			t.Errorf("AUTONOMOUS mode should never require approval, got true for %s", phase)
		}
	}
}

// TestCycleWorkflowAdvancesOnExternalPhaseCommandsAndCanSkipRefactor drives a
// whole cycle purely through external phase-advance signals (the
// /tdd design|test|code|commit surface), and exercises an operator choosing
// CODE_GREEN -> COMMIT directly once the tests already pass, skipping the
// REFACTOR phase tddworkflow.CycleWorkflow used to always force.
func TestCycleWorkflowAdvancesOnExternalPhaseCommandsAndCanSkipRefactor(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()

	var a *Activities
	env.OnActivity(a.DesignActivity, mock.Anything, mock.Anything).Return(StepResult{Success: true}, nil)
	env.OnActivity(a.WriteTestActivity, mock.Anything, mock.Anything).Return(StepResult{
		Success: true, HasFailingTests: true, CommittedTestFileCount: 1,
	}, nil)
	env.OnActivity(a.ImplementActivity, mock.Anything, mock.Anything).Return(StepResult{
		Success: true, HasPassingTests: true,
	}, nil)
	env.OnActivity(a.CommitActivity, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	for i, command := range []string{tddstate.CmdDesign, tddstate.CmdWriteTest, tddstate.CmdImplement, tddstate.CmdCommit} {
		command := command
		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(phaseAdvanceSignal, command)
		}, time.Duration(i)*time.Millisecond)
	}

	env.ExecuteWorkflow(CycleWorkflow, CycleRequest{
		Project: "demo", StoryID: "story-1", CycleID: "cycle-1", TaskID: "task-1",
		CoverageThreshold: 70, OrchestrationMode: capability.Autonomous,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertActivityNotCalled(t, "RefactorActivity", mock.Anything, mock.Anything)
	env.AssertExpectations(t)
}

// TestCycleWorkflowBlockingModeGatesBeforeActivityRuns verifies the approval
// gate for entering a phase resolves before that phase's agent activity
// runs, and that rejecting it stops the cycle without ever dispatching the
// agent.
func TestCycleWorkflowBlockingModeGatesBeforeActivityRuns(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()

	var a *Activities
	var designCalled bool
	env.OnActivity(a.DesignActivity, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		designCalled = true
	}).Return(StepResult{Success: true}, nil)
	env.OnActivity(a.RequestApprovalActivity, mock.Anything, mock.Anything).Return("approval-1", nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(phaseAdvanceSignal, tddstate.CmdDesign)
	}, 0)
	env.RegisterDelayedCallback(func() {
		if designCalled {
			t.Error("DESIGN activity ran before its approval gate resolved")
		}
		env.SignalWorkflow("approval-resolution", "REJECTED")
	}, time.Millisecond)

	env.ExecuteWorkflow(CycleWorkflow, CycleRequest{
		Project: "demo", StoryID: "story-1", CycleID: "cycle-1", TaskID: "task-1",
		CoverageThreshold: 70, OrchestrationMode: capability.Blocking,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.False(t, designCalled, "DESIGN activity must not run once its approval is rejected")
}
