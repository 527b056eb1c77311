// Package tddworkflow runs one TDD micro-cycle (spec §4.3) as a durable
// Temporal workflow: each state transition is an activity call, and the
// Approval Ledger's human-in-the-loop gate is a signal wait. A crash of the
// orchestrator process does not lose cycle progress — Temporal replays the
// workflow history on the next worker poll.
//
// Grounded on the teacher's internal/temporal/workflow.go (phased
// ActivityOptions per step, workflow.GetSignalChannel human-approval gate,
// workflow.ExecuteActivity chaining) and internal/temporal/worker.go
// (RegisterWorkflow/RegisterActivity wiring), adapted from cortex's
// plan-execute-review-DoD loop to this spec's DESIGN-TEST_RED-CODE_GREEN-
// REFACTOR-COMMIT cycle.
package tddworkflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/orchcore/internal/capability"
	"github.com/antigravity-dev/orchcore/internal/tddstate"
)

// CycleRequest is the input to CycleWorkflow: enough context for the
// activities to dispatch agents and evaluate guards without reaching back
// into the orchestrator's in-memory state. Every field must be a plain
// value Temporal's data converter can serialize onto workflow history —
// unlike a closure, OrchestrationMode survives a worker restart and
// workflow replay.
type CycleRequest struct {
	Project           string
	StoryID           string
	CycleID           string
	TaskID            string
	Description       string
	CoverageThreshold float64
	OrchestrationMode capability.OrchestrationMode
}

// StepResult is what each phase activity reports back to the workflow.
type StepResult struct {
	Success                bool
	HasFailingTests        bool
	HasPassingTests        bool
	CommittedTestFileCount int
	CoverageBefore         float64
	CoverageAfter          float64
	MoreTasksRemain        bool
	FailureReason          string
}

// ApprovalRequest is sent to the Approval Ledger (via the RequestApproval
// activity) when a phase transition needs a human gate under the project's
// orchestration mode.
type ApprovalRequest struct {
	Project string
	CycleID string
	Phase   tddstate.State
	Command string
}

func stepOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
}

// phaseAdvanceSignal is the channel Orchestrator.AdvanceTDD signals (spec
// §4.5's advance_tdd(story_id, phase_command), surfaced externally as
// /tdd design|test|code|refactor|commit): each value is one of tddstate's
// Cmd* command strings.
const phaseAdvanceSignal = "phase-advance"

// CycleWorkflow drives one TDD cycle through internal/tddstate's DAG:
// DESIGN -> TEST_RED -> CODE_GREEN -> (REFACTOR <-> TEST_RED)* -> COMMIT,
// and loops back to DESIGN for the next task unless the story's task list
// is exhausted. Unlike the primary workflow FSM, no phase here self-advances:
// each transition waits for an external phase-advance signal naming the
// command to take, so an operator (or the Command Pipeline on their behalf)
// decides when a phase's agent runs and, at CODE_GREEN/REFACTOR, whether to
// skip straight to COMMIT.
func CycleWorkflow(ctx workflow.Context, req CycleRequest) error {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	machine := tddstate.New()
	var lastResult StepResult

	if err := enterPhase(ctx, a, req, tddstate.Design); err != nil {
		return err
	}

	for {
		logger.Info("tdd cycle phase starting", "phase", machine.Current(), "cycle", req.CycleID)

		if machine.Current() == tddstate.Commit {
			commitCtx := workflow.WithActivityOptions(ctx, stepOptions(30*time.Second))
			if err := workflow.ExecuteActivity(commitCtx, a.CommitActivity, req, lastResult).Get(ctx, nil); err != nil {
				return fmt.Errorf("tddworkflow: commit phase for cycle %s: %w", req.CycleID, err)
			}

			transition := machine.Transition(tddstate.CmdDesign, tddstate.TaskContext{MoreTasksRemain: lastResult.MoreTasksRemain})
			if !transition.Success {
				return fmt.Errorf("tddworkflow: cycle %s cannot leave COMMIT: %s", req.CycleID, transition.ErrorMessage)
			}
			if transition.CycleComplete {
				logger.Info("tdd cycle complete", "cycle", req.CycleID)
				return nil
			}

			if err := enterPhase(ctx, a, req, tddstate.Design); err != nil {
				return err
			}
			continue
		}

		result, err := runPhaseActivity(ctx, a, machine.Current(), req)
		if err != nil {
			return fmt.Errorf("tddworkflow: phase %s failed: %w", machine.Current(), err)
		}
		if !result.Success {
			return fmt.Errorf("tddworkflow: phase %s reported failure: %s", machine.Current(), result.FailureReason)
		}
		lastResult = result

		taskCtx := tddstate.TaskContext{
			HasFailingTests:        result.HasFailingTests,
			HasPassingTests:        result.HasPassingTests,
			CommittedTestFileCount: result.CommittedTestFileCount,
			CoverageBeforeRefactor: result.CoverageBefore,
			CoverageAfterRefactor:  result.CoverageAfter,
			CoverageThreshold:      req.CoverageThreshold,
			MoreTasksRemain:        result.MoreTasksRemain,
		}

		command := awaitNextPhaseCommand(ctx, machine, taskCtx)
		if capability.RequiresApproval(req.OrchestrationMode, command) {
			if err := awaitApproval(ctx, a, req, machine.ValidateCommand(command, taskCtx).NewState); err != nil {
				return err
			}
		}

		transition := machine.Transition(command, taskCtx)
		if !transition.Success {
			return fmt.Errorf("tddworkflow: cycle %s cannot leave %s: %s", req.CycleID, machine.Current(), transition.ErrorMessage)
		}
	}
}

// enterPhase blocks for the external phase-advance signal that names phase's
// entry command, then applies the approval gate if req.OrchestrationMode
// requires one. It is only needed for DESIGN: every other phase is entered
// as the side effect of awaitNextPhaseCommand picking the transition that
// leads into it.
func enterPhase(ctx workflow.Context, a *Activities, req CycleRequest, phase tddstate.State) error {
	awaitPhaseCommand(ctx, commandForPhase(phase))
	if capability.RequiresApproval(req.OrchestrationMode, commandForPhase(phase)) {
		return awaitApproval(ctx, a, req, phase)
	}
	return nil
}

// awaitPhaseCommand blocks until a phase-advance signal names exactly want,
// discarding any earlier or mismatched command a caller sends too soon.
func awaitPhaseCommand(ctx workflow.Context, want string) {
	signalChan := workflow.GetSignalChannel(ctx, phaseAdvanceSignal)
	for {
		var command string
		signalChan.Receive(ctx, &command)
		if command == want {
			return
		}
	}
}

// awaitNextPhaseCommand blocks until a phase-advance signal names a command
// tddstate accepts from the machine's current phase under taskCtx, returning
// it so the caller can both gate approval and commit the transition with the
// exact edge the operator chose — e.g. CODE_GREEN -> COMMIT directly instead
// of always routing through REFACTOR.
func awaitNextPhaseCommand(ctx workflow.Context, machine *tddstate.Machine, taskCtx tddstate.TaskContext) string {
	signalChan := workflow.GetSignalChannel(ctx, phaseAdvanceSignal)
	for {
		var command string
		signalChan.Receive(ctx, &command)
		if machine.ValidateCommand(command, taskCtx).Success {
			return command
		}
	}
}

func awaitApproval(ctx workflow.Context, a *Activities, req CycleRequest, phase tddstate.State) error {
	approvalCtx := workflow.WithActivityOptions(ctx, stepOptions(10*time.Second))
	var approvalID string
	if err := workflow.ExecuteActivity(approvalCtx, a.RequestApprovalActivity, ApprovalRequest{
		Project: req.Project, CycleID: req.CycleID, Phase: phase,
	}).Get(ctx, &approvalID); err != nil {
		return fmt.Errorf("tddworkflow: request approval for %s: %w", phase, err)
	}

	signalChan := workflow.GetSignalChannel(ctx, "approval-resolution")
	var resolution string
	signalChan.Receive(ctx, &resolution)
	if resolution != "APPROVED" {
		return fmt.Errorf("tddworkflow: phase %s was not approved (got %q)", phase, resolution)
	}
	return nil
}

func runPhaseActivity(ctx workflow.Context, a *Activities, phase tddstate.State, req CycleRequest) (StepResult, error) {
	var result StepResult
	var err error
	switch phase {
	case tddstate.Design:
		designCtx := workflow.WithActivityOptions(ctx, stepOptions(5*time.Minute))
		err = workflow.ExecuteActivity(designCtx, a.DesignActivity, req).Get(ctx, &result)
	case tddstate.TestRed:
		testCtx := workflow.WithActivityOptions(ctx, stepOptions(10*time.Minute))
		err = workflow.ExecuteActivity(testCtx, a.WriteTestActivity, req).Get(ctx, &result)
	case tddstate.CodeGreen:
		implCtx := workflow.WithActivityOptions(ctx, stepOptions(15*time.Minute))
		err = workflow.ExecuteActivity(implCtx, a.ImplementActivity, req).Get(ctx, &result)
	case tddstate.Refactor:
		refactorCtx := workflow.WithActivityOptions(ctx, stepOptions(15*time.Minute))
		err = workflow.ExecuteActivity(refactorCtx, a.RefactorActivity, req).Get(ctx, &result)
	default:
		return StepResult{}, fmt.Errorf("tddworkflow: no activity registered for phase %s", phase)
	}
	return result, err
}

// commandForPhase returns the command that enters phase, for approval-mode
// lookups: each tddstate phase has exactly one command that targets it.
func commandForPhase(phase tddstate.State) string {
	switch phase {
	case tddstate.Design:
		return tddstate.CmdDesign
	case tddstate.TestRed:
		return tddstate.CmdWriteTest
	case tddstate.CodeGreen:
		return tddstate.CmdImplement
	case tddstate.Refactor:
		return tddstate.CmdRefactor
	case tddstate.Commit:
		return tddstate.CmdCommit
	default:
		return ""
	}
}
