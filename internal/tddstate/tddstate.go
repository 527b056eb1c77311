// Package tddstate implements the nested TDD micro-cycle finite state
// machine (spec §4.3): DESIGN -> TEST_RED -> CODE_GREEN -> REFACTOR ->
// COMMIT, registered under a story. The orchestrator owns one Machine per
// story with an active cycle.
package tddstate

import "fmt"

// State is one of the TDD micro-cycle's closed set of states.
type State string

const (
	Design    State = "DESIGN"
	TestRed   State = "TEST_RED"
	CodeGreen State = "CODE_GREEN"
	Refactor  State = "REFACTOR"
	Commit    State = "COMMIT"
)

// The TDD commands. commandToState maps each one 1:1 to the state it
// targets, so a state with two outgoing edges (CODE_GREEN to REFACTOR or
// COMMIT; REFACTOR to COMMIT or back to TEST_RED) is left by whichever
// command names the target; ValidateCommand then checks that edge's guard
// against TaskContext.
const (
	CmdDesign    = "design"
	CmdWriteTest = "write_test"
	CmdImplement = "implement"
	CmdRefactor  = "refactor"
	CmdCommit    = "commit"
)

// TaskContext carries the facts a transition's precondition needs,
// assembled by the orchestrator from the current TDD Task.
type TaskContext struct {
	HasFailingTests       bool
	HasPassingTests       bool
	CommittedTestFileCount int
	CoverageBeforeRefactor float64
	CoverageAfterRefactor  float64
	CoverageThreshold      float64
	MoreTasksRemain        bool
}

type edge struct {
	from  State
	to    State
	guard func(TaskContext) bool
}

func edges() []edge {
	return []edge{
		{Design, TestRed, nil},
		{TestRed, CodeGreen, func(c TaskContext) bool {
			return c.HasFailingTests && c.CommittedTestFileCount >= 1
		}},
		{CodeGreen, Refactor, nil},
		{CodeGreen, Commit, func(c TaskContext) bool { return c.HasPassingTests }},
		{Refactor, Commit, func(c TaskContext) bool {
			return c.HasPassingTests && c.CoverageAfterRefactor >= c.CoverageThreshold
		}},
		{Refactor, TestRed, nil},
		{Commit, Design, nil},
	}
}

// hints keyed by (from-state, command) for the most common rejections.
var hints = map[string]string{
	"TEST_RED:implement":  "commit at least one failing test first",
	"CODE_GREEN:commit":   "no passing tests yet — implement until the suite is green",
	"REFACTOR:commit":     "refactor reduced coverage below the project threshold, or tests are failing",
}

// Result is the outcome of ValidateCommand or Transition.
type Result struct {
	Success      bool
	NewState     State
	ErrorMessage string
	Hint         string
	// CycleComplete is set on a COMMIT->DESIGN transition when no task
	// remains: the cycle has reached its terminal state (spec §4.3).
	CycleComplete bool
}

// Machine is one TDD task's micro-cycle state.
type Machine struct {
	current State
}

// New constructs a Machine in DESIGN, the TDD cycle's initial state.
func New() *Machine {
	return &Machine{current: Design}
}

// Restore reconstructs a Machine at a known state, e.g. crash recovery
// (spec §4.5's "needs_recovery" path).
func Restore(s State) *Machine {
	return &Machine{current: s}
}

func (m *Machine) Current() State { return m.current }

func commandToState(command string) (State, bool) {
	switch command {
	case CmdDesign:
		return Design, true
	case CmdWriteTest:
		return TestRed, true
	case CmdImplement:
		return CodeGreen, true
	case CmdRefactor:
		return Refactor, true
	case CmdCommit:
		return Commit, true
	default:
		return "", false
	}
}

// ValidateCommand reports whether command is admissible from the current
// state under ctx, without committing any change.
func (m *Machine) ValidateCommand(command string, ctx TaskContext) Result {
	target, ok := commandToState(command)
	if !ok {
		return Result{Success: false, ErrorMessage: "unknown_command", Hint: fmt.Sprintf("%q is not a TDD command", command)}
	}

	for _, e := range edges() {
		if e.from != m.current || e.to != target {
			continue
		}
		if e.guard != nil && !e.guard(ctx) {
			return Result{
				Success:      false,
				ErrorMessage: "precondition_failed",
				Hint:         hints[string(m.current)+":"+command],
			}
		}
		result := Result{Success: true, NewState: target}
		if m.current == Commit && target == Design && !ctx.MoreTasksRemain {
			result.CycleComplete = true
		}
		return result
	}

	return Result{
		Success:      false,
		ErrorMessage: "invalid_transition",
		Hint:         fmt.Sprintf("%s has no %q edge", m.current, command),
	}
}

// Transition validates command and, if admissible, commits the state
// change.
func (m *Machine) Transition(command string, ctx TaskContext) Result {
	result := m.ValidateCommand(command, ctx)
	if result.Success {
		m.current = result.NewState
	}
	return result
}
