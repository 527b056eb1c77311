// Package wfstate implements the primary workflow finite state machine
// (spec §4.2): a closed enum of states plus a transition table keyed by
// (state, command), with a separate predicate table for preconditions and
// a registry of active TDD cycles used to couple the two state machines.
package wfstate

import "fmt"

// State is one of the primary workflow's closed set of states.
type State string

const (
	IDLE           State = "IDLE"
	BacklogReady   State = "BACKLOG_READY"
	SprintPlanned  State = "SPRINT_PLANNED"
	SprintActive   State = "SPRINT_ACTIVE"
	SprintPaused   State = "SPRINT_PAUSED"
	SprintReview   State = "SPRINT_REVIEW"
	Blocked        State = "BLOCKED"
)

// queryCommands never change state and are accepted in every state.
var queryCommands = map[string]bool{
	"state":         true,
	"backlog_view":  true,
	"sprint_status": true,
	"tdd_status":    true,
	"tdd_overview":  true,
}

// backlogCommands mutate the backlog and are accepted in every state
// except SPRINT_REVIEW.
var backlogCommands = map[string]bool{
	"backlog_add_story":   true,
	"backlog_prioritize":  true,
	"backlog_remove":      true,
}

// transition is one (from, command) -> to edge, with an optional guard
// predicate evaluated against the caller-supplied Context.
type transition struct {
	from    State
	command string
	to      State
	guard   func(ctx Context) bool
}

// Context carries the facts a transition's guard needs to decide
// admissibility. It is assembled by the orchestrator from the in-memory
// aggregate immediately before calling ValidateCommand/Transition.
type Context struct {
	HasStories           bool
	HasActiveTDDCycles   bool
	ActiveTDDCycleIDs    []string
}

func hasStories(ctx Context) bool { return ctx.HasStories }
func noActiveTDDCycles(ctx Context) bool { return !ctx.HasActiveTDDCycles }

var table = buildTable()

func buildTable() map[string]transition {
	transitions := []transition{
		{IDLE, "create_epic", BacklogReady, nil},

		{BacklogReady, "create_epic", BacklogReady, nil},
		{BacklogReady, "approve", BacklogReady, nil},
		{BacklogReady, "prioritize", BacklogReady, nil},
		{BacklogReady, "plan_sprint", SprintPlanned, hasStories},

		{SprintPlanned, "start_sprint", SprintActive, nil},
		{SprintPlanned, "cancel_sprint", BacklogReady, nil},

		{SprintActive, "sprint_status", SprintActive, nil},
		{SprintActive, "update_task", SprintActive, nil},
		{SprintActive, "approve_task", SprintActive, nil},
		{SprintActive, "pause_sprint", SprintPaused, nil},
		{SprintActive, "complete_sprint", SprintReview, noActiveTDDCycles},
		{SprintActive, "block", Blocked, nil},

		{SprintPaused, "resume_sprint", SprintActive, nil},
		{SprintPaused, "cancel_sprint", BacklogReady, nil},

		{Blocked, "suggest_fix", SprintActive, nil},
		{Blocked, "skip_task", SprintActive, nil},

		{SprintReview, "request_changes", BacklogReady, nil},
		{SprintReview, "feedback", IDLE, nil},
	}

	out := make(map[string]transition, len(transitions))
	for _, t := range transitions {
		out[key(t.from, t.command)] = t
	}
	return out
}

func key(s State, command string) string {
	return string(s) + ":" + command
}

// hints gives human-readable next-step guidance for rejected commands,
// keyed by (command, state).
var hints = map[string]string{
	key(BacklogReady, "plan_sprint"):    "no stories in the backlog yet — use backlog_add_story first",
	key(SprintActive, "complete_sprint"): "project has active TDD cycles — drive them to COMMIT first",
}

func hint(command string, s State) string {
	if h, ok := hints[key(s, command)]; ok {
		return h
	}
	return ""
}

// Result is the outcome of ValidateCommand or Transition.
type Result struct {
	Success      bool
	NewState     State
	ErrorMessage string
	Hint         string
}

// Machine is one project's workflow FSM, plus the registry of active TDD
// cycles that couples it to the TDD FSM (invariant I3).
type Machine struct {
	current     State
	tddCycles   map[string]string // story_id -> cycle_id
}

// New constructs a Machine in IDLE, the workflow's initial state.
func New() *Machine {
	return &Machine{current: IDLE, tddCycles: make(map[string]string)}
}

// Restore reconstructs a Machine at a known state, e.g. after loading a
// project's persisted aggregate.
func Restore(s State) *Machine {
	return &Machine{current: s, tddCycles: make(map[string]string)}
}

func (m *Machine) Current() State { return m.current }

// RegisterTDDCycle records that story has an active TDD cycle, coupling
// this Machine's SPRINT_REVIEW/IDLE exits to that cycle reaching COMMIT.
func (m *Machine) RegisterTDDCycle(storyID, cycleID string) {
	m.tddCycles[storyID] = cycleID
}

// UnregisterTDDCycle removes the coupling once a cycle completes or aborts.
func (m *Machine) UnregisterTDDCycle(storyID string) {
	delete(m.tddCycles, storyID)
}

func (m *Machine) HasActiveTDDCycles() bool {
	return len(m.tddCycles) > 0
}

func (m *Machine) ActiveTDDCycleIDs() []string {
	ids := make([]string, 0, len(m.tddCycles))
	for _, cycleID := range m.tddCycles {
		ids = append(ids, cycleID)
	}
	return ids
}

// AllowedCommands enumerates every command admissible from the current
// state under ctx, including the always-available query commands and the
// backlog-mutation commands (admissible everywhere except SPRINT_REVIEW).
func (m *Machine) AllowedCommands(ctx Context) []string {
	var out []string
	for cmd := range queryCommands {
		out = append(out, cmd)
	}
	if m.current != SprintReview {
		for cmd := range backlogCommands {
			out = append(out, cmd)
		}
	}
	for _, t := range table {
		if t.from != m.current {
			continue
		}
		if t.guard == nil || t.guard(ctx) {
			out = append(out, t.command)
		}
	}
	return out
}

// ValidateCommand reports whether command is admissible from the current
// state under ctx, without committing any change (spec §4.2's
// validate_command).
func (m *Machine) ValidateCommand(command string, ctx Context) Result {
	if queryCommands[command] {
		return Result{Success: true, NewState: m.current}
	}
	if backlogCommands[command] {
		if m.current == SprintReview {
			return Result{
				Success:      false,
				ErrorMessage: "invalid_transition",
				Hint:         "backlog cannot be mutated during SPRINT_REVIEW — resolve the review first",
			}
		}
		return Result{Success: true, NewState: m.current}
	}

	t, ok := table[key(m.current, command)]
	if !ok {
		return Result{
			Success:      false,
			ErrorMessage: "unknown_command",
			Hint:         fmt.Sprintf("%q is not valid from %s", command, m.current),
		}
	}
	if t.guard != nil && !t.guard(ctx) {
		return Result{
			Success:      false,
			ErrorMessage: "precondition_failed",
			Hint:         hint(command, m.current),
		}
	}
	return Result{Success: true, NewState: t.to}
}

// Transition validates command and, if admissible, commits the state
// change (spec §4.2's transition).
func (m *Machine) Transition(command string, ctx Context) Result {
	result := m.ValidateCommand(command, ctx)
	if !result.Success {
		return result
	}
	if queryCommands[command] || backlogCommands[command] {
		return result
	}
	m.current = result.NewState
	return result
}
