// Package pipeline implements the Command Pipeline (spec §4.7): the single
// entry point every command passes through, whether it arrives from the
// HTTP surface, a CLI, or a chat integration. Workflow commands run the
// seven stages in order — resolve project, parse, check admissibility, gate
// approval, dispatch, emit, respond. The abort verbs (abort, tdd_abort),
// tdd_start_cycle and the /tdd phase-advance verbs go from parsing straight
// to the Orchestrator: the pipeline runs no admissibility check, approval
// gate or emit stage for them, so no orchestration mode holds them for
// approval here.
//
// Grounded on the teacher's internal/dispatch/command.go for the
// verb/placeholder parsing idiom and internal/api/api.go for the HTTP
// surface (mux routing, writeJSON/writeError, graceful shutdown).
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/antigravity-dev/orchcore/internal/capability"
	"github.com/antigravity-dev/orchcore/internal/config"
	"github.com/antigravity-dev/orchcore/internal/orchestrator"
	"github.com/antigravity-dev/orchcore/internal/tddstate"
)

// tddAdvanceCommands maps parseCommand's "tdd_design"-style verbs to the
// tddstate.Cmd* string Orchestrator.AdvanceTDD signals the running cycle
// workflow with (spec §6.1's /tdd design|test|code|refactor|commit).
var tddAdvanceCommands = map[string]string{
	"tdd_design":   tddstate.CmdDesign,
	"tdd_test":     tddstate.CmdWriteTest,
	"tdd_code":     tddstate.CmdImplement,
	"tdd_refactor": tddstate.CmdRefactor,
	"tdd_commit":   tddstate.CmdCommit,
}

// Request is the pipeline's single entry shape (spec §4.7): a raw command
// line plus the caller's project/requester context.
type Request struct {
	Command     string
	Args        map[string]string
	ProjectName string
	RequesterID string
}

// Response is the pipeline's structured reply (spec §4.7 stage 7).
type Response struct {
	Success           bool
	CurrentState      string
	AllowedCommands   []string
	Message           string
	Hint              string
	Artifacts         map[string]string
	PendingApprovalID string
}

// Pipeline holds each registered project's Orchestrator and configured
// orchestration mode, plus each requester's last active project.
type Pipeline struct {
	mu sync.Mutex

	orchestrators map[string]*orchestrator.Orchestrator
	modes         map[string]capability.OrchestrationMode

	lastActiveProject map[string]string // requester -> project name
}

// New constructs an empty Pipeline; call Register for each supervised
// project before Process.
func New() *Pipeline {
	return &Pipeline{
		orchestrators:     make(map[string]*orchestrator.Orchestrator),
		modes:             make(map[string]capability.OrchestrationMode),
		lastActiveProject: make(map[string]string),
	}
}

// Register binds a project name to its Orchestrator and orchestration mode.
func (p *Pipeline) Register(name string, orch *orchestrator.Orchestrator, mode config.Project) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orchestrators[name] = orch
	p.modes[name] = capability.OrchestrationMode(mode.OrchestrationMode)
}

// Process runs req through all seven pipeline stages.
func (p *Pipeline) Process(ctx context.Context, req Request) Response {
	project, err := p.resolveProject(req)
	if err != nil {
		return Response{Success: false, Message: "need_project", Hint: err.Error()}
	}

	verb, args, err := parseCommand(req.Command, req.Args)
	if err != nil {
		return Response{Success: false, Message: "unknown_command", Hint: err.Error()}
	}

	p.mu.Lock()
	orch := p.orchestrators[project]
	mode := p.modes[project]
	p.lastActiveProject[req.RequesterID] = project
	p.mu.Unlock()

	switch verb {
	case "abort", "tdd_abort":
		if err := orch.AbortTDDCycle(ctx, args["story_id"]); err != nil {
			return Response{Success: false, Message: "abort_failed", Hint: err.Error()}
		}
		return Response{Success: true, Message: "cancelled"}

	case "tdd_start_cycle":
		cycleID, err := orch.StartTDDCycle(ctx, args["story_id"], args["task_id"], args["description"])
		if err != nil {
			return Response{Success: false, Message: "tdd_start_failed", Hint: err.Error()}
		}
		return Response{Success: true, Message: "tdd_cycle_started", Artifacts: map[string]string{"cycle_id": cycleID}}
	}

	if phaseCommand, ok := tddAdvanceCommands[verb]; ok {
		if err := orch.AdvanceTDD(ctx, args["story_id"], phaseCommand); err != nil {
			return Response{Success: false, Message: "advance_failed", Hint: err.Error()}
		}
		return Response{Success: true, Message: "tdd_advanced"}
	}

	preview, allowed := orch.Preview(verb)
	if !preview.Success {
		return Response{
			Success:         false,
			CurrentState:    string(preview.NewState),
			AllowedCommands: allowed,
			Message:         preview.ErrorMessage,
			Hint:            preview.Hint,
		}
	}

	if capability.RequiresApproval(mode, verb) {
		approvalArgs := make(map[string]string, len(args)+2)
		for k, v := range args {
			approvalArgs[k] = v
		}
		approvalArgs["command"] = verb
		approvalArgs["requester"] = req.RequesterID

		entry := orch.RequestApproval(fmt.Sprintf("%s requires approval under %s mode", verb, mode), approvalArgs)
		return Response{
			Success:           true,
			PendingApprovalID: entry.ID,
			Message:           "pending_approval",
		}
	}

	result := orch.HandleCommand(verb, args, req.RequesterID)
	return Response{
		Success:         result.Success,
		CurrentState:    string(result.NewState),
		AllowedCommands: allowed,
		Message:         strings.Join(result.Messages, "; "),
		Hint:            result.ErrorHint,
		Artifacts:       result.Artifacts,
	}
}

// resolveProject applies spec §4.7 stage 1: explicit project name, else the
// requester's last-active project, else the single registered project, else
// need_project.
func (p *Pipeline) resolveProject(req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ProjectName != "" {
		if _, ok := p.orchestrators[req.ProjectName]; !ok {
			return "", fmt.Errorf("unknown project %q", req.ProjectName)
		}
		return req.ProjectName, nil
	}

	if last, ok := p.lastActiveProject[req.RequesterID]; ok {
		if _, exists := p.orchestrators[last]; exists {
			return last, nil
		}
	}

	if len(p.orchestrators) == 1 {
		for name := range p.orchestrators {
			return name, nil
		}
	}

	return "", fmt.Errorf("no project specified and none can be inferred")
}

// parseCommand canonicalizes a raw command line to a verb plus merged
// arguments (spec §4.7 stage 2), translating spec §6.1's external command
// surface (/epic, /sprint <sub>, /backlog <sub>, /tdd <sub>, ...) into the
// verb strings wfstate, tddstate, and the pipeline's own TDD routing expect.
// A first word outside those families passes through unchanged, with its
// remaining words folded into args["target"], so callers that already speak
// in internal verb names (create_epic, plan_sprint, ...) keep working.
func parseCommand(raw string, extraArgs map[string]string) (string, map[string]string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "/")
	if raw == "" {
		return "", nil, fmt.Errorf("empty command")
	}

	fields := strings.Fields(raw)
	verb := fields[0]
	rest := fields[1:]

	args := make(map[string]string, len(extraArgs)+1)
	for k, v := range extraArgs {
		args[k] = v
	}

	switch verb {
	case "epic":
		if len(rest) > 0 {
			args["description"] = unquoteJoin(rest)
		}
		return "create_epic", args, nil

	case "approve":
		if len(rest) > 0 {
			args["ids"] = strings.Join(rest, " ")
		}
		return "approve", args, nil

	case "request_changes", "feedback", "suggest_fix":
		if len(rest) > 0 {
			args["description"] = unquoteJoin(rest)
		}
		return verb, args, nil

	case "skip_task", "state":
		return verb, args, nil

	case "sprint":
		if len(rest) == 0 {
			return "", nil, fmt.Errorf("/sprint requires a sub-command")
		}
		switch rest[0] {
		case "plan":
			if len(rest) > 1 {
				args["story_ids"] = strings.Join(rest[1:], ",")
			}
			return "plan_sprint", args, nil
		case "start":
			return "start_sprint", args, nil
		case "pause":
			return "pause_sprint", args, nil
		case "resume":
			return "resume_sprint", args, nil
		case "status":
			return "sprint_status", args, nil
		default:
			return "", nil, fmt.Errorf("unknown /sprint sub-command %q", rest[0])
		}

	case "backlog":
		if len(rest) == 0 {
			return "", nil, fmt.Errorf("/backlog requires a sub-command")
		}
		switch rest[0] {
		case "view":
			return "backlog_view", args, nil
		case "add_story":
			parseBacklogAddStory(rest[1:], args)
			return "backlog_add_story", args, nil
		case "prioritize":
			if len(rest) > 1 {
				args["story_id"] = rest[1]
			}
			if len(rest) > 2 {
				args["priority"] = rest[2]
			}
			return "backlog_prioritize", args, nil
		default:
			return "", nil, fmt.Errorf("unknown /backlog sub-command %q", rest[0])
		}

	case "tdd":
		if len(rest) == 0 {
			return "", nil, fmt.Errorf("/tdd requires a sub-command")
		}
		switch rest[0] {
		case "start":
			if len(rest) > 1 {
				args["story_id"] = strings.Join(rest[1:], " ")
			}
			return "tdd_start_cycle", args, nil
		case "design", "test", "code", "refactor", "commit", "status", "abort", "overview":
			return "tdd_" + rest[0], args, nil
		default:
			return "", nil, fmt.Errorf("unknown /tdd sub-command %q", rest[0])
		}
	}

	if len(rest) > 0 {
		args["target"] = strings.Join(rest, " ")
	}
	return verb, args, nil
}

// unquoteJoin joins parts with a space and strips one pair of surrounding
// double quotes, matching spec §6.1's `"<description>"` argument syntax.
func unquoteJoin(parts []string) string {
	joined := strings.Join(parts, " ")
	if len(joined) >= 2 && strings.HasPrefix(joined, `"`) && strings.HasSuffix(joined, `"`) {
		return joined[1 : len(joined)-1]
	}
	return joined
}

// parseBacklogAddStory splits /backlog add_story's trailing tokens into the
// quoted description plus any key=value modifiers (epic=<id>,
// priority=top|high|medium|low).
func parseBacklogAddStory(fields []string, args map[string]string) {
	var descParts []string
	for _, f := range fields {
		if k, v, ok := strings.Cut(f, "="); ok {
			args[k] = v
			continue
		}
		descParts = append(descParts, f)
	}
	if len(descParts) > 0 {
		args["description"] = unquoteJoin(descParts)
	}
}
