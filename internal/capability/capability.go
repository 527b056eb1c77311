// Package capability implements the Agent Capability Registry (spec §4.4):
// static per-agent-type allow/deny tool lists and TDD-phase permissions as
// pure data, with pure validation functions over that data.
package capability

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antigravity-dev/orchcore/internal/tddstate"
)

// AgentType is one of the five worker kinds the orchestrator dispatches to.
type AgentType string

const (
	Orchestrator AgentType = "ORCHESTRATOR"
	Design       AgentType = "DESIGN"
	Code         AgentType = "CODE"
	QA           AgentType = "QA"
	Data         AgentType = "DATA"
)

// restrictedKeywords are bash argument substrings no agent (including
// ORCHESTRATOR) may use through the bash(x) family, regardless of its
// allowed-tools list.
var restrictedKeywords = []string{
	"sudo", "su ", "chmod", "chown", "kill", "killall",
	"format", "fdisk", "dd ", "shred",
}

// toolSet is the {allowed_tools, disallowed_tools, tdd_phases} triple for
// one agent type.
type toolSet struct {
	allowed   []string
	disallowed []string
	phases    []tddstate.State
}

// registry is the static data table this package's functions are pure over
// (spec §9's Design Notes: "prefer a static data table indexed by agent
// kind, plus a pure function validate(agent, tool)").
var registry = map[AgentType]toolSet{
	Orchestrator: {
		allowed:    []string{"Read", "Write", "Edit", "MultiEdit", "Glob", "Grep", "LS", "Task", "bash(*)"},
		disallowed: []string{"bash(sudo)", "bash(su)", "bash(format)", "bash(fdisk)", "bash(dd)", "bash(shred)"},
		phases:     []tddstate.State{tddstate.Design, tddstate.TestRed, tddstate.CodeGreen, tddstate.Refactor, tddstate.Commit},
	},
	Design: {
		allowed: []string{
			"Read", "Write", "Glob", "Grep", "LS",
			"bash(ls)", "bash(find)", "bash(head)", "bash(tail)", "bash(cat)", "bash(tree)", "bash(wc)", "bash(grep -r)",
		},
		disallowed: []string{"Edit", "MultiEdit", "NotebookEdit", "TodoWrite"},
		phases:     []tddstate.State{tddstate.Design},
	},
	Code: {
		allowed: []string{
			"Read", "Write", "Edit", "MultiEdit", "Glob", "Grep", "LS",
			"bash(git status)", "bash(git diff)", "bash(git log)", "bash(git add)", "bash(git commit)", "bash(git reset)",
			"bash(ls)", "bash(find)", "bash(grep)", "bash(head)", "bash(tail)", "bash(cat)", "bash(mkdir)", "bash(cp)", "bash(mv)",
			"bash(go build)", "bash(go vet)", "bash(go test)", "bash(gofmt)",
		},
		disallowed: []string{"TodoWrite"},
		phases:     []tddstate.State{tddstate.CodeGreen, tddstate.Refactor, tddstate.Commit},
	},
	QA: {
		allowed: []string{
			"Read", "Write", "Glob", "Grep", "LS",
			"bash(go test)", "bash(go test -v)", "bash(go test -run)", "bash(go vet)",
			"bash(ls)", "bash(find)", "bash(grep)", "bash(head)", "bash(tail)", "bash(cat)", "bash(wc)", "bash(diff)",
		},
		disallowed: []string{"Edit", "MultiEdit", "NotebookEdit", "TodoWrite", "bash(git add)", "bash(git commit)", "bash(git push)"},
		phases:     []tddstate.State{tddstate.TestRed},
	},
	Data: {
		allowed: []string{
			"Read", "Write", "Glob", "Grep", "LS",
			"bash(ls)", "bash(find)", "bash(grep)", "bash(head)", "bash(tail)", "bash(cat)", "bash(wc)",
			"bash(sort)", "bash(uniq)", "bash(cut)", "bash(awk)", "bash(sed)", "bash(jq)", "bash(sqlite3)",
		},
		disallowed: []string{"Edit", "MultiEdit", "TodoWrite", "bash(git add)", "bash(git commit)"},
		phases:     []tddstate.State{},
	},
}

// bashArg extracts x from a "bash(x)" tool string; ok is false if tool is
// not in that form.
func bashArg(tool string) (x string, ok bool) {
	if !strings.HasPrefix(tool, "bash(") || !strings.HasSuffix(tool, ")") {
		return "", false
	}
	return tool[len("bash(") : len(tool)-1], true
}

// ValidateTool implements spec §4.4's validate_tool(agent, tool).
func ValidateTool(agent AgentType, tool string) bool {
	ts, ok := registry[agent]
	if !ok {
		return false
	}
	for _, d := range ts.disallowed {
		if d == tool {
			return false
		}
	}
	for _, a := range ts.allowed {
		if a == tool {
			return true
		}
	}

	x, ok := bashArg(tool)
	if !ok {
		return false
	}
	for _, a := range ts.allowed {
		if ax, ok := bashArg(a); ok && ax != "*" && strings.Contains(ax, x) {
			return true
		}
		if ax, ok := bashArg(a); ok && ax == "*" {
			// bash(*) only on ORCHESTRATOR per the registry above; still
			// subject to the restricted-keyword scan below.
			for _, kw := range restrictedKeywords {
				if strings.Contains(x, kw) {
					return false
				}
			}
			return true
		}
	}
	for _, kw := range restrictedKeywords {
		if strings.Contains(x, kw) {
			return false
		}
	}
	return false
}

// ValidateTDDPhase implements spec §4.4's validate_tdd_phase(agent, phase).
func ValidateTDDPhase(agent AgentType, phase tddstate.State) bool {
	ts, ok := registry[agent]
	if !ok {
		return false
	}
	for _, p := range ts.phases {
		if p == phase {
			return true
		}
	}
	return false
}

// RiskLevel classifies a bash command's blast radius.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// dangerousPatterns are the small set of regexes spec §4.4 calls out by
// name: rm -rf /, sudo, curl|sh, command substitution, path traversal.
var dangerousPatterns = []struct {
	pattern *regexp.Regexp
	risk    RiskLevel
	reason  string
}{
	{regexp.MustCompile(`rm\s+-rf\s+/(\s|$)`), RiskCritical, "recursive delete of the filesystem root"},
	{regexp.MustCompile(`\bsudo\b`), RiskCritical, "privilege escalation"},
	{regexp.MustCompile(`curl[^|]*\|\s*(sh|bash)\b`), RiskCritical, "remote script piped directly into a shell"},
	{regexp.MustCompile(`wget[^|]*\|\s*(sh|bash)\b`), RiskCritical, "remote script piped directly into a shell"},
	{regexp.MustCompile("`[^`]+`"), RiskHigh, "command substitution"},
	{regexp.MustCompile(`\$\([^)]*\)`), RiskHigh, "command substitution"},
	{regexp.MustCompile(`\.\./`), RiskMedium, "path traversal"},
}

// BashCommandReport is the structured result of ValidateBashCommand.
type BashCommandReport struct {
	Allowed         bool
	RiskLevel       RiskLevel
	Violations      []string
	Recommendations []string
}

// ValidateBashCommand implements spec §4.4's validate_bash_command(agent,
// command_string): a command-level wrapper around ValidateTool that
// additionally rejects dangerous regex patterns.
func ValidateBashCommand(agent AgentType, commandString string) BashCommandReport {
	report := BashCommandReport{Allowed: true, RiskLevel: RiskLow}

	if !ValidateTool(agent, fmt.Sprintf("bash(%s)", commandString)) {
		report.Allowed = false
		report.RiskLevel = RiskHigh
		report.Violations = append(report.Violations, "unauthorized_tool")
		report.Recommendations = append(report.Recommendations, "request an agent type with bash access to this command")
	}

	for _, dp := range dangerousPatterns {
		if dp.pattern.MatchString(commandString) {
			report.Allowed = false
			if riskRank(dp.risk) > riskRank(report.RiskLevel) {
				report.RiskLevel = dp.risk
			}
			report.Violations = append(report.Violations, dp.reason)
			report.Recommendations = append(report.Recommendations, "remove or rewrite the flagged construct")
		}
	}

	return report
}

func riskRank(r RiskLevel) int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// OrchestrationMode is one of the four modes a project's approval gate is
// keyed by (spec §4.7).
type OrchestrationMode string

const (
	Blocking      OrchestrationMode = "BLOCKING"
	Partial       OrchestrationMode = "PARTIAL"
	Autonomous    OrchestrationMode = "AUTONOMOUS"
	Collaborative OrchestrationMode = "COLLABORATIVE"
)

// queryCommands never require approval in any mode — they don't change state.
var queryCommands = map[string]bool{
	"state": true, "backlog_view": true, "sprint_status": true,
	"tdd_status": true, "tdd_overview": true,
}

// destructiveCommands require approval under PARTIAL mode.
var destructiveCommands = map[string]bool{
	"cancel_sprint": true, "tdd_abort": true, "abort": true, "backlog_remove": true,
}

// reviewExitCommands require approval under COLLABORATIVE mode: the only
// gate that mode imposes is on leaving SPRINT_REVIEW.
var reviewExitCommands = map[string]bool{
	"request_changes": true, "feedback": true,
}

// RequiresApproval implements the mode -> required-approval mapping spec.md
// §4.7 describes but never fully enumerates (resolved in DESIGN.md's Open
// Question #4).
func RequiresApproval(mode OrchestrationMode, command string) bool {
	if queryCommands[command] {
		return false
	}
	switch mode {
	case Blocking:
		return true
	case Partial:
		return destructiveCommands[command]
	case Autonomous:
		return false
	case Collaborative:
		return reviewExitCommands[command]
	default:
		return true
	}
}
