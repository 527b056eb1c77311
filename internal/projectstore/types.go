package projectstore

import "time"

// Aggregate is the root in-memory project value (spec.md's "Aggregate"):
// epics, stories, sprints, and project-level TDD settings. It is the unit
// persisted to backlog.json.
type Aggregate struct {
	Epics       []Epic      `json:"epics"`
	Stories     []Story     `json:"stories"`
	Sprints     []Sprint    `json:"sprints"`
	TDDSettings TDDSettings `json:"tdd_settings"`
}

type TDDSettings struct {
	CoverageThreshold float64 `json:"coverage_threshold"`
}

type EpicStatus string

const (
	EpicActive    EpicStatus = "ACTIVE"
	EpicCompleted EpicStatus = "COMPLETED"
	EpicArchived  EpicStatus = "ARCHIVED"
)

type Epic struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Status             EpicStatus `json:"status"`
	Priority           int        `json:"priority"`
	StoryIDs           []string   `json:"story_ids"`
	AcceptanceCriteria []string   `json:"acceptance_criteria"`
	TDDRequirements    []string   `json:"tdd_requirements"`
	TDDConstraints     []string   `json:"tdd_constraints"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type StoryStatus string

const (
	StoryBacklog    StoryStatus = "BACKLOG"
	StorySprint     StoryStatus = "SPRINT"
	StoryInProgress StoryStatus = "IN_PROGRESS"
	StoryReview     StoryStatus = "REVIEW"
	StoryDone       StoryStatus = "DONE"
	StoryBlocked    StoryStatus = "BLOCKED"
)

type Story struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	EpicID             string      `json:"epic_id,omitempty"`
	SprintID           string      `json:"sprint_id,omitempty"`
	Status             StoryStatus `json:"status"`
	Priority           int         `json:"priority"` // 1 (highest) .. 5
	AcceptanceCriteria []string    `json:"acceptance_criteria"`
	Dependencies       []string    `json:"dependencies"`
	TDDCycleID         string      `json:"tdd_cycle_id,omitempty"`
	TestStatus         string      `json:"test_status,omitempty"`
	TestFiles          []string    `json:"test_files"`
	CIStatus           string      `json:"ci_status,omitempty"`
	TestCoverage        float64     `json:"test_coverage"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

type SprintStatus string

const (
	SprintPlannedStatus  SprintStatus = "PLANNED"
	SprintActiveStatus   SprintStatus = "ACTIVE"
	SprintCompletedStatus SprintStatus = "COMPLETED"
	SprintCancelledStatus SprintStatus = "CANCELLED"
)

type Sprint struct {
	ID                string       `json:"id"`
	Goal              string       `json:"goal"`
	Status            SprintStatus `json:"status"`
	StoryIDs          []string     `json:"story_ids"`
	StartDate         *time.Time   `json:"start_date,omitempty"`
	EndDate           *time.Time   `json:"end_date,omitempty"`
	Retrospective     string       `json:"retrospective,omitempty"`
	ActiveTDDCycleIDs []string     `json:"active_tdd_cycle_ids"`
	TDDMetrics        TDDMetrics   `json:"tdd_metrics"`
}

type TDDMetrics struct {
	TestsWritten int `json:"tests_written"`
	Commits      int `json:"commits"`
	Refactors    int `json:"refactors"`
}

type TDDCycle struct {
	ID              string     `json:"id"`
	StoryID         string     `json:"story_id"`
	CurrentState    string     `json:"current_state"`
	CurrentTaskID   string     `json:"current_task_id,omitempty"`
	Tasks           []TDDTask  `json:"tasks"`
	TestRuns        int        `json:"counter_test_runs"`
	Refactors       int        `json:"counter_refactors"`
	Commits         int        `json:"counter_commits"`
	CIStatus        string     `json:"ci_status,omitempty"`
	OverallCoverage float64    `json:"overall_coverage"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	NeedsRecovery   bool       `json:"needs_recovery,omitempty"`
}

type TDDTask struct {
	ID                 string       `json:"id"`
	CycleID            string       `json:"cycle_id"`
	Description        string       `json:"description"`
	AcceptanceCriteria []string     `json:"acceptance_criteria"`
	CurrentState       string       `json:"current_state"`
	TestFiles          []TestFile   `json:"test_files"`
	SourceFiles        []string     `json:"source_files"`
	TestResults        []TestResult `json:"test_results"`
	Notes              map[string]string `json:"notes"`
	CIStatus           string       `json:"ci_status,omitempty"`
	Coverage           float64      `json:"coverage"`
	CreatedAt          time.Time    `json:"created_at"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
}

type TestFileStatus string

const (
	TestFileDraft      TestFileStatus = "DRAFT"
	TestFileCommitted  TestFileStatus = "COMMITTED"
	TestFilePassing    TestFileStatus = "PASSING"
	TestFileIntegrated TestFileStatus = "INTEGRATED"
)

type TestFile struct {
	ID           string         `json:"id"`
	FilePath     string         `json:"file_path"`
	RelativePath string         `json:"relative_path"`
	StoryID      string         `json:"story_id"`
	TaskID       string         `json:"task_id"`
	Status       TestFileStatus `json:"status"`
	CIStatus     string         `json:"ci_status,omitempty"`
	TotalCount   int            `json:"total_count"`
	PassingCount int            `json:"passing_count"`
	FailingCount int            `json:"failing_count"`
	Coverage     float64        `json:"coverage"`
	CreatedAt    time.Time      `json:"created_at"`
	CommittedAt  *time.Time     `json:"committed_at,omitempty"`
	IntegratedAt *time.Time     `json:"integrated_at,omitempty"`
}

type TestResultStatus string

const (
	TestNotRun TestResultStatus = "NOT_RUN"
	TestRed    TestResultStatus = "RED"
	TestGreen  TestResultStatus = "GREEN"
	TestError  TestResultStatus = "ERROR"
)

type TestResult struct {
	ID            string           `json:"id"`
	TestFile      string           `json:"test_file"`
	TestName      string           `json:"test_name"`
	Status        TestResultStatus `json:"status"`
	Output        string           `json:"output,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	ExecutionTime float64          `json:"execution_time"`
	Timestamp     time.Time        `json:"timestamp"`
}

// StatusSnapshot is written to status.json so the Supervisor can read a
// project's liveness/progress without touching its owning Orchestrator's
// in-memory state (spec §6.4).
type StatusSnapshot struct {
	ProjectName    string    `json:"project_name"`
	WorkflowState  string    `json:"workflow_state"`
	ActiveCycles   int       `json:"active_tdd_cycles"`
	LastUpdated    time.Time `json:"last_updated"`
	Healthy        bool      `json:"healthy"`
}

// HealthReport is the structured result of CheckStorageHealth.
type HealthReport struct {
	DirectoryExists bool     `json:"directory_exists"`
	Writable        bool     `json:"writable"`
	InvalidFiles    []string `json:"invalid_files"`
	TotalBytes      int64    `json:"total_bytes"`
}
