package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Supervisor.AllocationStrategy != "fair_share" {
		t.Fatalf("expected default allocation_strategy, got %q", cfg.Supervisor.AllocationStrategy)
	}
	if cfg.Supervisor.MaxRestarts != 3 {
		t.Fatalf("expected default max_restarts 3, got %d", cfg.Supervisor.MaxRestarts)
	}
	if cfg.Temporal.TaskQueue != "orchcore-tdd-cycle" {
		t.Fatalf("expected default task queue, got %q", cfg.Temporal.TaskQueue)
	}

	demo, ok := cfg.Projects["demo"]
	if !ok {
		t.Fatal("expected demo project")
	}
	if demo.CoverageThreshold != 70 {
		t.Fatalf("expected default coverage threshold, got %v", demo.CoverageThreshold)
	}

	if cfg.Agents["CODE"] == "" {
		t.Fatal("expected a default agent command for CODE")
	}
}

func TestLoadKeepsExplicitAgentCommand(t *testing.T) {
	content := validConfig + "\n[agents]\nCODE = \"my-code-agent --flag\"\n"
	path := writeTestConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agents["CODE"] != "my-code-agent --flag" {
		t.Fatalf("expected explicit agent command to survive defaulting, got %q", cfg.Agents["CODE"])
	}
	if cfg.Agents["QA"] == "" {
		t.Fatal("expected QA to still get a default command")
	}
}

func TestLoadRejectsUnknownOrchestrationMode(t *testing.T) {
	content := `
[projects.demo]
path = "/tmp/orchcore-test/demo"
orchestration_mode = "WHENEVER"
priority = "NORMAL"
`
	path := writeTestConfig(t, content)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown orchestration_mode")
	}
}

func TestLoadRejectsMissingProjectPath(t *testing.T) {
	content := `
[projects.demo]
orchestration_mode = "BLOCKING"
priority = "NORMAL"
`
	path := writeTestConfig(t, content)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing path")
	}
}

func TestCloneIsolatesProjectsMap(t *testing.T) {
	cfg := &Config{Projects: map[string]Project{"demo": {Path: "/tmp/demo"}}}
	clone := cfg.Clone()

	clone.Projects["demo"] = Project{Path: "/tmp/mutated"}

	if cfg.Projects["demo"].Path != "/tmp/demo" {
		t.Fatal("expected original config to be unaffected by clone mutation")
	}
}

func TestExpandHome(t *testing.T) {
	if got := ExpandHome(""); got != "" {
		t.Fatalf("expected empty path to pass through, got %q", got)
	}
	if got := ExpandHome("/absolute/path"); got != "/absolute/path" {
		t.Fatalf("expected absolute path to pass through, got %q", got)
	}
}
