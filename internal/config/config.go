// Package config loads and validates the orchestration core's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root of the orchestration core's runtime configuration.
type Config struct {
	General    General            `toml:"general"`
	Projects   map[string]Project `toml:"projects"`
	Supervisor Supervisor         `toml:"supervisor"`
	Approval   Approval           `toml:"approval"`
	Capability Capability         `toml:"capability"`
	Temporal   Temporal           `toml:"temporal"`
	Dispatch   Dispatch           `toml:"dispatch"`
	API        API                `toml:"api"`

	// Agents maps a capability.AgentType string (DESIGN, CODE, QA, ...) to
	// the shell command used to invoke that agent's process, read by the
	// project worker to populate tddworkflow.Activities.AgentCmd.
	Agents map[string]string `toml:"agents"`
}

// General holds process-wide settings: logging, storage paths, the
// single-instance lock, and the supervisor's poll cadence.
type General struct {
	LogLevel   string   `toml:"log_level"`
	StateDB    string   `toml:"state_db"`
	LockFile   string   `toml:"lock_file"`
	PollPeriod Duration `toml:"poll_period"`
}

// Project describes one project under supervision: where its code lives,
// how its orchestrator should behave under human oversight, and the
// resource envelope the Supervisor must clamp allocations to.
type Project struct {
	Path              string  `toml:"path"`
	OrchestrationMode string  `toml:"orchestration_mode"` // BLOCKING|PARTIAL|AUTONOMOUS|COLLABORATIVE
	Priority          string  `toml:"priority"`           // CRITICAL|HIGH|NORMAL|LOW
	MaxParallelAgents int     `toml:"max_parallel_agents"`
	MaxMemoryMB       int     `toml:"max_memory_mb"`
	CPUWeight         float64 `toml:"cpu_weight"`
	SprintLength      string  `toml:"sprint_length"`
	CoverageThreshold float64 `toml:"coverage_threshold"`
}

// Supervisor governs global admission control and restart policy.
type Supervisor struct {
	MaxTotalAgents      int      `toml:"max_total_agents"`
	GlobalMemoryLimitMB int      `toml:"global_memory_limit_mb"`
	AllocationStrategy  string   `toml:"allocation_strategy"` // fair_share|priority_based
	StopGracePeriod     Duration `toml:"stop_grace_period"`
	RestartWindow       Duration `toml:"restart_window"`
	MaxRestarts         int      `toml:"max_restarts"`
}

// Approval configures the Approval Ledger's expiry sweep.
type Approval struct {
	DefaultTimeout Duration `toml:"default_timeout"`
	SweepInterval  Duration `toml:"sweep_interval"`
}

// Capability toggles the sandboxed execution backend for Tool calls.
type Capability struct {
	SandboxBackend string `toml:"sandbox_backend"` // "" (in-process) or "docker"
	DockerImage    string `toml:"docker_image"`
}

// Temporal configures the client used to run TDD cycle workflows.
type Temporal struct {
	HostPort  string `toml:"host_port"`
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

// Dispatch configures the agent Task retry policy (see spec §4.5).
type Dispatch struct {
	MaxRetries  int      `toml:"max_retries"`
	BackoffBase Duration `toml:"backoff_base"`
	BackoffMax  Duration `toml:"backoff_max"`
	TaskTimeout Duration `toml:"task_timeout"`
}

// API configures the command pipeline's HTTP surface.
type API struct {
	Bind      string `toml:"bind"`
	AuthToken string `toml:"auth_token"`
}

// ConfigManager provides thread-safe access to live configuration.
type ConfigManager interface {
	Get() *Config
	Set(cfg *Config)
	Reload(path string) error
}

// RWMutexManager is the default ConfigManager: read-heavy access guarded
// by a RWMutex, returning a defensive clone on every Get/Set so callers
// never share mutable state.
type RWMutexManager struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewManager(initial *Config) *RWMutexManager {
	return &RWMutexManager{cfg: initial.Clone()}
}

// NewRWMutexManager is an alias kept for call sites that spell out the
// concrete implementation type.
func NewRWMutexManager(initial *Config) *RWMutexManager {
	return NewManager(initial)
}

func (m *RWMutexManager) Get() *Config {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

func (m *RWMutexManager) Set(cfg *Config) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.Clone()
}

func (m *RWMutexManager) Reload(path string) error {
	if m == nil {
		return fmt.Errorf("config manager is nil")
	}
	loaded, err := Load(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = loaded.Clone()
	return nil
}

var _ ConfigManager = (*RWMutexManager)(nil)

// Clone returns a deep copy so a Get() caller cannot mutate shared state.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Projects = make(map[string]Project, len(cfg.Projects))
	for k, v := range cfg.Projects {
		out.Projects[k] = v
	}
	out.Agents = make(map[string]string, len(cfg.Agents))
	for k, v := range cfg.Agents {
		out.Agents[k] = v
	}
	return &out
}

// Load reads and validates a TOML config file, applying defaults for any
// unset field.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if cfg.Projects == nil {
		cfg.Projects = map[string]Project{}
	}
	applyDefaults(&cfg, md)
	normalizePaths(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Reload is Load with a name that reads better at call sites doing a
// SIGHUP-triggered re-read.
func Reload(path string) (*Config, error) {
	return Load(path)
}

func LoadManager(path string) (ConfigManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewManager(cfg), nil
}

func applyDefaults(cfg *Config, _ toml.MetaData) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "~/.orchcore/dispatch.db"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "/tmp/orchcore.lock"
	}
	if cfg.General.PollPeriod.Duration == 0 {
		cfg.General.PollPeriod = Duration{5 * time.Second}
	}

	if cfg.Supervisor.MaxTotalAgents == 0 {
		cfg.Supervisor.MaxTotalAgents = 16
	}
	if cfg.Supervisor.AllocationStrategy == "" {
		cfg.Supervisor.AllocationStrategy = "fair_share"
	}
	if cfg.Supervisor.StopGracePeriod.Duration == 0 {
		cfg.Supervisor.StopGracePeriod = Duration{10 * time.Second}
	}
	if cfg.Supervisor.RestartWindow.Duration == 0 {
		cfg.Supervisor.RestartWindow = Duration{5 * time.Minute}
	}
	if cfg.Supervisor.MaxRestarts == 0 {
		cfg.Supervisor.MaxRestarts = 3
	}

	if cfg.Approval.DefaultTimeout.Duration == 0 {
		cfg.Approval.DefaultTimeout = Duration{30 * time.Minute}
	}
	if cfg.Approval.SweepInterval.Duration == 0 {
		cfg.Approval.SweepInterval = Duration{1 * time.Minute}
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "127.0.0.1:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "orchcore-tdd-cycle"
	}

	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = 3
	}
	if cfg.Dispatch.BackoffBase.Duration == 0 {
		cfg.Dispatch.BackoffBase = Duration{2 * time.Second}
	}
	if cfg.Dispatch.BackoffMax.Duration == 0 {
		cfg.Dispatch.BackoffMax = Duration{2 * time.Minute}
	}
	if cfg.Dispatch.TaskTimeout.Duration == 0 {
		cfg.Dispatch.TaskTimeout = Duration{15 * time.Minute}
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8077"
	}

	if cfg.Agents == nil {
		cfg.Agents = map[string]string{}
	}
	for _, key := range []string{"DESIGN", "CODE", "QA", "DATA", "ORCHESTRATOR"} {
		if cfg.Agents[key] == "" {
			cfg.Agents[key] = "orchcore-agent -type=" + strings.ToLower(key)
		}
	}

	for name, p := range cfg.Projects {
		if p.OrchestrationMode == "" {
			p.OrchestrationMode = "BLOCKING"
		}
		if p.Priority == "" {
			p.Priority = "NORMAL"
		}
		if p.MaxParallelAgents == 0 {
			p.MaxParallelAgents = 3
		}
		if p.CPUWeight == 0 {
			p.CPUWeight = 1.0
		}
		if p.CoverageThreshold == 0 {
			p.CoverageThreshold = 70
		}
		cfg.Projects[name] = p
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
	for name, p := range cfg.Projects {
		p.Path = ExpandHome(p.Path)
		cfg.Projects[name] = p
	}
}

func validate(cfg *Config) error {
	validModes := map[string]bool{"BLOCKING": true, "PARTIAL": true, "AUTONOMOUS": true, "COLLABORATIVE": true}
	validPriorities := map[string]bool{"CRITICAL": true, "HIGH": true, "NORMAL": true, "LOW": true}

	for name, p := range cfg.Projects {
		if strings.TrimSpace(p.Path) == "" {
			return fmt.Errorf("project %q: path is required", name)
		}
		if !validModes[p.OrchestrationMode] {
			return fmt.Errorf("project %q: invalid orchestration_mode %q", name, p.OrchestrationMode)
		}
		if !validPriorities[p.Priority] {
			return fmt.Errorf("project %q: invalid priority %q", name, p.Priority)
		}
		if p.MaxParallelAgents < 1 {
			return fmt.Errorf("project %q: max_parallel_agents must be >= 1", name)
		}
	}

	switch cfg.Supervisor.AllocationStrategy {
	case "fair_share", "priority_based":
	default:
		return fmt.Errorf("supervisor: invalid allocation_strategy %q", cfg.Supervisor.AllocationStrategy)
	}

	return nil
}

// ExpandHome expands a leading "~" to the current user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
