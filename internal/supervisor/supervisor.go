// Package supervisor implements the Global Supervisor (spec §4.6): it
// starts, stops, pauses, resumes, and monitors one child orchestrator
// process per configured project, computes each project's resource
// allocation, and restarts crashed children within a bounded budget.
//
// Grounded on the teacher's internal/dispatch/dispatch.go for process
// lifecycle (PID tracking, SIGTERM-then-SIGKILL, a monitor goroutine per
// child) and internal/health/health.go for the periodic monitoring-loop
// shape; the restart budget generalizes internal/dispatch/ratelimit.go's
// rolling-window idea onto golang.org/x/time/rate's token bucket.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/antigravity-dev/orchcore/internal/config"
	"github.com/antigravity-dev/orchcore/internal/dispatchledger"
	"github.com/antigravity-dev/orchcore/internal/projectstore"
)

// ChildState is a project's child-process lifecycle state as seen by the
// Supervisor (distinct from wfstate.State, which is the child's own
// workflow FSM).
type ChildState string

const (
	ChildStopped ChildState = "STOPPED"
	ChildRunning ChildState = "RUNNING"
	ChildPaused  ChildState = "PAUSED"
	ChildCrashed ChildState = "CRASHED"
)

// ProjectHandle tracks one supervised child orchestrator process.
type ProjectHandle struct {
	Name        string
	Config      config.Project
	cmd         *exec.Cmd
	pid         int
	state       ChildState
	startedAt   time.Time
	restartBkt  *rate.Limiter
	lastRestart time.Time
}

// Supervisor owns the full set of supervised projects.
type Supervisor struct {
	mu       sync.Mutex
	children map[string]*ProjectHandle
	ledger   *dispatchledger.Ledger
	binPath  string // path to this binary, re-invoked with -project-mode
	logger   *slog.Logger

	totalLimit config.Supervisor
}

// New constructs a Supervisor. binPath is the orchestrator executable this
// process re-execs with -project-mode=<name> to start a child.
func New(binPath string, totalLimit config.Supervisor, ledger *dispatchledger.Ledger, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		children:   make(map[string]*ProjectHandle),
		ledger:     ledger,
		binPath:    binPath,
		logger:     logger,
		totalLimit: totalLimit,
	}
}

// StartProject launches a project's child orchestrator process if it is
// not already running.
func (s *Supervisor) StartProject(name string, proj config.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, exists := s.children[name]; exists && h.state == ChildRunning {
		return fmt.Errorf("project %s is already running", name)
	}

	cmd := exec.Command(s.binPath, "-project-mode="+name, "-project-path="+proj.Path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start child for %s: %w", name, err)
	}

	h := &ProjectHandle{
		Name:       name,
		Config:     proj,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		state:      ChildRunning,
		startedAt:  time.Now(),
		restartBkt: rate.NewLimiter(rate.Every(s.totalLimit.RestartWindow.Duration/time.Duration(maxInt(s.totalLimit.MaxRestarts, 1))), s.totalLimit.MaxRestarts),
	}
	s.children[name] = h

	go s.monitorChild(name, cmd)

	if s.ledger != nil {
		_ = s.ledger.RecordHealthEvent(name, "started", fmt.Sprintf("pid=%d", h.pid))
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *Supervisor) monitorChild(name string, cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	h, exists := s.children[name]
	if !exists {
		s.mu.Unlock()
		return
	}
	crashed := h.state == ChildRunning // not a deliberate Stop
	if crashed {
		h.state = ChildCrashed
	}
	s.mu.Unlock()

	if s.ledger != nil {
		detail := "exited cleanly"
		if err != nil {
			detail = err.Error()
		}
		_ = s.ledger.RecordHealthEvent(name, "exited", detail)
	}

	if crashed {
		s.attemptRestart(name)
	}
}

// attemptRestart restarts a crashed child if its restart token bucket has
// budget (spec §4.6's bounded restart policy, default 3 restarts/5min).
func (s *Supervisor) attemptRestart(name string) {
	s.mu.Lock()
	h, exists := s.children[name]
	s.mu.Unlock()
	if !exists {
		return
	}

	if !h.restartBkt.Allow() {
		s.logger.Warn("restart budget exhausted, leaving project stopped", "project", name)
		if s.ledger != nil {
			_ = s.ledger.RecordHealthEvent(name, "restart_budget_exhausted", "")
		}
		s.mu.Lock()
		h.state = ChildStopped
		s.mu.Unlock()
		return
	}

	s.logger.Info("restarting crashed project", "project", name)
	if err := s.StartProject(name, h.Config); err != nil {
		s.logger.Error("restart failed", "project", name, "error", err)
	}
}

// StopProject sends SIGTERM, waits gracePeriod, then SIGKILL if the child
// is still alive.
func (s *Supervisor) StopProject(name string, gracePeriod time.Duration) error {
	s.mu.Lock()
	h, exists := s.children[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("no such project: %s", name)
	}
	h.state = ChildStopped
	pid := h.pid
	s.mu.Unlock()

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("supervisor: SIGTERM to %s (pid %d): %w", name, pid, err)
	}

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if syscall.Kill(pid, 0) == nil {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("supervisor: SIGKILL to %s (pid %d): %w", name, pid, err)
		}
	}
	return nil
}

// PauseProject sends SIGSTOP to suspend a child without losing its memory
// state (spec §4.6's pause_project).
func (s *Supervisor) PauseProject(name string) error {
	s.mu.Lock()
	h, exists := s.children[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("no such project: %s", name)
	}
	if h.state != ChildRunning {
		s.mu.Unlock()
		return fmt.Errorf("project %s is not running", name)
	}
	h.state = ChildPaused
	pid := h.pid
	s.mu.Unlock()

	return syscall.Kill(pid, syscall.SIGSTOP)
}

// ResumeProject sends SIGCONT to a paused child.
func (s *Supervisor) ResumeProject(name string) error {
	s.mu.Lock()
	h, exists := s.children[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("no such project: %s", name)
	}
	if h.state != ChildPaused {
		s.mu.Unlock()
		return fmt.Errorf("project %s is not paused", name)
	}
	h.state = ChildRunning
	pid := h.pid
	s.mu.Unlock()

	return syscall.Kill(pid, syscall.SIGCONT)
}

// State returns a project's current child-process state.
func (s *Supervisor) State(name string) (ChildState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, exists := s.children[name]
	if !exists {
		return "", false
	}
	return h.state, true
}

// Allocation is one project's computed resource share for this tick.
type Allocation struct {
	Project           string
	MaxParallelAgents int
	MemoryMB          int
}

var priorityWeights = map[string]float64{
	"CRITICAL": 2.0,
	"HIGH":     1.5,
	"NORMAL":   1.0,
	"LOW":      0.5,
}

// Allocate computes each running project's resource share for this tick
// under the configured strategy (fair_share or priority_based), then
// clamps every result to that project's own declared limits — with no
// carve-out for CRITICAL priority (spec §4.6's explicit "never exceeds
// them"; see DESIGN.md Open Question 3).
func (s *Supervisor) Allocate(strategy string) []Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running []*ProjectHandle
	for _, h := range s.children {
		if h.state == ChildRunning {
			running = append(running, h)
		}
	}
	if len(running) == 0 {
		return nil
	}

	totalAgents := s.totalLimit.MaxTotalAgents
	totalMemory := s.totalLimit.GlobalMemoryLimitMB

	var totalWeight float64
	weights := make(map[string]float64, len(running))
	for _, h := range running {
		w := 1.0
		if strategy == "priority_based" {
			if pw, ok := priorityWeights[h.Config.Priority]; ok {
				w = pw
			}
		}
		weights[h.Name] = w
		totalWeight += w
	}

	allocations := make([]Allocation, 0, len(running))
	for _, h := range running {
		share := weights[h.Name] / totalWeight

		agents := int(float64(totalAgents) * share)
		if agents > h.Config.MaxParallelAgents {
			agents = h.Config.MaxParallelAgents
		}
		if agents < 1 {
			agents = 1
		}

		mem := int(float64(totalMemory) * share)
		if h.Config.MaxMemoryMB > 0 && mem > h.Config.MaxMemoryMB {
			mem = h.Config.MaxMemoryMB
		}

		allocations = append(allocations, Allocation{
			Project:           h.Name,
			MaxParallelAgents: agents,
			MemoryMB:          mem,
		})
	}
	return allocations
}

// Monitor runs the periodic liveness/status check loop until ctx is
// cancelled, reading each running project's status.json (spec §6.4) and
// logging and recording a health event when the snapshot reports
// Healthy=false. The snapshot's age is not checked, so a child that stops
// updating status.json is not detected here.
func (s *Supervisor) Monitor(ctx context.Context, stores map[string]*projectstore.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkLiveness(stores)
		}
	}
}

func (s *Supervisor) checkLiveness(stores map[string]*projectstore.Store) {
	s.mu.Lock()
	names := make([]string, 0, len(s.children))
	for name, h := range s.children {
		if h.state == ChildRunning {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	for _, name := range names {
		store, ok := stores[name]
		if !ok {
			continue
		}
		snap, found := store.LoadStatus()
		if !found {
			continue
		}
		if !snap.Healthy {
			s.logger.Warn("project reported unhealthy status", "project", name)
			if s.ledger != nil {
				_ = s.ledger.RecordHealthEvent(name, "unhealthy_status", "")
			}
		}
	}
}
