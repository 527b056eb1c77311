// Package agentdispatch launches the external agent process that carries
// out one Task (spec §4.5/§6.3's child-process contract) and tracks its
// lifecycle. It offers two backends: an in-process exec backend (default)
// and an optional Docker sandbox backend, selected per internal/config's
// Capability.SandboxBackend.
//
// Grounded on the teacher's internal/dispatch/dispatch.go (PID tracking,
// background monitor goroutine, SIGTERM-then-SIGKILL) and
// internal/dispatch/docker.go (container config, bind mounts, stdcopy
// demux) for the sandbox backend; retry/backoff timing reuses the teacher's
// internal/dispatch/backoff.go formula.
package agentdispatch

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Task is the unit of work a Backend executes: run one agent against one
// TDD task or workflow command, in argv/env form per spec §6.3.
type Task struct {
	AgentType  string
	StoryID    string
	TDDCycleID string
	TaskID     string
	Command    string // the argv[0]-equivalent entrypoint for the agent process
	Args       []string
	Env        []string
	WorkDir    string
}

// ProcessState mirrors the teacher's ProcessState: the last known state of
// a dispatched process, queryable without blocking on completion.
type ProcessState struct {
	State       string // "running", "exited", "unknown"
	ExitCode    int
	CompletedAt time.Time
	OutputPath  string
}

// Backend is the common interface both the exec and Docker backends
// satisfy, mirroring the teacher's DispatcherInterface shape.
type Backend interface {
	Dispatch(ctx context.Context, task Task) (handle int, err error)
	IsAlive(handle int) bool
	Kill(handle int) error
	GetProcessState(handle int) ProcessState
	Cleanup(handle int)
}

// ExecBackend runs agent processes directly on the host, tracked by PID.
type ExecBackend struct {
	mu        sync.RWMutex
	processes map[int]*processInfo
}

type processInfo struct {
	cmd         *exec.Cmd
	startedAt   time.Time
	completedAt time.Time
	state       string
	exitCode    int
	outputPath  string
}

// NewExecBackend returns a ready-to-use ExecBackend.
func NewExecBackend() *ExecBackend {
	return &ExecBackend{processes: make(map[int]*processInfo)}
}

// Dispatch starts the agent process in the background and returns its PID.
func (b *ExecBackend) Dispatch(ctx context.Context, task Task) (int, error) {
	outputFile, err := os.CreateTemp("", "orchcore-agent-output-*.log")
	if err != nil {
		return 0, fmt.Errorf("agentdispatch: create output file: %w", err)
	}
	outputPath := outputFile.Name()

	cmd := exec.Command(task.Command, task.Args...)
	cmd.Dir = task.WorkDir
	cmd.Env = append(os.Environ(), task.Env...)
	cmd.Stdout = outputFile
	cmd.Stderr = outputFile

	if err := cmd.Start(); err != nil {
		outputFile.Close()
		os.Remove(outputPath)
		return 0, fmt.Errorf("agentdispatch: start %s: %w", task.Command, err)
	}
	outputFile.Close()

	pid := cmd.Process.Pid
	b.mu.Lock()
	b.processes[pid] = &processInfo{
		cmd:        cmd,
		startedAt:  time.Now(),
		state:      "running",
		exitCode:   -1,
		outputPath: outputPath,
	}
	b.mu.Unlock()

	go b.monitor(pid)
	return pid, nil
}

func (b *ExecBackend) monitor(pid int) {
	b.mu.RLock()
	info, exists := b.processes[pid]
	b.mu.RUnlock()
	if !exists {
		return
	}

	err := info.cmd.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	info, exists = b.processes[pid]
	if !exists {
		return
	}
	info.completedAt = time.Now()
	info.state = "exited"
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			info.exitCode = exitErr.ExitCode()
		} else {
			info.exitCode = -1
		}
	} else {
		info.exitCode = 0
	}
}

// IsProcessAlive checks whether a process with the given PID is still
// running via a zero-signal probe.
func IsProcessAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// IsAlive reports whether the dispatched process is still running.
func (b *ExecBackend) IsAlive(handle int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, exists := b.processes[handle]
	if !exists {
		return IsProcessAlive(handle)
	}
	return info.state == "running"
}

// Kill implements the spec's stop_agent: SIGTERM, then SIGKILL after a
// grace period if still alive.
func (b *ExecBackend) Kill(handle int) error {
	b.mu.Lock()
	if info, exists := b.processes[handle]; exists && info.state == "running" {
		info.state = "exited"
		info.exitCode = -1
		info.completedAt = time.Now()
	}
	b.mu.Unlock()
	return KillProcess(handle, 5*time.Second)
}

// KillProcess sends SIGTERM, polls for up to gracePeriod, then SIGKILL if
// the process is still alive.
func KillProcess(pid int, gracePeriod time.Duration) error {
	if !IsProcessAlive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("agentdispatch: send SIGTERM to pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !IsProcessAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if IsProcessAlive(pid) {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("agentdispatch: send SIGKILL to pid %d: %w", pid, err)
		}
	}
	return nil
}

// GetProcessState returns the last known state of a dispatched process.
func (b *ExecBackend) GetProcessState(handle int) ProcessState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, exists := b.processes[handle]
	if !exists {
		if IsProcessAlive(handle) {
			return ProcessState{State: "running", ExitCode: -1}
		}
		return ProcessState{State: "unknown", ExitCode: -1}
	}
	return ProcessState{
		State:       info.state,
		ExitCode:    info.exitCode,
		CompletedAt: info.completedAt,
		OutputPath:  info.outputPath,
	}
}

// Cleanup removes tracking information and the output file for a completed
// process.
func (b *ExecBackend) Cleanup(handle int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, exists := b.processes[handle]; exists {
		if info.outputPath != "" {
			os.Remove(info.outputPath)
		}
		delete(b.processes, handle)
	}
}

// BackoffDelay reproduces the teacher's exponential-backoff-with-jitter
// formula for the orchestrator's Task retry policy (spec §4.5).
func BackoffDelay(retries int, base, maxDelay time.Duration) time.Duration {
	if retries <= 0 {
		return 0
	}
	multiplier := math.Pow(2, float64(retries-1))
	if math.IsInf(multiplier, 1) || multiplier > float64(maxDelay)/float64(base) {
		delay := maxDelay
		return delay + time.Duration(rand.Float64()*0.1*float64(delay))
	}
	delay := base * time.Duration(multiplier)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay + time.Duration(rand.Float64()*0.1*float64(delay))
}

// DockerBackend runs each agent Task inside a disposable container, for
// projects configured with capability.sandbox_backend = "docker".
type DockerBackend struct {
	mu         sync.Mutex
	cli        *client.Client
	image      string
	containers map[int]string
	nextHandle int
}

// NewDockerBackend creates a Docker-API client from the ambient environment
// (DOCKER_HOST etc.), matching the teacher's client.FromEnv usage.
func NewDockerBackend(image string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("agentdispatch: init docker client: %w", err)
	}
	return &DockerBackend{cli: cli, image: image, containers: make(map[int]string), nextHandle: 1}, nil
}

// Dispatch stages the task's prompt/context as bind-mounted files and runs
// the sandbox image against them.
func (b *DockerBackend) Dispatch(ctx context.Context, task Task) (int, error) {
	b.mu.Lock()
	handle := b.nextHandle
	b.nextHandle++
	containerName := fmt.Sprintf("orchcore-agent-%d-%d", handle, time.Now().UnixNano())
	b.mu.Unlock()

	hostCtxDir := filepath.Join(os.TempDir(), fmt.Sprintf("orchcore-ctx-%s", containerName))
	if err := os.MkdirAll(hostCtxDir, 0o755); err != nil {
		return 0, fmt.Errorf("agentdispatch: create context dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(hostCtxDir, "task.json"), []byte(task.TaskID), 0o644); err != nil {
		return 0, fmt.Errorf("agentdispatch: stage task context: %w", err)
	}

	containerConfig := &container.Config{
		Image:      b.image,
		Cmd:        append([]string{task.Command}, task.Args...),
		Tty:        false,
		WorkingDir: "/workspace",
		Env:        task.Env,
	}

	workDirPath, err := filepath.Abs(task.WorkDir)
	if err != nil {
		workDirPath = task.WorkDir
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: hostCtxDir, Target: "/orchcore-ctx"},
			{Type: mount.TypeBind, Source: workDirPath, Target: "/workspace"},
		},
	}

	resp, err := b.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return 0, fmt.Errorf("agentdispatch: create container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return 0, fmt.Errorf("agentdispatch: start container: %w", err)
	}

	b.mu.Lock()
	b.containers[handle] = resp.ID
	b.mu.Unlock()
	return handle, nil
}

// IsAlive checks the container's running state via Docker's inspect API.
func (b *DockerBackend) IsAlive(handle int) bool {
	b.mu.Lock()
	id, exists := b.containers[handle]
	b.mu.Unlock()
	if !exists {
		return false
	}
	info, err := b.cli.ContainerInspect(context.Background(), id)
	if err != nil {
		return false
	}
	return info.State.Running
}

// Kill stops the container, matching the exec backend's SIGTERM-then-force
// shape via Docker's own stop timeout.
func (b *DockerBackend) Kill(handle int) error {
	b.mu.Lock()
	id, exists := b.containers[handle]
	b.mu.Unlock()
	if !exists {
		return nil
	}
	timeout := 5
	return b.cli.ContainerStop(context.Background(), id, container.StopOptions{Timeout: &timeout})
}

// GetProcessState inspects the container and demuxes its combined log
// output via stdcopy, matching the teacher's docker.go pattern.
func (b *DockerBackend) GetProcessState(handle int) ProcessState {
	b.mu.Lock()
	id, exists := b.containers[handle]
	b.mu.Unlock()
	if !exists {
		return ProcessState{State: "unknown", ExitCode: -1}
	}

	info, err := b.cli.ContainerInspect(context.Background(), id)
	if err != nil {
		return ProcessState{State: "unknown", ExitCode: -1}
	}
	if info.State.Running {
		return ProcessState{State: "running", ExitCode: -1}
	}

	var stdout, stderr bytes.Buffer
	if logs, err := b.cli.ContainerLogs(context.Background(), id, container.LogsOptions{ShowStdout: true, ShowStderr: true}); err == nil {
		defer logs.Close()
		_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
	}

	return ProcessState{
		State:    "exited",
		ExitCode: info.State.ExitCode,
	}
}

// Cleanup removes the container so it doesn't accumulate on the host.
func (b *DockerBackend) Cleanup(handle int) {
	b.mu.Lock()
	id, exists := b.containers[handle]
	delete(b.containers, handle)
	b.mu.Unlock()
	if exists {
		_ = b.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
	}
}
