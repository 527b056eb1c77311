// Package projectstore implements the durable Project Store (spec §4.1):
// atomic JSON persistence of a project's epics/stories/sprints/TDD cycles
// under <project>/.orch-state/, with .backup shadow files and crash
// recovery. All writes are temp-file + fsync + rename, grounded on the
// teacher's cmd/cortex/beads_maintenance.go atomic-write idiom.
package projectstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const stateDirName = ".orch-state"

// Store owns one project's on-disk .orch-state tree.
type Store struct {
	root   string // <project>/.orch-state
	logger *slog.Logger
}

// Open binds a Store to projectPath without touching disk; call Initialize
// to create the tree.
func Open(projectPath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: filepath.Join(projectPath, stateDirName), logger: logger}
}

func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// Initialize creates the directory tree and seeds an empty backlog.json and
// templated markdown files if absent. It fails if projectPath itself does
// not exist or lacks a version-control marker (spec §4.1's initialize).
func (s *Store) Initialize(projectPath string) error {
	info, err := os.Stat(projectPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("storage_io: project path %s does not exist", projectPath)
	}
	if _, err := os.Stat(filepath.Join(projectPath, ".git")); err != nil {
		return fmt.Errorf("storage_io: project path %s lacks a .git version-control marker", projectPath)
	}

	for _, dir := range []string{"", "sprints", "tdd_cycles", "backups/tdd_cycles"} {
		if err := os.MkdirAll(s.path(dir), 0o755); err != nil {
			return fmt.Errorf("storage_io: create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(s.path("backlog.json")); os.IsNotExist(err) {
		if err := s.SaveProjectData(Aggregate{TDDSettings: TDDSettings{CoverageThreshold: 70}}); err != nil {
			return err
		}
	}
	for _, f := range []string{"architecture.md", "best-practices.md"} {
		if _, err := os.Stat(s.path(f)); os.IsNotExist(err) {
			_ = os.WriteFile(s.path(f), []byte(fmt.Sprintf("# %s\n\n(seeded empty)\n", f)), 0o644)
		}
	}
	return nil
}

// atomicWriteJSON is the centralized helper spec §9's Design Notes ask for:
// serialize to <path>.tmp, fsync, copy the existing target to <path>.backup,
// then rename the tmp file over the target. Grounded on
// cmd/cortex/beads_maintenance.go's tmpPath+os.Rename pattern.
func atomicWriteJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("storage_io: marshal %s: %w", path, err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("storage_io: create temp file for %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage_io: write temp file for %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage_io: fsync temp file for %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage_io: close temp file for %s: %w", path, err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".backup", existing, 0o644)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage_io: rename temp file into place for %s: %w", path, err)
	}
	return nil
}

// readJSONWithBackup reads path; on decode failure it falls back to
// path+".backup" and logs a warning. If both fail it returns zero-value
// found=false rather than an error, matching spec §4.1's "returns an empty
// aggregate and logs" failure semantics.
func readJSONWithBackup[T any](logger *slog.Logger, path string) (value T, found bool) {
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &value); err == nil {
			return value, true
		}
		logger.Warn("primary state file failed to decode, trying backup", "path", path)
	}

	backupPath := path + ".backup"
	if data, err := os.ReadFile(backupPath); err == nil {
		if err := json.Unmarshal(data, &value); err == nil {
			logger.Warn("recovered state from backup", "path", backupPath)
			return value, true
		}
	}

	logger.Warn("state file and backup both unavailable or corrupt, returning empty value", "path", path)
	var zero T
	return zero, false
}

// LoadProjectData implements spec §4.1's load_project_data().
func (s *Store) LoadProjectData() Aggregate {
	agg, _ := readJSONWithBackup[Aggregate](s.logger, s.path("backlog.json"))
	return agg
}

// SaveProjectData implements spec §4.1's save_project_data(aggregate).
func (s *Store) SaveProjectData(agg Aggregate) error {
	return atomicWriteJSON(s.path("backlog.json"), agg)
}

func (s *Store) sprintPath(id string) string {
	return s.path("sprints", id+".json")
}

// LoadSprint implements spec §4.1's load_sprint(id).
func (s *Store) LoadSprint(id string) (Sprint, bool) {
	return readJSONWithBackup[Sprint](s.logger, s.sprintPath(id))
}

// SaveSprint implements spec §4.1's save_sprint(sprint).
func (s *Store) SaveSprint(sprint Sprint) error {
	return atomicWriteJSON(s.sprintPath(sprint.ID), sprint)
}

func (s *Store) tddCyclePath(id string) string {
	return s.path("tdd_cycles", id+".json")
}

// LoadTDDCycle implements spec §4.1's load_tdd_cycle(id).
func (s *Store) LoadTDDCycle(id string) (TDDCycle, bool) {
	return readJSONWithBackup[TDDCycle](s.logger, s.tddCyclePath(id))
}

// SaveTDDCycle implements spec §4.1's save_tdd_cycle(cycle).
func (s *Store) SaveTDDCycle(cycle TDDCycle) error {
	return atomicWriteJSON(s.tddCyclePath(cycle.ID), cycle)
}

// GetActiveTDDCycle implements spec §4.1's get_active_tdd_cycle(): scans
// cycle files, sorts by mtime descending, returns the first not-complete.
func (s *Store) GetActiveTDDCycle() (TDDCycle, bool) {
	entries, err := os.ReadDir(s.path("tdd_cycles"))
	if err != nil {
		return TDDCycle{}, false
	}

	type candidate struct {
		modTime time.Time
		path    string
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{modTime: info.ModTime(), path: s.path("tdd_cycles", e.Name())})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })

	for _, c := range candidates {
		var cycle TDDCycle
		data, err := os.ReadFile(c.path)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, &cycle); err != nil {
			continue
		}
		if cycle.CompletedAt == nil {
			return cycle, true
		}
	}
	return TDDCycle{}, false
}

// ListInterruptedTDDCycles returns cycles flagged needs_recovery, for the
// orchestrator's crash-recovery path (spec §4.5).
func (s *Store) ListInterruptedTDDCycles() []TDDCycle {
	entries, err := os.ReadDir(s.path("tdd_cycles"))
	if err != nil {
		return nil
	}
	var out []TDDCycle
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(s.path("tdd_cycles", e.Name()))
		if err != nil {
			continue
		}
		var cycle TDDCycle
		if err := json.Unmarshal(data, &cycle); err != nil {
			continue
		}
		if cycle.NeedsRecovery {
			out = append(out, cycle)
		}
	}
	return out
}

// BackupTDDCycle implements spec §4.1's backup_tdd_cycle(id): snapshots to
// backups/tdd_cycles/<id>_<timestamp>.json.
func (s *Store) BackupTDDCycle(id string, at time.Time) error {
	cycle, found := s.LoadTDDCycle(id)
	if !found {
		return fmt.Errorf("not_found: tdd cycle %s", id)
	}
	snapshotPath := s.path("backups", "tdd_cycles", fmt.Sprintf("%s_%d.json", id, at.Unix()))
	return atomicWriteJSON(snapshotPath, cycle)
}

// CleanupOldTDDBackups implements spec §4.1's cleanup_old_tdd_backups(days).
func (s *Store) CleanupOldTDDBackups(olderThan time.Duration, now time.Time) error {
	dir := s.path("backups", "tdd_cycles")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	cutoff := now.Add(-olderThan)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				s.logger.Warn("failed to remove expired tdd cycle backup", "file", e.Name(), "error", err)
			}
		}
	}
	return nil
}

// CheckStorageHealth implements spec §4.1's check_storage_health().
func (s *Store) CheckStorageHealth() HealthReport {
	report := HealthReport{}

	info, err := os.Stat(s.root)
	report.DirectoryExists = err == nil && info.IsDir()
	if !report.DirectoryExists {
		return report
	}

	probe := s.path(".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err == nil {
		report.Writable = true
		os.Remove(probe)
	}

	for _, f := range []string{"backlog.json"} {
		p := s.path(f)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			report.InvalidFiles = append(report.InvalidFiles, f)
		}
	}

	_ = filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			report.TotalBytes += info.Size()
		}
		return nil
	})

	return report
}

// SaveStatus writes status.json, the channel by which a child orchestrator
// process communicates liveness to the Supervisor without shared memory
// (spec §6.4).
func (s *Store) SaveStatus(snap StatusSnapshot) error {
	return atomicWriteJSON(s.path("status.json"), snap)
}

// LoadStatus reads status.json.
func (s *Store) LoadStatus() (StatusSnapshot, bool) {
	return readJSONWithBackup[StatusSnapshot](s.logger, s.path("status.json"))
}
