package projectstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("seed .git marker: %v", err)
	}
	s := Open(dir, nil)
	if err := s.Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s, dir
}

func TestInitializeRejectsPathWithoutVersionControlMarker(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir, nil)
	if err := s.Initialize(dir); err == nil {
		t.Fatal("expected Initialize to fail without a .git marker")
	}
}

func TestInitializeSeedsEmptyBacklog(t *testing.T) {
	s, _ := newTestStore(t)
	agg := s.LoadProjectData()
	if agg.TDDSettings.CoverageThreshold != 70 {
		t.Fatalf("expected seeded coverage threshold 70, got %v", agg.TDDSettings.CoverageThreshold)
	}
}

func TestSaveAndLoadProjectDataRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)
	agg := Aggregate{
		Epics:       []Epic{{ID: "epic-1", Title: "First epic", Status: EpicActive}},
		Stories:     []Story{{ID: "story-1", Title: "First story", Status: StoryBacklog}},
		TDDSettings: TDDSettings{CoverageThreshold: 85},
	}
	if err := s.SaveProjectData(agg); err != nil {
		t.Fatalf("SaveProjectData: %v", err)
	}

	loaded := s.LoadProjectData()
	if len(loaded.Epics) != 1 || loaded.Epics[0].ID != "epic-1" {
		t.Fatalf("round trip lost epic data: %+v", loaded)
	}
	if loaded.TDDSettings.CoverageThreshold != 85 {
		t.Fatalf("round trip lost tdd settings: %+v", loaded.TDDSettings)
	}
}

func TestSaveProjectDataWritesBackupOfPriorVersion(t *testing.T) {
	s, dir := newTestStore(t)
	first := Aggregate{TDDSettings: TDDSettings{CoverageThreshold: 10}}
	second := Aggregate{TDDSettings: TDDSettings{CoverageThreshold: 20}}

	if err := s.SaveProjectData(first); err != nil {
		t.Fatalf("SaveProjectData(first): %v", err)
	}
	if err := s.SaveProjectData(second); err != nil {
		t.Fatalf("SaveProjectData(second): %v", err)
	}

	backupPath := filepath.Join(dir, stateDirName, "backlog.json.backup")
	data, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("expected a backlog.json.backup file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("backup file is empty")
	}
}

func TestLoadProjectDataFallsBackToBackupWhenPrimaryCorrupt(t *testing.T) {
	s, dir := newTestStore(t)
	good := Aggregate{TDDSettings: TDDSettings{CoverageThreshold: 42}}
	if err := s.SaveProjectData(good); err != nil {
		t.Fatalf("SaveProjectData: %v", err)
	}
	// Force a second write so .backup now holds the good version.
	if err := s.SaveProjectData(Aggregate{TDDSettings: TDDSettings{CoverageThreshold: 99}}); err != nil {
		t.Fatalf("SaveProjectData second: %v", err)
	}

	backlogPath := filepath.Join(dir, stateDirName, "backlog.json")
	if err := os.WriteFile(backlogPath, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("corrupt backlog.json: %v", err)
	}

	loaded := s.LoadProjectData()
	if loaded.TDDSettings.CoverageThreshold != 42 {
		t.Fatalf("expected recovery from backup (threshold 42), got %v", loaded.TDDSettings.CoverageThreshold)
	}
}

func TestSaveAndLoadSprint(t *testing.T) {
	s, _ := newTestStore(t)
	sprint := Sprint{ID: "sprint-1", Goal: "ship the thing", Status: SprintActiveStatus}
	if err := s.SaveSprint(sprint); err != nil {
		t.Fatalf("SaveSprint: %v", err)
	}
	loaded, found := s.LoadSprint("sprint-1")
	if !found {
		t.Fatal("expected sprint to be found")
	}
	if loaded.Goal != "ship the thing" {
		t.Fatalf("unexpected sprint goal: %q", loaded.Goal)
	}
}

func TestGetActiveTDDCycleReturnsMostRecentIncomplete(t *testing.T) {
	s, _ := newTestStore(t)
	done := time.Now()
	if err := s.SaveTDDCycle(TDDCycle{ID: "cycle-old", StartedAt: done.Add(-time.Hour), CompletedAt: &done}); err != nil {
		t.Fatalf("SaveTDDCycle(old): %v", err)
	}
	// Ensure distinct mtimes for the scan-order assertion.
	time.Sleep(10 * time.Millisecond)
	if err := s.SaveTDDCycle(TDDCycle{ID: "cycle-active", StartedAt: done}); err != nil {
		t.Fatalf("SaveTDDCycle(active): %v", err)
	}

	cycle, found := s.GetActiveTDDCycle()
	if !found {
		t.Fatal("expected an active cycle to be found")
	}
	if cycle.ID != "cycle-active" {
		t.Fatalf("expected cycle-active, got %s", cycle.ID)
	}
}

func TestBackupTDDCycleAndCleanup(t *testing.T) {
	s, dir := newTestStore(t)
	if err := s.SaveTDDCycle(TDDCycle{ID: "cycle-1", StartedAt: time.Now()}); err != nil {
		t.Fatalf("SaveTDDCycle: %v", err)
	}
	now := time.Now()
	if err := s.BackupTDDCycle("cycle-1", now); err != nil {
		t.Fatalf("BackupTDDCycle: %v", err)
	}

	backupsDir := filepath.Join(dir, stateDirName, "backups", "tdd_cycles")
	entries, err := os.ReadDir(backupsDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one backup file, got %v (err=%v)", entries, err)
	}

	if err := s.CleanupOldTDDBackups(24*time.Hour, now.Add(48*time.Hour)); err != nil {
		t.Fatalf("CleanupOldTDDBackups: %v", err)
	}
	entries, err = os.ReadDir(backupsDir)
	if err != nil {
		t.Fatalf("ReadDir after cleanup: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected expired backup to be removed, got %v", entries)
	}
}

func TestListInterruptedTDDCyclesFiltersByNeedsRecovery(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.SaveTDDCycle(TDDCycle{ID: "cycle-clean", NeedsRecovery: false}); err != nil {
		t.Fatalf("SaveTDDCycle(clean): %v", err)
	}
	if err := s.SaveTDDCycle(TDDCycle{ID: "cycle-crashed", NeedsRecovery: true}); err != nil {
		t.Fatalf("SaveTDDCycle(crashed): %v", err)
	}

	interrupted := s.ListInterruptedTDDCycles()
	if len(interrupted) != 1 || interrupted[0].ID != "cycle-crashed" {
		t.Fatalf("expected only cycle-crashed, got %+v", interrupted)
	}
}

func TestCheckStorageHealthReportsWritableDirectory(t *testing.T) {
	s, _ := newTestStore(t)
	report := s.CheckStorageHealth()
	if !report.DirectoryExists || !report.Writable {
		t.Fatalf("expected a fresh store to be reported healthy: %+v", report)
	}
	if len(report.InvalidFiles) != 0 {
		t.Fatalf("expected no invalid files, got %v", report.InvalidFiles)
	}
}

func TestSaveAndLoadStatus(t *testing.T) {
	s, _ := newTestStore(t)
	snap := StatusSnapshot{ProjectName: "demo", WorkflowState: "SPRINT_ACTIVE", ActiveCycles: 2, Healthy: true, LastUpdated: time.Now()}
	if err := s.SaveStatus(snap); err != nil {
		t.Fatalf("SaveStatus: %v", err)
	}
	loaded, found := s.LoadStatus()
	if !found {
		t.Fatal("expected status to be found")
	}
	if loaded.ProjectName != "demo" || loaded.ActiveCycles != 2 {
		t.Fatalf("unexpected status snapshot: %+v", loaded)
	}
}
