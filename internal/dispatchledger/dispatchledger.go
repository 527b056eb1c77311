// Package dispatchledger is the ambient, short-retention record of Task
// dispatches and Supervisor health events: a small SQLite log, not the
// project's durable state (that lives in internal/projectstore). Grounded
// on the teacher's internal/store/store.go schema/migration idiom, adapted
// from cortex's bead-dispatch rows to orchestration-core task dispatches.
package dispatchledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger provides SQLite-backed bookkeeping for dispatched tasks and
// health events across all supervised projects.
type Ledger struct {
	db *sql.DB
}

// Dispatch is one row recording an agent task handed to internal/agentdispatch.
type Dispatch struct {
	ID           int64
	Project      string
	StoryID      string
	AgentType    string
	TDDCycleID   string
	TaskID       string
	PID          int
	Backend      string // "exec" or "docker"
	DispatchedAt time.Time
	CompletedAt  sql.NullTime
	Status       string // running, completed, failed, killed
	ExitCode     int
	Retries      int
}

// HealthEvent is one row recording a Supervisor observation: a restart, a
// crash, a resource-limit breach, or a successful liveness check.
type HealthEvent struct {
	ID        int64
	Project   string
	EventType string
	Details   string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS dispatches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL,
	story_id TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL,
	tdd_cycle_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	backend TEXT NOT NULL DEFAULT 'exec',
	dispatched_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME,
	status TEXT NOT NULL DEFAULT 'running',
	exit_code INTEGER NOT NULL DEFAULT 0,
	retries INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS health_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL,
	event_type TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_dispatches_project ON dispatches(project);
CREATE INDEX IF NOT EXISTS idx_dispatches_status ON dispatches(status);
CREATE INDEX IF NOT EXISTS idx_health_events_project ON health_events(project, created_at);
`

// Open creates or opens the ledger's SQLite database and ensures its schema
// exists, mirroring the teacher's WAL + busy_timeout pragma choice.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("dispatchledger: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dispatchledger: create schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("dispatchledger: migrate: %w", err)
	}
	return &Ledger{db: db}, nil
}

// migrate applies incremental schema additions for databases created by an
// earlier version of this package, following the teacher's
// pragma_table_info probe-then-ALTER idiom.
func migrate(db *sql.DB) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('dispatches') WHERE name = 'retries'`).Scan(&count); err != nil {
		return fmt.Errorf("check retries column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE dispatches ADD COLUMN retries INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add retries column: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordDispatch inserts a new dispatch row and returns its id.
func (l *Ledger) RecordDispatch(d Dispatch) (int64, error) {
	res, err := l.db.Exec(`
		INSERT INTO dispatches (project, story_id, agent_type, tdd_cycle_id, task_id, pid, backend, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'running')`,
		d.Project, d.StoryID, d.AgentType, d.TDDCycleID, d.TaskID, d.PID, d.Backend)
	if err != nil {
		return 0, fmt.Errorf("dispatchledger: record dispatch: %w", err)
	}
	return res.LastInsertId()
}

// CompleteDispatch marks a dispatch row finished.
func (l *Ledger) CompleteDispatch(id int64, status string, exitCode int) error {
	_, err := l.db.Exec(`
		UPDATE dispatches SET status = ?, exit_code = ?, completed_at = datetime('now')
		WHERE id = ?`, status, exitCode, id)
	if err != nil {
		return fmt.Errorf("dispatchledger: complete dispatch %d: %w", id, err)
	}
	return nil
}

// IncrementRetries bumps a dispatch's retry counter.
func (l *Ledger) IncrementRetries(id int64) error {
	_, err := l.db.Exec(`UPDATE dispatches SET retries = retries + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("dispatchledger: increment retries for %d: %w", id, err)
	}
	return nil
}

// RecordHealthEvent inserts a Supervisor-observed event.
func (l *Ledger) RecordHealthEvent(project, eventType, details string) error {
	_, err := l.db.Exec(`
		INSERT INTO health_events (project, event_type, details) VALUES (?, ?, ?)`,
		project, eventType, details)
	if err != nil {
		return fmt.Errorf("dispatchledger: record health event: %w", err)
	}
	return nil
}

// RecentHealthEvents returns the most recent events for a project, newest
// first.
func (l *Ledger) RecentHealthEvents(project string, limit int) ([]HealthEvent, error) {
	rows, err := l.db.Query(`
		SELECT id, project, event_type, details, created_at
		FROM health_events WHERE project = ? ORDER BY created_at DESC, id DESC LIMIT ?`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("dispatchledger: query health events: %w", err)
	}
	defer rows.Close()

	var events []HealthEvent
	for rows.Next() {
		var e HealthEvent
		if err := rows.Scan(&e.ID, &e.Project, &e.EventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispatchledger: scan health event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ActiveDispatchCount returns the number of running dispatches for a
// project.
func (l *Ledger) ActiveDispatchCount(project string) (int, error) {
	var count int
	err := l.db.QueryRow(`
		SELECT COUNT(*) FROM dispatches WHERE project = ? AND status = 'running'`, project).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("dispatchledger: count active dispatches: %w", err)
	}
	return count, nil
}
