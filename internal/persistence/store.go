// Package persistence provides SQLite-backed run-continuity state so
// multi-turn agent conversations survive server restarts.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Session records the agent's own continuation id for one
// (workspace, chat session) pair. Offering it to the next run for the
// same pair resumes the multi-turn conversation.
type Session struct {
	WorkspaceID    string `json:"workspaceId"`
	ChatSessionID  string `json:"chatSessionId"`
	ContinuationID string `json:"continuationId"`
	Model          string `json:"model"`
	LastPrompt     string `json:"lastPrompt"` // last user message for session discoverability
	UpdatedAt      string `json:"updatedAt"`  // ISO 8601
}

// RunRecord is one agent run, kept for history.
type RunRecord struct {
	ID            string `json:"id"`
	WorkspaceID   string `json:"workspaceId"`
	ChatSessionID string `json:"chatSessionId"`
	Model         string `json:"model"`
	Status        string `json:"status"` // running, ended, errored
	ExitCode      int    `json:"exitCode"`
	StartedAt     string `json:"startedAt"`
	EndedAt       string `json:"endedAt"`
}

// Store provides persistent run-continuity state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the sessions table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			workspace_id TEXT NOT NULL,
			chat_session_id TEXT NOT NULL,
			continuation_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			last_prompt TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (workspace_id, chat_session_id)
		)
	`)
	return err
}

// migrateV2 creates the runs history table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			chat_session_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id);
	`)
	return err
}

// SaveSession upserts the continuation state for a (workspace, chat
// session) pair.
func (s *Store) SaveSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.UpdatedAt == "" {
		sess.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions
			(workspace_id, chat_session_id, continuation_id, model, last_prompt, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.WorkspaceID, sess.ChatSessionID, sess.ContinuationID,
		sess.Model, sess.LastPrompt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves the continuation state for a pair.
// Returns nil, nil if no session exists for the given pair.
func (s *Store) GetSession(workspaceID, chatSessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess Session
	err := s.db.QueryRow(
		`SELECT workspace_id, chat_session_id, continuation_id, model, last_prompt, updated_at
		FROM sessions WHERE workspace_id = ? AND chat_session_id = ?`,
		workspaceID, chatSessionID,
	).Scan(&sess.WorkspaceID, &sess.ChatSessionID, &sess.ContinuationID,
		&sess.Model, &sess.LastPrompt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns all sessions for a workspace, most recently
// updated first.
func (s *Store) ListSessions(workspaceID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT workspace_id, chat_session_id, continuation_id, model, last_prompt, updated_at
		FROM sessions WHERE workspace_id = ? ORDER BY updated_at DESC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.WorkspaceID, &sess.ChatSessionID, &sess.ContinuationID,
			&sess.Model, &sess.LastPrompt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

// DeleteSession removes the continuation state for a pair.
func (s *Store) DeleteSession(workspaceID, chatSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"DELETE FROM sessions WHERE workspace_id = ? AND chat_session_id = ?",
		workspaceID, chatSessionID,
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// InsertRun records a newly started run.
func (s *Store) InsertRun(run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.StartedAt == "" {
		run.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, workspace_id, chat_session_id, model, status, exit_code, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkspaceID, run.ChatSessionID, run.Model,
		run.Status, run.ExitCode, run.StartedAt, run.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status and exit code of a run.
func (s *Store) FinishRun(runID, status string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE runs SET status = ?, exit_code = ?, ended_at = ? WHERE id = ?",
		status, exitCode, time.Now().UTC().Format(time.RFC3339), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs for a workspace, newest first.
func (s *Store) RecentRuns(workspaceID string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, workspace_id, chat_session_id, model, status, exit_code, started_at, ended_at
		FROM runs WHERE workspace_id = ? ORDER BY started_at DESC LIMIT ?`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		if err := rows.Scan(&run.ID, &run.WorkspaceID, &run.ChatSessionID, &run.Model,
			&run.Status, &run.ExitCode, &run.StartedAt, &run.EndedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	if runs == nil {
		runs = []RunRecord{}
	}
	return runs, nil
}
