package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
)

// DB is the durable store for terminal outcomes and the activity log.
// Active ticket state deliberately lives only in memory: after a restart,
// remote PR and issue state is re-read rather than trusted from disk.
type DB struct {
	conn *sql.DB
}

// ActivityEntry is one row of the per-issue activity log.
type ActivityEntry struct {
	ID        string
	IssueKey  string
	EventType string
	FromState string
	ToState   string
	Detail    string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id TEXT PRIMARY KEY,
	issue_key TEXT NOT NULL,
	result TEXT NOT NULL,
	pr_url TEXT NOT NULL DEFAULT '',
	issue_url TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	issue_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_activity_issue ON activity_log(issue_key);
`

// DefaultPath returns the default database location (~/.autopilot/autopilot.db),
// creating the directory if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".autopilot")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "autopilot.db"), nil
}

// Open opens (creating if necessary) the database at path and applies the
// schema.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// AppendHistory persists a terminal outcome. It implements store.HistorySink.
func (db *DB) AppendHistory(e store.HistoryEntry) error {
	_, err := db.conn.Exec(
		`INSERT INTO history (id, issue_key, result, pr_url, issue_url, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.IssueKey, string(e.Result), e.PRURL, e.IssueURL, e.Detail,
		e.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	return nil
}

// RecentHistory returns up to limit history entries, most recent first.
func (db *DB) RecentHistory(limit int) ([]store.HistoryEntry, error) {
	rows, err := db.conn.Query(
		`SELECT issue_key, result, pr_url, issue_url, detail, created_at
		 FROM history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []store.HistoryEntry
	for rows.Next() {
		var e store.HistoryEntry
		var result, createdAt string
		if err := rows.Scan(&e.IssueKey, &result, &e.PRURL, &e.IssueURL, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Result = store.Result(result)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.Timestamp = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogActivity appends an entry to the activity log. Activity logging is
// best-effort observability; callers typically ignore the error after
// logging it.
func (db *DB) LogActivity(issueKey, eventType, fromState, toState, detail string) error {
	_, err := db.conn.Exec(
		`INSERT INTO activity_log (id, issue_key, event_type, from_state, to_state, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), issueKey, eventType, fromState, toState, detail,
	)
	if err != nil {
		return fmt.Errorf("inserting activity entry: %w", err)
	}
	return nil
}

// ListActivity returns activity entries, most recent first, optionally
// filtered by issue key. A limit <= 0 defaults to 100.
func (db *DB) ListActivity(issueKey string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, issue_key, event_type, from_state, to_state, detail, created_at
	          FROM activity_log`
	args := []any{}
	if issueKey != "" {
		query += ` WHERE issue_key = ?`
		args = append(args, issueKey)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.IssueKey, &e.EventType, &e.FromState, &e.ToState, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
		if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
