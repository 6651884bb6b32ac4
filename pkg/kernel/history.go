package kernel

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// HistoryConfig configures the execution history store.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"` // ":memory:" or a file path
}

// DefaultHistoryConfig returns an in-memory history store configuration.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{Enabled: true, Path: ":memory:"}
}

// History records executed input and its output in sqlite. Writes happen on
// the kernel loop; Close runs from the host's shutdown path, which may be a
// different goroutine, so all access is mutex-guarded and Close is
// idempotent.
type History struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

const historySchema = `
CREATE TABLE IF NOT EXISTS history (
	session    TEXT NOT NULL,
	line       INTEGER NOT NULL,
	source     TEXT NOT NULL,
	output     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_session ON history(session, line);
`

// OpenHistory opens (and if needed initializes) the history database.
func OpenHistory(cfg HistoryConfig) (*History, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	// A pooled second connection to ":memory:" would see an empty database;
	// all access is serialized anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &History{db: db}, nil
}

// Append records one executed line.
func (h *History) Append(sessionID string, line int, source, output string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("history store is closed")
	}

	_, err := h.db.Exec(
		"INSERT INTO history (session, line, source, output, created_at) VALUES (?, ?, ?, ?, ?)",
		sessionID, line, source, output, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// Entry is one recorded execution.
type Entry struct {
	Session string
	Line    int
	Source  string
	Output  string
}

// Tail returns up to n most recent entries for a session, oldest first.
func (h *History) Tail(sessionID string, n int) ([]Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("history store is closed")
	}

	rows, err := h.db.Query(
		"SELECT session, line, source, output FROM history WHERE session = ? ORDER BY line DESC LIMIT ?",
		sessionID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Session, &e.Line, &e.Source, &e.Output); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history iteration failed: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close releases the database. Safe to call from any goroutine, any number
// of times.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	return h.db.Close()
}
