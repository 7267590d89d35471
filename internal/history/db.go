// Package history persists per-bot conversation history and token usage in
// the bot's SQLite database (history.db, WAL mode).
package history

import (
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Usage is one token-usage row, written best-effort after an agent run.
type Usage struct {
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
	DurationMS          int64
}

// Message is one conversation history row.
type Message struct {
	ID        int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// maxLockRetries bounds the app-level retry on SQLITE_BUSY contention, on
// top of the driver's busy_timeout.
const maxLockRetries = 5

// DB wraps one bot's history database.
type DB struct {
	db *sql.DB
}

// Open opens (and if needed creates) a bot's history database with WAL mode
// and a 5s busy timeout, and ensures the schema exists.
func Open(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	h := &DB{db: db}
	if err := h.init(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

// Close closes the underlying database.
func (h *DB) Close() error { return h.db.Close() }

func (h *DB) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model TEXT,
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			cache_read_tokens INTEGER DEFAULT 0,
			cache_creation_tokens INTEGER DEFAULT 0,
			cost_usd REAL DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if err := h.execRetry(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Add appends one message row.
func (h *DB) Add(role, content string) error {
	return h.execRetry("INSERT INTO messages (role, content) VALUES (?, ?)", role, content)
}

// Context renders the most recent limit messages as a prompt context block:
// H:/A: prefixed lines under a short preamble. Empty when no history exists.
func (h *DB) Context(limit int) (string, error) {
	rows, err := h.db.Query(
		`SELECT role, content FROM
			(SELECT role, content, id FROM messages ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, limit)
	if err != nil {
		return "", fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return "", err
		}
		prefix := "A"
		if role == "user" {
			prefix = "H"
		}
		lines = append(lines, prefix+": "+content)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}

	return "Here is the recent conversation history for context:\n\n" +
		strings.Join(lines, "\n\n") + "\n\n", nil
}

// Since returns messages with id greater than sinceID, in id order.
func (h *DB) Since(sinceID int64) ([]Message, error) {
	rows, err := h.db.Query(
		"SELECT id, role, content, created_at FROM messages WHERE id > ? ORDER BY id ASC", sinceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UsageCount returns the number of token_usage rows.
func (h *DB) UsageCount() (int, error) {
	var n int
	err := h.db.QueryRow("SELECT COUNT(*) FROM token_usage").Scan(&n)
	return n, err
}

// RecordUsage writes one token_usage row. Best-effort at call sites.
func (h *DB) RecordUsage(u Usage) error {
	return h.execRetry(
		`INSERT INTO token_usage
			(model, input_tokens, output_tokens, cache_read_tokens,
			 cache_creation_tokens, cost_usd, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Model, u.InputTokens, u.OutputTokens, u.CacheReadTokens,
		u.CacheCreationTokens, u.CostUSD, u.DurationMS)
}

// execRetry executes a statement, retrying lock contention with jittered
// exponential backoff up to maxLockRetries attempts.
func (h *DB) execRetry(stmt string, args ...any) error {
	var err error
	for attempt := 0; attempt < maxLockRetries; attempt++ {
		_, err = h.db.Exec(stmt, args...)
		if err == nil || !isLocked(err) {
			return err
		}
		backoff := time.Duration(1<<attempt)*50*time.Millisecond +
			time.Duration(rand.Int63n(int64(50*time.Millisecond)))
		time.Sleep(backoff)
	}
	return fmt.Errorf("database locked after %d attempts: %w", maxLockRetries, err)
}

func isLocked(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
