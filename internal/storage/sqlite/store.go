// Package sqlite implements chat.ThreadStore on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/taxdesk/backend/internal/model/chat"
)

// ErrUnsupportedDSN is returned for database URLs that are not SQLite.
var ErrUnsupportedDSN = errors.New("unsupported database url")

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	output     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steps_thread ON steps(thread_id, seq);
CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, created_at);
`

// Store persists threads and steps in a SQLite database.
type Store struct {
	db *sql.DB
}

// ParseDSN converts a DATABASE_URL into a driver data source name.
// Accepted forms: sqlite://path, sqlite:path, file:path, and bare paths.
func ParseDSN(databaseURL string) (string, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return "", fmt.Errorf("%w: empty", ErrUnsupportedDSN)
	case strings.HasPrefix(url, "sqlite://"):
		return strings.TrimPrefix(url, "sqlite://"), nil
	case strings.HasPrefix(url, "sqlite:"):
		return strings.TrimPrefix(url, "sqlite:"), nil
	case strings.HasPrefix(url, "file:"), url == ":memory:":
		return url, nil
	case strings.Contains(url, "://"):
		scheme, _, _ := strings.Cut(url, "://")
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, scheme)
	}
	return url, nil
}

// Open connects to databaseURL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	dsn, err := ParseDSN(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateThread inserts the thread; an existing id is left untouched.
func (s *Store) CreateThread(ctx context.Context, thread chat.Thread) error {
	if thread.ID == "" {
		return errors.New("thread id is required")
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO threads (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		thread.ID, thread.UserID, thread.Name, formatTime(thread.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// ReadThread loads a thread with its steps in append order.
func (s *Store) ReadThread(ctx context.Context, id string) (chat.Thread, error) {
	var (
		thread  chat.Thread
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at FROM threads WHERE id = ?`, id).
		Scan(&thread.ID, &thread.UserID, &thread.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Thread{}, chat.ErrThreadNotFound
	}
	if err != nil {
		return chat.Thread{}, fmt.Errorf("query thread: %w", err)
	}
	thread.CreatedAt = parseTime(created)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, output, created_at FROM steps WHERE thread_id = ? ORDER BY seq`, id)
	if err != nil {
		return chat.Thread{}, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step     chat.Step
			stepType string
		)
		if err := rows.Scan(&step.ID, &stepType, &step.Output, &created); err != nil {
			return chat.Thread{}, fmt.Errorf("scan step: %w", err)
		}
		step.ThreadID = id
		step.Type = chat.StepType(stepType)
		step.CreatedAt = parseTime(created)
		thread.Steps = append(thread.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return chat.Thread{}, fmt.Errorf("rows iteration error: %w", err)
	}
	return thread, nil
}

// AppendTurn records turn as a step, creating the thread and naming it
// after the first user message when needed.
func (s *Store) AppendTurn(ctx context.Context, threadID string, turn chat.Turn) error {
	return s.AppendExchange(ctx, chat.Thread{ID: threadID}, turn)
}

// AppendExchange records turns as steps in one transaction. A missing thread
// is created with thread.UserID as owner and an unowned one is claimed.
func (s *Store) AppendExchange(ctx context.Context, thread chat.Thread, turns ...chat.Turn) error {
	if thread.ID == "" {
		return errors.New("thread id is required")
	}
	now := time.Now().UTC()
	created := thread.CreatedAt
	if created.IsZero() {
		created = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO threads (id, user_id, created_at) VALUES (?, ?, ?)`,
		thread.ID, thread.UserID, formatTime(created)); err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	if thread.UserID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE threads SET user_id = ? WHERE id = ? AND user_id = ''`, thread.UserID, thread.ID); err != nil {
			return fmt.Errorf("claim thread: %w", err)
		}
	}
	for _, turn := range turns {
		if turn.Role == chat.RoleUser && strings.TrimSpace(turn.Content) != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE threads SET name = ? WHERE id = ? AND name = ''`, chat.ThreadName(turn.Content), thread.ID); err != nil {
				return fmt.Errorf("name thread: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (id, thread_id, type, output, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), thread.ID, string(chat.StepTypeFor(turn.Role)), turn.Content, formatTime(now)); err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
	}
	return tx.Commit()
}

// ListThreads returns the threads owned by userID, newest first.
func (s *Store) ListThreads(ctx context.Context, userID string) ([]chat.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at FROM threads WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []chat.Thread
	for rows.Next() {
		var (
			thread  chat.Thread
			created string
		)
		if err := rows.Scan(&thread.ID, &thread.UserID, &thread.Name, &created); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		thread.CreatedAt = parseTime(created)
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return threads, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ chat.ThreadStore = (*Store)(nil)
