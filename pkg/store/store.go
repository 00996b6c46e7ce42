// Package store persists chat history, per-conversation settings and the
// enabled plugin set in a local sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qbot-dev/qbot/pkg/logger"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID        int64     `json:"id"`
	ContextID string    `json:"context_id"`
	UserID    int64     `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file and its parent directory if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.InfoCF("store", "Store opened", map[string]interface{}{
		"path": path,
	})
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		context_id TEXT NOT NULL,
		user_id INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_context ON messages(context_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

	CREATE TABLE IF NOT EXISTS contexts (
		context_id TEXT PRIMARY KEY,
		persona TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plugin_state (
		plugin_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init store schema: %w", err)
	}
	return nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertMessage stores msg and returns its id. A zero CreatedAt means now.
func (s *Store) InsertMessage(ctx context.Context, msg Message) (int64, error) {
	if msg.ContextID == "" {
		return 0, errors.New("insert message: empty context id")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (context_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ContextID, msg.UserID, msg.Role, msg.Content, msg.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return result.LastInsertId()
}

// GetRecent returns up to limit of the newest messages in a conversation,
// oldest first.
func (s *Store) GetRecent(ctx context.Context, contextID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, context_id, user_id, role, content, created_at FROM messages
		WHERE context_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		contextID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ContextID, &m.UserID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearContext deletes a conversation's history and returns how many
// messages were removed.
func (s *Store) ClearContext(ctx context.Context, contextID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE context_id = ?`, contextID)
	if err != nil {
		return 0, fmt.Errorf("clear context: %w", err)
	}
	return result.RowsAffected()
}

// CleanOldMessages deletes messages older than olderThan, except those sent
// by exemptUsers.
func (s *Store) CleanOldMessages(ctx context.Context, olderThan time.Duration, exemptUsers []int64) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	query := `DELETE FROM messages WHERE created_at < ?`
	args := []interface{}{cutoff}
	if len(exemptUsers) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(exemptUsers)), ",")
		query += ` AND user_id NOT IN (` + placeholders + `)`
		for _, id := range exemptUsers {
			args = append(args, id)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clean old messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	logger.InfoCF("store", "Old messages cleaned", map[string]interface{}{
		"deleted":     n,
		"older_than":  olderThan.String(),
		"exempt_users": len(exemptUsers),
	})
	return n, nil
}

func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// SetCharacter records the persona chosen for a conversation. An empty name
// resets it.
func (s *Store) SetCharacter(ctx context.Context, contextID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts (context_id, persona, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(context_id) DO UPDATE SET persona = excluded.persona, updated_at = excluded.updated_at`,
		contextID, name, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set character: %w", err)
	}
	return nil
}

func (s *Store) Character(ctx context.Context, contextID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT persona FROM contexts WHERE context_id = ?`, contextID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get character: %w", err)
	}
	return name, nil
}

func (s *Store) SetPluginEnabled(ctx context.Context, id string, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_state (plugin_id, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(plugin_id) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		id, flag, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set plugin state: %w", err)
	}
	return nil
}

func (s *Store) PluginStates(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plugin_id, enabled FROM plugin_state`)
	if err != nil {
		return nil, fmt.Errorf("query plugin states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]bool)
	for rows.Next() {
		var id string
		var enabled int
		if err := rows.Scan(&id, &enabled); err != nil {
			return nil, fmt.Errorf("scan plugin state: %w", err)
		}
		states[id] = enabled != 0
	}
	return states, rows.Err()
}
