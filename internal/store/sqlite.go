// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/tool-server persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			title           TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			memory_strategy TEXT NOT NULL DEFAULT 'full_buffer',
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,

			CHECK (status IN ('active', 'closed')),
			CHECK (memory_strategy IN ('full_buffer', 'none', 'rolling_summary'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			tokens_used     INTEGER NOT NULL DEFAULT 0,
			tool_name       TEXT,
			tool_server_id  TEXT,
			tool_note       TEXT,
			seq             INTEGER,
			created_at      DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (role IN ('user', 'assistant', 'tool'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS tool_servers (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			base_url   TEXT NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tool_servers_user
			ON tool_servers(user_id, active);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// CreateConversation inserts a new conversation
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, status, memory_strategy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Status, conv.MemoryStrategy,
		conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, status, memory_strategy, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Status, &conv.MemoryStrategy,
		&conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return &conv, nil
}

// CloseConversation marks a conversation as closed and returns the updated record
func (s *SQLiteStore) CloseConversation(ctx context.Context, id string) (*Conversation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		ConversationClosed, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("closing conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("closing conversation: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetConversation(ctx, id)
}

// AppendMessage inserts a message, assigning the next insertion sequence
// within its conversation, and bumps the conversation's updated_at.
// Fails with ErrConversationClosed if the conversation is not active.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM conversations WHERE id = ?`, msg.ConversationID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", err)
	}
	if status != ConversationActive {
		return nil, ErrConversationClosed
	}

	// Next insertion sequence for ordering ties
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		msg.ConversationID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("computing sequence: %w", err)
	}

	stored := *msg
	stored.Seq = seq
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tokens_used, tool_name, tool_server_id, tool_note, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.ConversationID, stored.Role, stored.Content, stored.TokensUsed,
		nullable(stored.ToolName), nullable(stored.ToolServerID), nullable(stored.ToolNote),
		stored.Seq, stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		stored.CreatedAt, stored.ConversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return &stored, nil
}

// LoadHistory returns the messages of a conversation in append order.
// A limit of 0 means no limit; a positive limit returns the most recent
// messages, still in append order.
func (s *SQLiteStore) LoadHistory(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, tokens_used,
		       COALESCE(tool_name, ''), COALESCE(tool_server_id, ''), COALESCE(tool_note, ''),
		       seq, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, seq`
	args := []any{conversationID}

	if limit > 0 {
		// Most recent N, flipped back to append order
		query = `
			SELECT id, conversation_id, role, content, tokens_used, tool_name, tool_server_id, tool_note, seq, created_at
			FROM (
				SELECT id, conversation_id, role, content, tokens_used,
				       COALESCE(tool_name, '') AS tool_name, COALESCE(tool_server_id, '') AS tool_server_id,
				       COALESCE(tool_note, '') AS tool_note,
				       seq, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, seq DESC
				LIMIT ?
			) ORDER BY created_at, seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&msg.TokensUsed, &msg.ToolName, &msg.ToolServerID, &msg.ToolNote,
			&msg.Seq, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// CreateToolServer inserts a new tool server registration
func (s *SQLiteStore) CreateToolServer(ctx context.Context, server *ToolServer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_servers (id, user_id, name, base_url, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		server.ID, server.UserID, server.Name, server.BaseURL, server.Active,
		server.CreatedAt, server.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting tool server: %w", err)
	}
	return nil
}

// GetToolServer retrieves a tool server by ID
func (s *SQLiteStore) GetToolServer(ctx context.Context, id string) (*ToolServer, error) {
	var srv ToolServer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, base_url, active, created_at, updated_at
		FROM tool_servers WHERE id = ?`, id,
	).Scan(&srv.ID, &srv.UserID, &srv.Name, &srv.BaseURL, &srv.Active,
		&srv.CreatedAt, &srv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool server: %w", err)
	}
	return &srv, nil
}

// ListToolServers returns a user's tool servers, optionally only active ones
func (s *SQLiteStore) ListToolServers(ctx context.Context, userID string, activeOnly bool) ([]*ToolServer, error) {
	query := `
		SELECT id, user_id, name, base_url, active, created_at, updated_at
		FROM tool_servers WHERE user_id = ?`
	args := []any{userID}
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tool servers: %w", err)
	}
	defer rows.Close()

	var servers []*ToolServer
	for rows.Next() {
		var srv ToolServer
		if err := rows.Scan(&srv.ID, &srv.UserID, &srv.Name, &srv.BaseURL, &srv.Active,
			&srv.CreatedAt, &srv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning tool server: %w", err)
		}
		servers = append(servers, &srv)
	}
	return servers, rows.Err()
}

// SetToolServerActive toggles a tool server's active flag
func (s *SQLiteStore) SetToolServerActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_servers SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating tool server: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating tool server: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullable converts empty strings to NULL for optional columns
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueConstraintError detects SQLite unique constraint violations
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint violations in the error string
	return strings.Contains(err.Error(), "constraint failed")
}
