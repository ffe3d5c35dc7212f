package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/relayhq/relay/pkg/models"
)

// SQLiteStore persists workspaces, conversations, messages, and devices in
// a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the store at path. Use ":memory:" for an
// ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; serialize access through a
	// single connection to avoid SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			system_prompt TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			title TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_seen_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_workspace ON conversations(workspace_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Workspaces() Workspaces       { return &sqlWorkspaces{db: s.db} }
func (s *SQLiteStore) Conversations() Conversations { return &sqlConversations{db: s.db} }
func (s *SQLiteStore) Devices() Devices             { return &sqlDevices{db: s.db} }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqlWorkspaces struct {
	db *sql.DB
}

func (s *sqlWorkspaces) Get(ctx context.Context, id string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, COALESCE(system_prompt, ''), created_at FROM workspaces WHERE id = ?`, id)

	var ws models.Workspace
	err := row.Scan(&ws.ID, &ws.Name, &ws.Path, &ws.SystemPrompt, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &ws, nil
}

func (s *sqlWorkspaces) Save(ctx context.Context, ws *models.Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, path, system_prompt, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, path = excluded.path,
			system_prompt = excluded.system_prompt`,
		ws.ID, ws.Name, ws.Path, ws.SystemPrompt, ws.CreatedAt)
	if err != nil {
		return fmt.Errorf("save workspace: %w", err)
	}
	return nil
}

type sqlConversations struct {
	db *sql.DB
}

func (s *sqlConversations) Get(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, COALESCE(title, ''), created_at, updated_at FROM conversations WHERE id = ?`, id)

	var conv models.Conversation
	err := row.Scan(&conv.ID, &conv.WorkspaceID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (s *sqlConversations) Create(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, workspace_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.WorkspaceID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *sqlConversations) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlConversations) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *sqlConversations) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func (s *sqlConversations) LastUserMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = ? AND role = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		conversationID, string(models.RoleUser))

	var msg models.Message
	var role string
	err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last user message: %w", err)
	}
	msg.Role = models.Role(role)
	return &msg, nil
}

type sqlDevices struct {
	db *sql.DB
}

func (s *sqlDevices) Get(ctx context.Context, id string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(name, ''), revoked, created_at, COALESCE(last_seen_at, created_at) FROM devices WHERE id = ?`, id)

	var device models.Device
	var revoked int
	err := row.Scan(&device.ID, &device.Name, &revoked, &device.CreatedAt, &device.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	device.Revoked = revoked != 0
	return &device, nil
}

func (s *sqlDevices) Save(ctx context.Context, device *models.Device) error {
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now()
	}
	revoked := 0
	if device.Revoked {
		revoked = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, revoked, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, revoked = excluded.revoked`,
		device.ID, device.Name, revoked, device.CreatedAt)
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

func (s *sqlDevices) TouchSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
