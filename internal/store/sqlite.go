// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists agents, mailboxes, messages and history; live feeds come from an in-process hub

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	hub    *Hub
	logger *slog.Logger

	// writeMu orders commits and their feed publications identically.
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would see its own database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		hub:    NewHub(logger),
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
		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS mailboxes (
			agent_id   TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			from_agent TEXT NOT NULL,
			to_agent   TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_agent, created_at);

		CREATE TABLE IF NOT EXISTS message_history (
			id                 TEXT PRIMARY KEY,
			message_id         TEXT NOT NULL,
			from_agent         TEXT NOT NULL,
			to_agent           TEXT NOT NULL,
			payload            TEXT NOT NULL,
			message_created_at TEXT NOT NULL,
			created_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_to ON message_history(to_agent, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection and ends all live feeds
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	s.hub.Close()
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertAgent creates the agent if missing and returns the stored record.
// An existing agent keeps its original CreatedAt.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, id string) (*Agent, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("upserting agent: %w", err)
	}
	return s.GetAgent(ctx, id)
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM agents WHERE id = ?`, id).
		Scan(&agent.ID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	agent.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &agent, nil
}

// ListAgents returns all agents ordered by ID
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var agent Agent
		var createdAt string
		if err := rows.Scan(&agent.ID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agent.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		agents = append(agents, &agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return requireAffected(result)
}

// OpenMailbox creates the agent's mailbox record if missing
func (s *SQLiteStore) OpenMailbox(ctx context.Context, agentID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO mailboxes (agent_id, created_at) VALUES (?, ?)
		ON CONFLICT(agent_id) DO NOTHING
	`, agentID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("opening mailbox: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.hub.Publish(mailboxEvent(ActionCreated, agentID))
	}
	return nil
}

// DeleteMailbox removes the agent's mailbox record.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) DeleteMailbox(ctx context.Context, agentID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM mailboxes WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("deleting mailbox: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	s.hub.Publish(mailboxEvent(ActionDeleted, agentID))
	return nil
}

// CreateMessage stores a message and publishes a Created event to the
// recipient's feed.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	payload, err := MarshalPayload(msg.Payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, from_agent, to_agent, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.From, msg.To, string(payload), formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.hub.Publish(messageEvent(ActionCreated, msg))
	s.logger.Debug("created message", "id", msg.ID, "from", msg.From, "to", msg.To)
	return nil
}

// ListMessages returns matching messages oldest first
func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	query, args := messageQuery(`SELECT id, from_agent, to_agent, payload, created_at FROM messages`, filter)
	query += ` ORDER BY created_at, rowid`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteMessages removes matching messages and publishes a Deleted event
// for each. It returns the number removed.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, filter MessageFilter) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query, args := messageQuery(`SELECT id, from_agent, to_agent, payload, created_at FROM messages`, filter)
	query += ` ORDER BY created_at, rowid`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("querying messages: %w", err)
	}
	var doomed []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		doomed = append(doomed, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating messages: %w", err)
	}

	for _, msg := range doomed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, msg.ID); err != nil {
			return 0, fmt.Errorf("deleting message %s: %w", msg.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing delete: %w", err)
	}

	for _, msg := range doomed {
		s.hub.Publish(messageEvent(ActionDeleted, msg))
	}
	return len(doomed), nil
}

// SaveHistory archives an observed message
func (s *SQLiteStore) SaveHistory(ctx context.Context, h *MessageHistory) error {
	payload, err := MarshalPayload(h.Message.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_history (id, message_id, from_agent, to_agent, payload, message_created_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.Message.ID, h.Message.From, h.Message.To, string(payload),
		formatTime(h.Message.CreatedAt), formatTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting history: %w", err)
	}
	return nil
}

// ListHistory returns archived messages addressed to agentID (all agents if
// empty), oldest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, agentID string, limit int) ([]*MessageHistory, error) {
	query := `SELECT id, message_id, from_agent, to_agent, payload, message_created_at, created_at FROM message_history`
	var args []any
	if agentID != "" {
		query += ` WHERE to_agent = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []*MessageHistory
	for rows.Next() {
		var h MessageHistory
		var payload, msgCreated, created string
		if err := rows.Scan(&h.ID, &h.Message.ID, &h.Message.From, &h.Message.To,
			&payload, &msgCreated, &created); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		if h.Message.Payload, err = UnmarshalPayload([]byte(payload)); err != nil {
			return nil, err
		}
		if h.Message.CreatedAt, err = parseTime(msgCreated); err != nil {
			return nil, fmt.Errorf("parsing message_created_at: %w", err)
		}
		if h.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// Subscribe opens a live feed for recipient. Registration with the hub is
// synchronous, so the subscription is confirmed on return.
func (s *SQLiteStore) Subscribe(ctx context.Context, recipient string) (*Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, recipient), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var payload, createdAt string
	if err := row.Scan(&msg.ID, &msg.From, &msg.To, &payload, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	var err error
	if msg.Payload, err = UnmarshalPayload([]byte(payload)); err != nil {
		return nil, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}

// messageQuery appends a WHERE clause for filter to base
func messageQuery(base string, filter MessageFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.From != "" {
		clauses = append(clauses, "from_agent = ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		clauses = append(clauses, "to_agent = ?")
		args = append(args, filter.To)
	}
	if len(clauses) > 0 {
		base += " WHERE " + strings.Join(clauses, " AND ")
	}
	return base, args
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
