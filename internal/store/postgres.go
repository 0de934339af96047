// ABOUTME: PostgreSQL implementation of the Store interface using pgx
// ABOUTME: One schema per namespace; live feeds via LISTEN/NOTIFY issued inside each write transaction

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// unlistenTimeout bounds the UNLISTEN issued when a feed closes.
const unlistenTimeout = 2 * time.Second

// PostgresStore implements the Store interface on PostgreSQL.
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
	logger    *slog.Logger
}

// NewPostgresStore connects to the database, selects the namespace schema
// (creating it if needed) and ensures tables exist.
func NewPostgresStore(ctx context.Context, opts Options) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	if opts.Username != "" {
		cfg.ConnConfig.User = opts.Username
	}
	if opts.Password != "" {
		cfg.ConnConfig.Password = opts.Password
	}
	if opts.Database != "" {
		cfg.ConnConfig.Database = opts.Database
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "relay"
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = namespace

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{
		pool:      pool,
		namespace: namespace,
		logger:    slog.Default().With("component", "store", "driver", "postgres"),
	}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database, "schema", namespace)
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{s.namespace}.Sanitize()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS mailboxes (
			agent_id   TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq        BIGSERIAL UNIQUE,
			id         TEXT PRIMARY KEY,
			from_agent TEXT NOT NULL,
			to_agent   TEXT NOT NULL,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_agent, created_at);

		CREATE TABLE IF NOT EXISTS message_history (
			id                 TEXT PRIMARY KEY,
			message_id         TEXT NOT NULL,
			from_agent         TEXT NOT NULL,
			to_agent           TEXT NOT NULL,
			payload            JSONB NOT NULL,
			message_created_at TIMESTAMPTZ NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_to ON message_history(to_agent, id);
	`)
	return err
}

// feedChannel returns the NOTIFY channel for recipient. Agent names are
// hashed so any name yields a valid identifier under 63 bytes.
func (s *PostgresStore) feedChannel(recipient string) string {
	sum := sha256.Sum256([]byte(recipient))
	return s.namespace + "_feed_" + hex.EncodeToString(sum[:])[:16]
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertAgent creates the agent if missing and returns the stored record.
func (s *PostgresStore) UpsertAgent(ctx context.Context, id string) (*Agent, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, created_at) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("upserting agent: %w", err)
	}
	return s.GetAgent(ctx, id)
}

// GetAgent retrieves an agent by ID.
func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent := &Agent{}
	err := s.pool.QueryRow(ctx, `SELECT id, created_at FROM agents WHERE id = $1`, id).
		Scan(&agent.ID, &agent.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents ordered by ID.
func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, created_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent := &Agent{}
		if err := rows.Scan(&agent.ID, &agent.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent.
func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenMailbox creates the agent's mailbox record if missing.
func (s *PostgresStore) OpenMailbox(ctx context.Context, agentID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO mailboxes (agent_id, created_at) VALUES ($1, $2)
			ON CONFLICT (agent_id) DO NOTHING
		`, agentID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("opening mailbox: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return s.notify(ctx, tx, mailboxEvent(ActionCreated, agentID))
	})
}

// DeleteMailbox removes the agent's mailbox.
func (s *PostgresStore) DeleteMailbox(ctx context.Context, agentID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM mailboxes WHERE agent_id = $1`, agentID)
		if err != nil {
			return fmt.Errorf("deleting mailbox: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return s.notify(ctx, tx, mailboxEvent(ActionDeleted, agentID))
	})
}

// CreateMessage stores a message. The Created notification is delivered
// when the transaction commits.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	payload, err := MarshalPayload(msg.Payload)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO messages (id, from_agent, to_agent, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, msg.ID, msg.From, msg.To, string(payload), msg.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("creating message: %w", err)
		}
		return s.notify(ctx, tx, messageEvent(ActionCreated, msg))
	})
}

// ListMessages returns matching messages oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	query, args := pgMessageQuery("SELECT id, from_agent, to_agent, payload, created_at FROM messages", filter)
	query += " ORDER BY created_at, seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteMessages removes matching messages and notifies a Deleted event
// for each.
func (s *PostgresStore) DeleteMessages(ctx context.Context, filter MessageFilter) (int, error) {
	sub, args := pgMessageQuery("SELECT id FROM messages", filter)
	sub += " ORDER BY created_at, seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sub += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	query := "DELETE FROM messages WHERE id IN (" + sub + ") RETURNING id, from_agent, to_agent, payload, created_at"

	var count int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		var doomed []*Message
		for rows.Next() {
			msg, err := scanPgMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			doomed = append(doomed, msg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}

		for _, msg := range doomed {
			if err := s.notify(ctx, tx, messageEvent(ActionDeleted, msg)); err != nil {
				return err
			}
		}
		count = len(doomed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SaveHistory archives an observed message.
func (s *PostgresStore) SaveHistory(ctx context.Context, h *MessageHistory) error {
	payload, err := MarshalPayload(h.Message.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO message_history (id, message_id, from_agent, to_agent, payload, message_created_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, h.ID, h.Message.ID, h.Message.From, h.Message.To, string(payload), h.Message.CreatedAt.UTC(), h.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving history: %w", err)
	}
	return nil
}

// ListHistory returns archived messages addressed to agentID (all if empty).
func (s *PostgresStore) ListHistory(ctx context.Context, agentID string, limit int) ([]*MessageHistory, error) {
	query := `SELECT id, message_id, from_agent, to_agent, payload, message_created_at, created_at FROM message_history`
	var args []any
	if agentID != "" {
		args = append(args, agentID)
		query += " WHERE to_agent = $1"
	}
	query += " ORDER BY id"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []*MessageHistory
	for rows.Next() {
		h := &MessageHistory{}
		var payload []byte
		if err := rows.Scan(&h.ID, &h.Message.ID, &h.Message.From, &h.Message.To, &payload, &h.Message.CreatedAt, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		if h.Message.Payload, err = UnmarshalPayload(payload); err != nil {
			return nil, fmt.Errorf("history %s: %w", h.ID, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Subscribe dedicates a pooled connection to LISTEN on recipient's channel.
// It returns once the LISTEN has been acknowledged.
func (s *PostgresStore) Subscribe(ctx context.Context, recipient string) (*Feed, error) {
	channel := s.feedChannel(recipient)
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring listen connection: %w", err)
	}
	ident := pgx.Identifier{channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listening on %s: %w", channel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	out := make(chan Notification, subscriberBufferSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		for {
			pn, err := conn.Conn().WaitForNotification(listenCtx)
			if listenCtx.Err() != nil {
				return
			}
			var n Notification
			if err != nil {
				n.Err = fmt.Errorf("waiting for notification: %w", err)
			} else {
				n.Event, n.Err = decodeEvent([]byte(pn.Payload))
			}
			select {
			case out <- n:
			case <-listenCtx.Done():
				return
			}
			if err != nil {
				return // connection is no longer usable
			}
		}
	}()

	s.logger.Debug("listening", "channel", channel, "recipient", recipient)
	return NewFeed(recipient, out, func() error {
		cancel()
		wg.Wait()

		unlistenCtx, done := context.WithTimeout(context.Background(), unlistenTimeout)
		defer done()
		if _, err := conn.Exec(unlistenCtx, "UNLISTEN "+ident); err != nil {
			// A cancelled wait can leave the connection mid-protocol.
			conn.Hijack().Close(unlistenCtx)
			return nil
		}
		conn.Release()
		return nil
	}), nil
}

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, ev ChangeEvent) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.feedChannel(ev.Recipient), string(data)); err != nil {
		return fmt.Errorf("notifying %s event: %w", ev.Kind, err)
	}
	return nil
}

func pgMessageQuery(base string, filter MessageFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.From != "" {
		args = append(args, filter.From)
		clauses = append(clauses, fmt.Sprintf("from_agent = $%d", len(args)))
	}
	if filter.To != "" {
		args = append(args, filter.To)
		clauses = append(clauses, fmt.Sprintf("to_agent = $%d", len(args)))
	}
	if len(clauses) > 0 {
		base += " WHERE " + strings.Join(clauses, " AND ")
	}
	return base, args
}

func scanPgMessage(rows pgx.Rows) (*Message, error) {
	msg := &Message{}
	var payload []byte
	if err := rows.Scan(&msg.ID, &msg.From, &msg.To, &payload, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	var err error
	if msg.Payload, err = UnmarshalPayload(payload); err != nil {
		return nil, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	return msg, nil
}
