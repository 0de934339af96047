// ABOUTME: Store interface and data types for the relay record store
// ABOUTME: Defines Agent, Message, Mailbox, history records and the live feed contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// Agent is the durable record of a named participant
type Agent struct {
	ID        string
	CreatedAt time.Time
}

// Mailbox is the per-agent record a live feed is scoped to. It exists while
// the agent's listener is running.
type Mailbox struct {
	AgentID   string
	CreatedAt time.Time
}

// Message is one payload relayed from one agent to another
type Message struct {
	ID        string
	From      string
	To        string
	Payload   Payload
	CreatedAt time.Time
}

// MessageHistory is an archived copy of an observed message
type MessageHistory struct {
	ID        string // ULID
	Message   Message
	CreatedAt time.Time
}

// MessageFilter selects messages by sender and/or recipient. Empty fields
// match everything. Limit <= 0 means no limit.
type MessageFilter struct {
	From  string
	To    string
	Limit int
}

func (f MessageFilter) matches(m *Message) bool {
	if f.From != "" && m.From != f.From {
		return false
	}
	if f.To != "" && m.To != f.To {
		return false
	}
	return true
}

// Store defines the record store operations used by the relay.
// Implementations are safe for concurrent use.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, id string) (*Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Mailboxes
	OpenMailbox(ctx context.Context, agentID string) error
	DeleteMailbox(ctx context.Context, agentID string) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)
	DeleteMessages(ctx context.Context, filter MessageFilter) (int, error)

	// History
	SaveHistory(ctx context.Context, h *MessageHistory) error
	ListHistory(ctx context.Context, agentID string, limit int) ([]*MessageHistory, error)

	// Subscribe opens a live feed of changes to messages addressed to
	// recipient and to recipient's mailbox. It returns once the
	// subscription is confirmed by the backend.
	Subscribe(ctx context.Context, recipient string) (*Feed, error)

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
