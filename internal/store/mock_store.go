// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory records with hub-backed feeds, call recording and fault injection

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Call records one MockStore method invocation.
type Call struct {
	Method string
	Arg    string
	At     time.Time
}

// MockStore is an in-memory Store implementation for testing.
// Setting one of the *Err fields makes the matching method fail.
type MockStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	mailboxes map[string]*Mailbox
	messages  []*Message
	history   []*MessageHistory
	calls     []Call
	closed    bool
	hub       *Hub

	SubscribeErr     error
	OpenMailboxErr   error
	CreateMessageErr error
	SaveHistoryErr   error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:    make(map[string]*Agent),
		mailboxes: make(map[string]*Mailbox),
		hub:       NewHub(nil),
	}
}

func (m *MockStore) record(method, arg string) {
	m.calls = append(m.calls, Call{Method: method, Arg: arg, At: time.Now()})
}

// Calls returns every recorded invocation in order.
func (m *MockStore) Calls() []Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns recorded invocations of method.
func (m *MockStore) CallsTo(method string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Hub exposes the feed hub so tests can inject raw events.
func (m *MockStore) Hub() *Hub { return m.hub }

// HasMailbox reports whether agentID's mailbox record exists.
func (m *MockStore) HasMailbox(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.mailboxes[agentID]
	return ok
}

// Closed reports whether Close has been called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// UpsertAgent creates the agent if missing.
func (m *MockStore) UpsertAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpsertAgent", id)

	agent, ok := m.agents[id]
	if !ok {
		agent = &Agent{ID: id, CreatedAt: time.Now().UTC()}
		m.agents[id] = agent
	}
	a := *agent
	return &a, nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	a := *agent
	return &a, nil
}

// ListAgents returns all agents ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		a := *agent
		agents = append(agents, &a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// DeleteAgent removes an agent.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteAgent", id)

	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

// OpenMailbox creates the agent's mailbox if missing.
func (m *MockStore) OpenMailbox(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("OpenMailbox", agentID)

	if m.OpenMailboxErr != nil {
		return m.OpenMailboxErr
	}
	if _, ok := m.mailboxes[agentID]; ok {
		return nil
	}
	m.mailboxes[agentID] = &Mailbox{AgentID: agentID, CreatedAt: time.Now().UTC()}
	m.hub.Publish(mailboxEvent(ActionCreated, agentID))
	return nil
}

// DeleteMailbox removes the agent's mailbox.
func (m *MockStore) DeleteMailbox(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteMailbox", agentID)

	if _, ok := m.mailboxes[agentID]; !ok {
		return ErrNotFound
	}
	delete(m.mailboxes, agentID)
	m.hub.Publish(mailboxEvent(ActionDeleted, agentID))
	return nil
}

// CreateMessage stores a message and publishes a Created event.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateMessage", msg.ID)

	if m.CreateMessageErr != nil {
		return m.CreateMessageErr
	}
	c := *msg
	m.messages = append(m.messages, &c)
	m.hub.Publish(messageEvent(ActionCreated, &c))
	return nil
}

// ListMessages returns matching messages in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages {
		if !filter.matches(msg) {
			continue
		}
		c := *msg
		out = append(out, &c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// DeleteMessages removes matching messages and publishes Deleted events.
func (m *MockStore) DeleteMessages(ctx context.Context, filter MessageFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteMessages", filter.To)

	var kept []*Message
	var removed int
	for _, msg := range m.messages {
		if filter.matches(msg) && (filter.Limit == 0 || removed < filter.Limit) {
			removed++
			m.hub.Publish(messageEvent(ActionDeleted, msg))
			continue
		}
		kept = append(kept, msg)
	}
	m.messages = kept
	return removed, nil
}

// SaveHistory archives an observed message.
func (m *MockStore) SaveHistory(ctx context.Context, h *MessageHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveHistory", h.Message.ID)

	if m.SaveHistoryErr != nil {
		return m.SaveHistoryErr
	}
	c := *h
	m.history = append(m.history, &c)
	return nil
}

// ListHistory returns archived messages addressed to agentID.
func (m *MockStore) ListHistory(ctx context.Context, agentID string, limit int) ([]*MessageHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MessageHistory
	for _, h := range m.history {
		if agentID != "" && h.Message.To != agentID {
			continue
		}
		c := *h
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Subscribe opens a hub-backed feed for recipient.
func (m *MockStore) Subscribe(ctx context.Context, recipient string) (*Feed, error) {
	m.mu.Lock()
	m.record("Subscribe", recipient)
	err := m.SubscribeErr
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return m.hub.Subscribe(ctx, recipient), nil
}

// Ping always succeeds unless the store is closed.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close ends all feeds.
func (m *MockStore) Close() error {
	m.mu.Lock()
	m.record("Close", "")
	m.closed = true
	m.mu.Unlock()

	m.hub.Close()
	return nil
}
