// ABOUTME: Shared fixtures for relay tests
// ABOUTME: Scripted feeds, a controllable store source and a message collector

package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/readiness"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/supervise"
)

// scriptedStore hands out feeds whose notifications the test writes
// directly, and logs teardown steps in order.
type scriptedStore struct {
	*store.MockStore

	mu         sync.Mutex
	feeds      map[string]chan store.Notification
	failAgents map[string]error
	steps      []string
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{
		MockStore:  store.NewMockStore(),
		feeds:      make(map[string]chan store.Notification),
		failAgents: make(map[string]error),
	}
}

func (s *scriptedStore) step(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, v)
}

func (s *scriptedStore) Steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

func (s *scriptedStore) Subscribe(ctx context.Context, recipient string) (*store.Feed, error) {
	s.mu.Lock()
	if err := s.failAgents[recipient]; err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ch := make(chan store.Notification, 16)
	s.feeds[recipient] = ch
	s.mu.Unlock()

	s.step("subscribe " + recipient)
	return store.NewFeed(recipient, ch, func() error {
		s.step("close " + recipient)
		return nil
	}), nil
}

func (s *scriptedStore) DeleteMailbox(ctx context.Context, agentID string) error {
	s.step("delete-mailbox " + agentID)
	return s.MockStore.DeleteMailbox(ctx, agentID)
}

// feed waits for recipient's feed to exist and returns its channel.
func (s *scriptedStore) feed(t *testing.T, recipient string) chan<- store.Notification {
	t.Helper()
	var ch chan store.Notification
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		ch = s.feeds[recipient]
		return ch != nil
	}, 2*time.Second, 5*time.Millisecond)
	return ch
}

func created(to, id, text string) store.Notification {
	return store.Notification{Event: store.ChangeEvent{
		Action:    store.ActionCreated,
		Kind:      store.RecordMessage,
		Recipient: to,
		Message: store.Message{
			ID:        id,
			From:      "bob",
			To:        to,
			Payload:   store.TextPayload{Content: text},
			CreatedAt: time.Now().UTC(),
		},
		At: time.Now().UTC(),
	}}
}

// staticSource is a StoreSource whose readiness the test controls.
type staticSource struct {
	st     store.Store
	ready  *readiness.Signal
	mu     sync.Mutex
	leases int
}

func newStaticSource(st store.Store) *staticSource {
	return &staticSource{st: st, ready: readiness.NewSignal()}
}

func (s *staticSource) Ready() *readiness.Signal { return s.ready }

func (s *staticSource) Acquire() (store.Store, func(), error) {
	s.mu.Lock()
	s.leases++
	s.mu.Unlock()
	return s.st, func() {
		s.mu.Lock()
		s.leases--
		s.mu.Unlock()
	}, nil
}

func (s *staticSource) Leases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases
}

// received collects handler invocations.
type received struct {
	mu   sync.Mutex
	msgs []store.Message
}

func (r *received) handler(ctx context.Context, agent string, msg store.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *received) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, m := range r.msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func (r *received) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// runListener starts l under a fresh toplevel and returns the toplevel.
func runListener(t *testing.T, l *Listener) *supervise.Toplevel {
	t.Helper()
	tl := supervise.NewToplevel(context.Background(), nil)
	tl.Start("listener", l.Run)
	require.Eventually(t, func() bool { return l.State() != StateStarting }, 2*time.Second, 5*time.Millisecond)
	return tl
}
