// ABOUTME: In-memory agent registry shared by the relay tree
// ABOUTME: Append-only, lock guarded, with waiters for a target size

package relay

import (
	"context"
	"sync"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/readiness"
	"github.com/2389/coven-relay/internal/store"
)

// Registry maps agent identity to its record. Entries are never removed,
// so Len never decreases.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*store.Agent
	order  []string
	size   *readiness.Cell[int]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*store.Agent),
		size:   readiness.NewCell(0),
	}
}

// Add records agent. It returns false if the identity was already present.
func (r *Registry) Add(agent *store.Agent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agent.ID]; ok {
		return false
	}
	a := *agent
	r.agents[agent.ID] = &a
	r.order = append(r.order, agent.ID)

	n := len(r.order)
	r.size.Set(n)
	metrics.AgentsRegistered.Set(float64(n))
	return true
}

// Get returns the agent with identity id.
func (r *Registry) Get(id string) (*store.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	c := *a
	return &c, true
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns agents in registration order.
func (r *Registry) List() []*store.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*store.Agent, 0, len(r.order))
	for _, id := range r.order {
		c := *r.agents[id]
		out = append(out, &c)
	}
	return out
}

// WaitForCount blocks until at least n agents are registered or ctx ends.
func (r *Registry) WaitForCount(ctx context.Context, n int) error {
	_, err := r.size.Wait(ctx, func(v int) bool { return v >= n })
	return err
}
