// ABOUTME: Agent supervisor owning one agent's record and its feed listener
// ABOUTME: Stops only after the listener has stopped and a short grace interval has passed

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/supervise"
)

// AgentSupervisor runs one agent.
type AgentSupervisor struct {
	Name     string
	Store    store.Store
	Registry *Registry
	Grace    time.Duration
	Listener ListenerOptions

	// OnListener, when set, receives the listener before it starts.
	OnListener func(*Listener)
}

// Run ensures the agent exists, registers it, runs its listener as a
// detached child and cascades shutdown to it.
func (a *AgentSupervisor) Run(h *supervise.Handle) error {
	ctx := h.Context()
	logger := h.Logger()

	agent, err := a.Store.UpsertAgent(ctx, a.Name)
	if err != nil {
		return fmt.Errorf("ensuring agent %s: %w", a.Name, err)
	}
	if a.Registry.Add(agent) {
		logger.Info("agent registered", "agent", agent.ID, "created_at", agent.CreatedAt)
	}

	listener := NewListener(agent.ID, a.Store, a.Listener)
	if a.OnListener != nil {
		a.OnListener(listener)
	}
	child := h.Start("listener", listener.Run, supervise.Detached())

	select {
	case <-h.ShutdownRequested():
	case <-child.Done():
		if err := child.Err(); err != nil {
			return err
		}
		<-h.ShutdownRequested()
	}

	logger.Info("agent shutting down")
	child.InitiateShutdown()
	if err := child.Join(context.Background()); err != nil {
		logger.Warn("listener stopped with error", "error", err)
	}

	if a.Grace > 0 {
		time.Sleep(a.Grace)
	}
	logger.Info("agent stopped")
	return nil
}
