// ABOUTME: Agent group supervisor gated on store readiness
// ABOUTME: Starts one detached agent supervisor per name and joins them all on shutdown

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/readiness"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/supervise"
)

// StoreSource provides the store once it is ready. *storeconn.Manager
// implements it.
type StoreSource interface {
	Ready() *readiness.Signal
	Acquire() (store.Store, func(), error)
}

// GroupSupervisor runs a set of agents.
type GroupSupervisor struct {
	Names            []string
	Source           StoreSource
	Registry         *Registry
	ReadinessTimeout time.Duration
	Grace            time.Duration
	Listener         ListenerOptions
	OnListener       func(*Listener)
}

// Run waits for the store, starts every agent, then waits for shutdown
// and joins every agent before returning. It returns ErrReadinessTimeout
// without starting any agent if the store is not ready in time.
func (g *GroupSupervisor) Run(h *supervise.Handle) error {
	ctx := h.Context()
	logger := h.Logger()

	logger.Info("waiting for store", "timeout", g.ReadinessTimeout)
	if err := g.Source.Ready().WaitTimeout(ctx, g.ReadinessTimeout); err != nil {
		if errors.Is(err, readiness.ErrTimeout) {
			return fmt.Errorf("%w after %s", ErrReadinessTimeout, g.ReadinessTimeout)
		}
		logger.Info("shutdown requested before store was ready")
		return nil
	}

	st, release, err := g.Source.Acquire()
	if err != nil {
		return fmt.Errorf("acquiring store: %w", err)
	}
	defer release()

	agents := make([]*supervise.Nested, 0, len(g.Names))
	for _, name := range g.Names {
		sup := &AgentSupervisor{
			Name:       name,
			Store:      st,
			Registry:   g.Registry,
			Grace:      g.Grace,
			Listener:   g.Listener,
			OnListener: g.OnListener,
		}
		agents = append(agents, h.Start(name, sup.Run, supervise.Detached()))
	}
	logger.Info("agents started", "count", len(agents))

	<-h.ShutdownRequested()
	logger.Info("stopping agents", "count", len(agents))

	var eg errgroup.Group
	for _, a := range agents {
		a.InitiateShutdown()
		eg.Go(func() error { return a.Join(context.Background()) })
	}
	// Every agent is joined before Wait returns; the error is the first
	// agent failure and does not fail the group.
	if err := eg.Wait(); err != nil {
		logger.Warn("agent stopped with error", "error", err)
	}

	logger.Info("all agents stopped")
	return nil
}
