// ABOUTME: Root supervisor wiring the store subsystem and the agent group as siblings
// ABOUTME: The group gates itself on store readiness; the root owns cancellation and the shutdown budget

package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/readiness"
	"github.com/2389/coven-relay/internal/supervise"
)

// Defaults applied by NewRoot to zero-valued options.
const (
	DefaultReadinessTimeout = 30 * time.Second
	DefaultGracePeriod      = 200 * time.Millisecond
	DefaultShutdownTimeout  = 4 * time.Second
)

// StoreSubsystem is a store source that also runs as a subsystem.
type StoreSubsystem interface {
	StoreSource
	Run(h *supervise.Handle) error
}

// RootOptions configures the relay tree.
type RootOptions struct {
	Agents           []string
	ReadinessTimeout time.Duration
	// GracePeriod of zero uses the default; negative disables it.
	GracePeriod      time.Duration
	ShutdownTimeout  time.Duration
	Listener         ListenerOptions
	Logger           *slog.Logger

	// StopHook receives each subsystem's path and stop time.
	StopHook func(path string, at time.Time)
	// OnListener receives every listener before it starts.
	OnListener func(*Listener)
}

// Root is a running relay tree.
type Root struct {
	tl       *supervise.Toplevel
	registry *Registry
	source   StoreSource
	agents   []string
	timeout  time.Duration
}

// NewRoot starts the store and agent group subsystems under a toplevel
// bound to ctx. Both start immediately; the group waits for readiness.
func NewRoot(ctx context.Context, source StoreSubsystem, opts RootOptions) *Root {
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = DefaultReadinessTimeout
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	} else if opts.GracePeriod == 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	var toplevelOpts []supervise.Option
	if opts.StopHook != nil {
		toplevelOpts = append(toplevelOpts, supervise.WithStopHook(opts.StopHook))
	}

	r := &Root{
		tl:       supervise.NewToplevel(ctx, opts.Logger, toplevelOpts...),
		registry: NewRegistry(),
		source:   source,
		agents:   append([]string(nil), opts.Agents...),
		timeout:  opts.ShutdownTimeout,
	}

	group := &GroupSupervisor{
		Names:            r.agents,
		Source:           source,
		Registry:         r.registry,
		ReadinessTimeout: opts.ReadinessTimeout,
		Grace:            opts.GracePeriod,
		Listener:         opts.Listener,
		OnListener:       opts.OnListener,
	}

	r.tl.Start("store", source.Run)
	r.tl.Start("agents", group.Run)
	return r
}

// Start adds another top-level subsystem, such as the status server.
func (r *Root) Start(name string, fn supervise.Func) *supervise.Nested {
	return r.tl.Start(name, fn)
}

// Registry returns the shared agent registry.
func (r *Root) Registry() *Registry { return r.registry }

// StoreReady returns the store readiness signal.
func (r *Root) StoreReady() *readiness.Signal { return r.source.Ready() }

// Ready reports whether the store is ready and every agent is registered.
func (r *Root) Ready() bool {
	return r.source.Ready().IsReady() && r.registry.Len() >= len(r.agents)
}

// WaitReady blocks until Ready would return true or ctx ends.
func (r *Root) WaitReady(ctx context.Context) error {
	if err := r.source.Ready().Wait(ctx); err != nil {
		return err
	}
	return r.registry.WaitForCount(ctx, len(r.agents))
}

// Shutdown requests shutdown of the whole tree.
func (r *Root) Shutdown() { r.tl.Shutdown() }

// Wait blocks until the tree stops. A forced shutdown returns an error
// matching supervise.ErrShutdownTimeout.
func (r *Root) Wait() error { return r.tl.Wait(r.timeout) }
