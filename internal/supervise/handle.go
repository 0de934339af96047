// ABOUTME: Subsystem handles and nested child tracking for the supervision tree
// ABOUTME: Enforces that a subsystem stops only after all its children stopped

package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Func is the body of a subsystem. It should return once shutdown is
// requested on its handle.
type Func func(h *Handle) error

// SubsystemError reports the failure of a named subsystem.
type SubsystemError struct {
	Name string
	Err  error
}

func (e *SubsystemError) Error() string {
	return fmt.Sprintf("subsystem %s failed: %v", e.Name, e.Err)
}

func (e *SubsystemError) Unwrap() error { return e.Err }

// StartOption configures a child started with Handle.Start.
type StartOption func(*startOptions)

type startOptions struct {
	detached bool
}

// Detached starts the child without linking it to the parent's shutdown
// request or the tree's failure propagation.
func Detached() StartOption {
	return func(o *startOptions) { o.detached = true }
}

// Handle is given to a running subsystem.
type Handle struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	tree   *tree
	logger *slog.Logger

	mu       sync.Mutex
	children []*Nested
	running  sync.WaitGroup
}

// Name returns the slash separated path of the subsystem in the tree.
func (h *Handle) Name() string { return h.name }

// Context is canceled when shutdown of this subsystem is requested.
func (h *Handle) Context() context.Context { return h.ctx }

// ShutdownRequested returns a channel closed when shutdown is requested.
func (h *Handle) ShutdownRequested() <-chan struct{} { return h.ctx.Done() }

// IsShutdownRequested reports whether shutdown has been requested.
func (h *Handle) IsShutdownRequested() bool { return h.ctx.Err() != nil }

// Logger returns a logger tagged with the subsystem path.
func (h *Handle) Logger() *slog.Logger { return h.logger }

// RequestShutdown asks the whole tree to shut down.
func (h *Handle) RequestShutdown() { h.tree.shutdown() }

// Start launches fn as a child of h.
func (h *Handle) Start(name string, fn Func, opts ...StartOption) *Nested {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	path := name
	if h.name != "" {
		path = h.name + "/" + name
	}

	parentCtx := h.ctx
	if o.detached {
		parentCtx = context.WithoutCancel(h.ctx)
	}
	ctx, cancel := context.WithCancel(parentCtx)

	child := &Handle{
		name:   path,
		ctx:    ctx,
		cancel: cancel,
		tree:   h.tree,
		logger: h.tree.logger.With("subsystem", path),
	}
	n := &Nested{
		handle:   child,
		detached: o.detached,
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.children = append(h.children, n)
	h.running.Add(1)
	h.mu.Unlock()

	go h.run(n, fn)
	return n
}

// run executes a child to completion and reports it stopped once its
// children have stopped too.
func (h *Handle) run(n *Nested, fn Func) {
	defer h.running.Done()
	defer close(n.done)

	child := n.handle
	child.logger.Debug("subsystem started", "detached", n.detached)

	err := call(child, fn)
	child.stopChildren()

	n.stoppedAt = time.Now()
	child.cancel()

	if err != nil {
		err = &SubsystemError{Name: child.name, Err: err}
		n.err = err
		if n.detached {
			child.logger.Error("detached subsystem failed", "error", err)
		} else {
			child.logger.Error("subsystem failed", "error", err)
			h.tree.fail(err)
		}
	}
	h.tree.stopped(child.name, n.stoppedAt)
	child.logger.Debug("subsystem stopped")
}

// call invokes fn, converting a panic into an error.
func call(h *Handle, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(h)
}

// stopChildren initiates shutdown of every child that is still running and
// waits for all of them.
func (h *Handle) stopChildren() {
	h.mu.Lock()
	children := make([]*Nested, len(h.children))
	copy(children, h.children)
	h.mu.Unlock()

	for _, c := range children {
		select {
		case <-c.done:
		default:
			h.logger.Warn("stopping child left running", "child", c.handle.name)
			c.InitiateShutdown()
		}
	}
	h.running.Wait()
}

// Nested refers to a started child subsystem.
type Nested struct {
	handle    *Handle
	detached  bool
	done      chan struct{}
	err       error
	stoppedAt time.Time
}

// Name returns the child's path in the tree.
func (n *Nested) Name() string { return n.handle.name }

// InitiateShutdown requests shutdown of the child and its non-detached
// descendants. It does not wait.
func (n *Nested) InitiateShutdown() { n.handle.cancel() }

// Done is closed once the child and all of its children have stopped.
func (n *Nested) Done() <-chan struct{} { return n.done }

// Err returns the child's failure. Only meaningful after Done is closed.
func (n *Nested) Err() error {
	select {
	case <-n.done:
		return n.err
	default:
		return nil
	}
}

// StoppedAt returns when the child stopped, or the zero time if it is running.
func (n *Nested) StoppedAt() time.Time {
	select {
	case <-n.done:
		return n.stoppedAt
	default:
		return time.Time{}
	}
}

// Join waits for the child to stop and returns its failure, or the context
// error if ctx ends first.
func (n *Nested) Join(ctx context.Context) error {
	select {
	case <-n.done:
		return n.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
