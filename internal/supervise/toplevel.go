// ABOUTME: Root of the supervision tree owning process-wide cancellation
// ABOUTME: Bounds graceful shutdown and reports forced shutdowns distinctly

package supervise

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned by Toplevel.Wait when subsystems did not
// stop within the shutdown budget.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// Option configures a Toplevel.
type Option func(*tree)

// WithStopHook registers fn to be called with each subsystem's path and stop
// time, children always before their parent.
func WithStopHook(fn func(path string, at time.Time)) Option {
	return func(t *tree) { t.stopHook = fn }
}

type tree struct {
	logger   *slog.Logger
	cancel   context.CancelFunc
	stopHook func(path string, at time.Time)

	mu   sync.Mutex
	errs []error
}

func (t *tree) shutdown() { t.cancel() }

func (t *tree) fail(err error) {
	t.mu.Lock()
	t.errs = append(t.errs, err)
	t.mu.Unlock()
	t.cancel()
}

func (t *tree) stopped(path string, at time.Time) {
	if t.stopHook != nil {
		t.stopHook(path, at)
	}
}

func (t *tree) failures() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]error, len(t.errs))
	copy(out, t.errs)
	return out
}

// Toplevel owns the root of a subsystem tree.
type Toplevel struct {
	root *Handle
	tree *tree
}

// NewToplevel creates a tree whose shutdown is requested when ctx is done,
// when Shutdown is called, or when a non-detached subsystem fails.
func NewToplevel(ctx context.Context, logger *slog.Logger, opts ...Option) *Toplevel {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &tree{
		logger: logger.With("component", "supervise"),
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return &Toplevel{
		root: &Handle{
			ctx:    ctx,
			cancel: cancel,
			tree:   t,
			logger: t.logger,
		},
		tree: t,
	}
}

// Start launches a top-level subsystem.
func (tl *Toplevel) Start(name string, fn Func, opts ...StartOption) *Nested {
	return tl.root.Start(name, fn, opts...)
}

// Shutdown requests shutdown of the whole tree. It does not wait.
func (tl *Toplevel) Shutdown() { tl.tree.shutdown() }

// Wait blocks until shutdown is requested or every subsystem has returned,
// then waits at most timeout for the tree to stop. It returns the failures
// of non-detached subsystems, joined with ErrShutdownTimeout if the budget
// elapsed.
func (tl *Toplevel) Wait(timeout time.Duration) error {
	allDone := make(chan struct{})
	go func() {
		tl.root.running.Wait()
		close(allDone)
	}()

	select {
	case <-tl.root.ctx.Done():
		tl.tree.logger.Info("shutdown requested", "timeout", timeout)
	case <-allDone:
		tl.tree.cancel()
		return errors.Join(tl.tree.failures()...)
	}

	// Top-level detached subsystems do not inherit the root cancellation.
	tl.root.mu.Lock()
	for _, c := range tl.root.children {
		c.InitiateShutdown()
	}
	tl.root.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-allDone:
		tl.tree.logger.Info("all subsystems stopped")
		return errors.Join(tl.tree.failures()...)
	case <-timer.C:
		tl.tree.logger.Error("shutdown timed out, forcing exit", "timeout", timeout)
		return errors.Join(append([]error{ErrShutdownTimeout}, tl.tree.failures()...)...)
	}
}
