// ABOUTME: Store Connection Manager with memoized connect, readiness and leases
// ABOUTME: Runs as a supervised subsystem that closes the store only after dependents release it

package storeconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-relay/internal/container"
	"github.com/2389/coven-relay/internal/readiness"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/supervise"
)

// ErrNotConnected is returned by Store before a connection exists.
var ErrNotConnected = errors.New("store not connected")

const (
	// stopTimeout bounds closing the store and stopping the container.
	stopTimeout = 10 * time.Second
	// DefaultDialTimeout bounds one dial plus its ping.
	DefaultDialTimeout = 30 * time.Second
)

// ConnectError reports a failed connect or authenticate step.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to store %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Dialer opens the store.
type Dialer func(ctx context.Context) (store.Store, error)

// Launcher runs a store process locally. *container.Docker implements it.
type Launcher interface {
	PullImage(ctx context.Context, image string) error
	CreateAndStart(ctx context.Context, spec container.Spec) (*container.Handle, error)
	WaitHealthy(ctx context.Context, timeout time.Duration) error
	Stop(ctx context.Context, h *container.Handle) error
}

// LocalStore configures the container started before connecting.
type LocalStore struct {
	Launcher      Launcher
	Spec          container.Spec
	HealthTimeout time.Duration
	SkipPull      bool
}

// Manager owns the shared store connection.
type Manager struct {
	dial     Dialer
	endpoint string
	local    *LocalStore
	drain    time.Duration
	logger   *slog.Logger

	dialTimeout time.Duration

	// life bounds in-flight dials; it ends when Run returns.
	life context.Context
	stop context.CancelFunc

	ready  *readiness.Signal
	leases *readiness.Cell[int]
	group  singleflight.Group

	mu sync.Mutex
	st store.Store
}

// Option configures a Manager.
type Option func(*Manager)

// WithEndpoint names the store in logs and errors.
func WithEndpoint(endpoint string) Option {
	return func(m *Manager) { m.endpoint = endpoint }
}

// WithLocalStore starts a container before connecting.
func WithLocalStore(l *LocalStore) Option {
	return func(m *Manager) { m.local = l }
}

// WithDrain bounds how long Run waits for leases after shutdown is requested.
func WithDrain(d time.Duration) Option {
	return func(m *Manager) { m.drain = d }
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager that opens the store with dial.
func New(dial Dialer, opts ...Option) *Manager {
	m := &Manager{
		dial:     dial,
		endpoint: "store",
		drain:    2 * time.Second,
		logger:   slog.Default(),
		ready:    readiness.NewSignal(),
		leases:   readiness.NewCell(0),

		dialTimeout: DefaultDialTimeout,
	}
	m.life, m.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "storeconn")
	return m
}

// Connect returns the shared store, opening it on first use. Concurrent
// callers before the first success share one dial; a failed dial is not
// memoized. The dial is not tied to any one caller's context: each caller
// stops waiting when its own ctx ends, while the dial itself is bounded by
// the dial timeout and by the manager's lifetime.
func (m *Manager) Connect(ctx context.Context) (store.Store, error) {
	if st, err := m.Store(); err == nil {
		return st, nil
	}

	ch := m.group.DoChan("connect", func() (any, error) {
		if st, err := m.Store(); err == nil {
			return st, nil
		}

		dialCtx, cancel := context.WithTimeout(m.life, m.dialTimeout)
		defer cancel()

		m.logger.Info("connecting to store", "endpoint", m.endpoint)
		st, err := m.dial(dialCtx)
		if err != nil {
			return nil, &ConnectError{Endpoint: m.endpoint, Err: err}
		}
		if err := st.Ping(dialCtx); err != nil {
			st.Close()
			return nil, &ConnectError{Endpoint: m.endpoint, Err: err}
		}

		m.mu.Lock()
		if m.life.Err() != nil {
			m.mu.Unlock()
			st.Close()
			return nil, &ConnectError{Endpoint: m.endpoint, Err: store.ErrClosed}
		}
		m.st = st
		m.mu.Unlock()
		m.logger.Info("store connected", "endpoint", m.endpoint)
		return st, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(store.Store), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Store returns the connection, or ErrNotConnected.
func (m *Manager) Store() (store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, ErrNotConnected
	}
	return m.st, nil
}

// MarkReady latches the readiness signal.
func (m *Manager) MarkReady() {
	if !m.ready.IsReady() {
		m.logger.Info("store ready")
	}
	m.ready.MarkReady()
}

// Ready returns the readiness signal for waiters.
func (m *Manager) Ready() *readiness.Signal { return m.ready }

// Acquire leases the connection. The store stays open until release is
// called. Acquire fails with ErrNotConnected before Connect succeeds.
func (m *Manager) Acquire() (store.Store, func(), error) {
	st, err := m.Store()
	if err != nil {
		return nil, nil, err
	}
	m.leases.Update(func(n int) int { return n + 1 })

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.leases.Update(func(n int) int { return n - 1 })
		})
	}
	return st, release, nil
}

// Leases returns the number of outstanding leases.
func (m *Manager) Leases() int { return m.leases.Get() }

// Run is the store subsystem. It returns a ConnectError if the store is
// unreachable, which fails the tree.
func (m *Manager) Run(h *supervise.Handle) error {
	ctx := h.Context()
	logger := h.Logger()
	defer m.stop()

	handle, err := m.startLocal(ctx, logger)
	if err != nil {
		if h.IsShutdownRequested() {
			return nil
		}
		return err
	}
	if handle != nil {
		defer m.stopLocal(handle, logger)
	}

	if _, err := m.Connect(ctx); err != nil {
		if h.IsShutdownRequested() {
			logger.Info("shutdown requested before store connected")
			return m.close()
		}
		return err
	}
	m.MarkReady()

	<-h.ShutdownRequested()
	logger.Info("store shutting down", "leases", m.Leases())

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.drain)
	defer cancel()
	if _, err := m.leases.Wait(drainCtx, func(n int) bool { return n == 0 }); err != nil {
		logger.Warn("closing store with leases outstanding", "leases", m.Leases(), "drain", m.drain)
	}

	return m.close()
}

func (m *Manager) close() error {
	m.mu.Lock()
	m.stop()
	st := m.st
	m.st = nil
	m.mu.Unlock()

	if st == nil {
		return nil
	}
	if err := st.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	m.logger.Info("store closed")
	return nil
}

func (m *Manager) startLocal(ctx context.Context, logger *slog.Logger) (*container.Handle, error) {
	if m.local == nil {
		return nil, nil
	}
	l := m.local

	if !l.SkipPull {
		if err := l.Launcher.PullImage(ctx, l.Spec.Image); err != nil {
			return nil, &ConnectError{Endpoint: m.endpoint, Err: err}
		}
	}
	handle, err := l.Launcher.CreateAndStart(ctx, l.Spec)
	if err != nil {
		return nil, &ConnectError{Endpoint: m.endpoint, Err: err}
	}
	if err := l.Launcher.WaitHealthy(ctx, l.HealthTimeout); err != nil {
		m.stopLocal(handle, logger)
		return nil, &ConnectError{Endpoint: m.endpoint, Err: err}
	}
	logger.Info("local store healthy", "container", handle.Name)
	return handle, nil
}

func (m *Manager) stopLocal(handle *container.Handle, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := m.local.Launcher.Stop(ctx, handle); err != nil {
		logger.Error("stopping local store", "container", handle.Name, "error", err)
	}
}
