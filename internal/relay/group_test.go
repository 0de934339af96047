// ABOUTME: Tests for the agent and group supervisors
// ABOUTME: Covers readiness gating, idempotent creation and sibling isolation

package relay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/supervise"
)

// listeners captures listeners handed out through OnListener.
type listeners struct {
	mu  sync.Mutex
	all map[string]*Listener
}

func (l *listeners) capture(ln *Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.all == nil {
		l.all = make(map[string]*Listener)
	}
	l.all[ln.agent] = ln
}

func (l *listeners) state(agent string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.all[agent]
	if !ok {
		return StateStarting
	}
	return ln.State()
}

// logBuffer is a concurrency-safe log sink.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAgentSupervisor_UpsertsAndRegisters(t *testing.T) {
	st := store.NewMockStore()
	reg := NewRegistry()
	var ls listeners

	tl := supervise.NewToplevel(context.Background(), nil)
	sup := &AgentSupervisor{Name: "alice", Store: st, Registry: reg, OnListener: ls.capture}
	tl.Start("alice", sup.Run)

	require.Eventually(t, func() bool { return ls.state("alice") == StateActive }, 2*time.Second, 5*time.Millisecond)
	_, ok := reg.Get("alice")
	assert.True(t, ok)
	assert.True(t, st.HasMailbox("alice"))

	tl.Shutdown()
	require.NoError(t, tl.Wait(2*time.Second))
	assert.Equal(t, StateStopped, ls.state("alice"))
	assert.False(t, st.HasMailbox("alice"))
}

func TestAgentSupervisor_ExistingRecordIsKept(t *testing.T) {
	st := store.NewMockStore()
	existing, err := st.UpsertAgent(context.Background(), "alice")
	require.NoError(t, err)

	reg := NewRegistry()
	tl := supervise.NewToplevel(context.Background(), nil)
	sup := &AgentSupervisor{Name: "alice", Store: st, Registry: reg}
	tl.Start("alice", sup.Run)

	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	got, _ := reg.Get("alice")
	assert.True(t, existing.CreatedAt.Equal(got.CreatedAt))

	agents, err := st.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	tl.Shutdown()
	require.NoError(t, tl.Wait(2*time.Second))
}

func TestAgentSupervisor_ListenerFailureFailsAgent(t *testing.T) {
	st := newScriptedStore()
	st.failAgents["alice"] = errors.New("no feed")
	reg := NewRegistry()

	tl := supervise.NewToplevel(context.Background(), nil)
	sup := &AgentSupervisor{Name: "alice", Store: st, Registry: reg}
	tl.Start("alice", sup.Run)

	err := tl.Wait(2 * time.Second)
	var subErr *SubscribeError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, 1, reg.Len(), "agent is registered before its listener starts")
}

func TestAgentSupervisor_GracePeriod(t *testing.T) {
	st := store.NewMockStore()
	var ls listeners

	tl := supervise.NewToplevel(context.Background(), nil)
	sup := &AgentSupervisor{Name: "alice", Store: st, Registry: NewRegistry(), Grace: 50 * time.Millisecond, OnListener: ls.capture}
	tl.Start("alice", sup.Run)
	require.Eventually(t, func() bool { return ls.state("alice") == StateActive }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	tl.Shutdown()
	require.NoError(t, tl.Wait(2*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGroupSupervisor_ReadinessTimeout(t *testing.T) {
	st := store.NewMockStore()
	src := newStaticSource(st)
	reg := NewRegistry()

	tl := supervise.NewToplevel(context.Background(), nil)
	group := &GroupSupervisor{
		Names:            []string{"alice", "bob"},
		Source:           src,
		Registry:         reg,
		ReadinessTimeout: 50 * time.Millisecond,
	}
	tl.Start("agents", group.Run)

	err := tl.Wait(time.Second)
	require.ErrorIs(t, err, ErrReadinessTimeout)
	assert.Empty(t, st.CallsTo("UpsertAgent"))
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, src.Leases())
}

func TestGroupSupervisor_ShutdownBeforeReady(t *testing.T) {
	st := store.NewMockStore()
	src := newStaticSource(st)

	tl := supervise.NewToplevel(context.Background(), nil)
	group := &GroupSupervisor{Names: []string{"alice"}, Source: src, Registry: NewRegistry(), ReadinessTimeout: time.Minute}
	tl.Start("agents", group.Run)

	time.Sleep(20 * time.Millisecond)
	tl.Shutdown()
	require.NoError(t, tl.Wait(time.Second))
	assert.Empty(t, st.Calls())
}

func TestGroupSupervisor_GatesOnReadiness(t *testing.T) {
	st := store.NewMockStore()
	src := newStaticSource(st)
	reg := NewRegistry()
	var ls listeners

	tl := supervise.NewToplevel(context.Background(), nil)
	group := &GroupSupervisor{
		Names:            []string{"alice", "bob"},
		Source:           src,
		Registry:         reg,
		ReadinessTimeout: 5 * time.Second,
		OnListener:       ls.capture,
	}
	tl.Start("agents", group.Run)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, st.Calls(), "no store access before readiness")

	src.ready.MarkReady()
	require.Eventually(t, func() bool {
		return ls.state("alice") == StateActive && ls.state("bob") == StateActive
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 1, src.Leases())

	tl.Shutdown()
	require.NoError(t, tl.Wait(2*time.Second))
	assert.Equal(t, 0, src.Leases())
	assert.Equal(t, StateStopped, ls.state("alice"))
	assert.Equal(t, StateStopped, ls.state("bob"))
}

func TestGroupSupervisor_SiblingSurvivesFailure(t *testing.T) {
	st := newScriptedStore()
	st.failAgents["alice"] = errors.New("no feed")
	src := newStaticSource(st)
	src.ready.MarkReady()
	var ls listeners
	var logs logBuffer

	tl := supervise.NewToplevel(context.Background(), slog.New(slog.NewTextHandler(&logs, nil)))
	group := &GroupSupervisor{
		Names:            []string{"alice", "bob"},
		Source:           src,
		Registry:         NewRegistry(),
		ReadinessTimeout: time.Second,
		OnListener:       ls.capture,
	}
	tl.Start("agents", group.Run)

	require.Eventually(t, func() bool {
		return ls.state("alice") == StateStopped && ls.state("bob") == StateActive
	}, 2*time.Second, 5*time.Millisecond)

	st.feed(t, "bob") <- created("bob", "m1", "still here")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateActive, ls.state("bob"))

	tl.Shutdown()
	require.NoError(t, tl.Wait(2*time.Second))
	assert.Equal(t, StateStopped, ls.state("bob"))
	assert.Contains(t, logs.String(), "agent stopped with error")
	assert.Contains(t, logs.String(), "no feed")
}
