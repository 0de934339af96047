// ABOUTME: Tests for the supervision tree lifecycle
// ABOUTME: Covers stop ordering, failure propagation, detached children and timeouts

package supervise

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stopRecorder struct {
	mu    sync.Mutex
	order []string
	at    map[string]time.Time
}

func newStopRecorder() *stopRecorder {
	return &stopRecorder{at: make(map[string]time.Time)}
}

func (r *stopRecorder) hook(path string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, path)
	r.at[path] = at
}

func (r *stopRecorder) stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func waitForShutdown(h *Handle) error {
	<-h.ShutdownRequested()
	return nil
}

func TestToplevel_ChildrenStopBeforeParents(t *testing.T) {
	rec := newStopRecorder()
	tl := NewToplevel(t.Context(), quietLogger(), WithStopHook(rec.hook))

	started := make(chan struct{})
	tl.Start("parent", func(h *Handle) error {
		child := h.Start("child", func(h *Handle) error {
			h.Start("grandchild", func(h *Handle) error {
				<-h.ShutdownRequested()
				time.Sleep(10 * time.Millisecond)
				return nil
			})
			close(started)
			return waitForShutdown(h)
		}, Detached())

		<-h.ShutdownRequested()
		child.InitiateShutdown()
		return child.Join(context.Background())
	})

	<-started
	tl.Shutdown()
	require.NoError(t, tl.Wait(time.Second))

	assert.Equal(t, []string{"parent/child/grandchild", "parent/child", "parent"}, rec.stopped())
	assert.False(t, rec.at["parent/child/grandchild"].After(rec.at["parent/child"]))
	assert.False(t, rec.at["parent/child"].After(rec.at["parent"]))
}

func TestToplevel_FailureRequestsShutdown(t *testing.T) {
	tl := NewToplevel(t.Context(), quietLogger())
	boom := errors.New("boom")

	sibling := tl.Start("sibling", waitForShutdown)
	tl.Start("failing", func(h *Handle) error { return boom })

	err := tl.Wait(time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var subErr *SubsystemError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "failing", subErr.Name)

	assert.NotZero(t, sibling.StoppedAt())
	assert.NoError(t, sibling.Err())
}

func TestHandle_DetachedFailureDoesNotCascade(t *testing.T) {
	tl := NewToplevel(t.Context(), quietLogger())
	boom := errors.New("listener failed")

	joined := make(chan error, 1)
	parent := tl.Start("parent", func(h *Handle) error {
		child := h.Start("child", func(h *Handle) error { return boom }, Detached())
		joined <- child.Join(h.Context())
		return waitForShutdown(h)
	})

	select {
	case err := <-joined:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("detached child was not joined")
	}

	// The tree must still be running.
	select {
	case <-parent.Done():
		t.Fatal("parent stopped because of a detached failure")
	case <-time.After(50 * time.Millisecond):
	}

	tl.Shutdown()
	assert.NoError(t, tl.Wait(time.Second))
}

func TestHandle_ReturningParentStopsLeftoverChildren(t *testing.T) {
	rec := newStopRecorder()
	tl := NewToplevel(t.Context(), quietLogger(), WithStopHook(rec.hook))

	tl.Start("parent", func(h *Handle) error {
		h.Start("detached", waitForShutdown, Detached())
		h.Start("linked", waitForShutdown)
		return nil
	})

	require.NoError(t, tl.Wait(time.Second))
	stopped := rec.stopped()
	require.Len(t, stopped, 3)
	assert.Equal(t, "parent", stopped[2])
}

func TestToplevel_ShutdownTimeout(t *testing.T) {
	tl := NewToplevel(t.Context(), quietLogger())
	release := make(chan struct{})
	defer close(release)

	tl.Start("stubborn", func(h *Handle) error {
		<-release
		return nil
	})

	tl.Shutdown()
	err := tl.Wait(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
}

func TestToplevel_ContextCancellationRequestsShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	tl := NewToplevel(ctx, quietLogger())
	n := tl.Start("worker", waitForShutdown)

	cancel()
	require.NoError(t, tl.Wait(time.Second))
	assert.NotZero(t, n.StoppedAt())
}

func TestToplevel_TopLevelDetachedIsStopped(t *testing.T) {
	tl := NewToplevel(t.Context(), quietLogger())
	n := tl.Start("detached", waitForShutdown, Detached())

	tl.Shutdown()
	require.NoError(t, tl.Wait(time.Second))
	assert.NotZero(t, n.StoppedAt())
}

func TestHandle_PanicBecomesError(t *testing.T) {
	tl := NewToplevel(t.Context(), quietLogger())
	tl.Start("panicky", func(h *Handle) error { panic("oops") })

	err := tl.Wait(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: oops")
}

func TestToplevel_NaturalCompletion(t *testing.T) {
	tl := NewToplevel(t.Context(), quietLogger())
	tl.Start("oneshot", func(h *Handle) error { return nil })

	assert.NoError(t, tl.Wait(time.Second))
}

func TestNested_JoinHonorsContext(t *testing.T) {
	tl := NewToplevel(t.Context(), quietLogger())
	n := tl.Start("worker", waitForShutdown)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Join(ctx), context.DeadlineExceeded)
	assert.True(t, n.StoppedAt().IsZero())

	tl.Shutdown()
	require.NoError(t, tl.Wait(time.Second))
}

func TestHandle_Names(t *testing.T) {
	tl := NewToplevel(t.Context(), quietLogger())
	names := make(chan string, 2)
	tl.Start("agents", func(h *Handle) error {
		names <- h.Name()
		h.Start("alice", func(h *Handle) error {
			names <- h.Name()
			return nil
		})
		return nil
	})

	require.NoError(t, tl.Wait(time.Second))
	assert.Equal(t, "agents", <-names)
	assert.Equal(t, "agents/alice", <-names)
}

func TestHandle_IsShutdownRequested(t *testing.T) {
	tl := NewToplevel(t.Context(), quietLogger())

	before := make(chan bool, 1)
	after := make(chan bool, 1)
	tl.Start("worker", func(h *Handle) error {
		before <- h.IsShutdownRequested()
		<-h.ShutdownRequested()
		after <- h.IsShutdownRequested()
		return nil
	})

	assert.False(t, <-before)
	tl.Shutdown()
	assert.True(t, <-after)
	require.NoError(t, tl.Wait(time.Second))
}
