// ABOUTME: Tests for the docker-backed local store manager
// ABOUTME: Uses a recording runner and scripted probes instead of a daemon

package container

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
	fail  map[string]error
	out   map[string]string
}

func (r *recordingRunner) Run(ctx context.Context, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	if err := r.fail[args[0]]; err != nil {
		return "", err
	}
	return r.out[args[0]], nil
}

func (r *recordingRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

func TestDocker_PullCreateStop(t *testing.T) {
	runner := &recordingRunner{out: map[string]string{"run": "0123456789abcdef0123"}}
	d := NewDocker(WithRunner(runner))
	ctx := context.Background()

	require.NoError(t, d.PullImage(ctx, "redis:7-alpine"))
	h, err := d.CreateAndStart(ctx, Spec{
		Image:    "redis:7-alpine",
		Name:     "relay-store",
		HostPort: 6379,
		Platform: "linux/amd64",
		Env:      map[string]string{"B": "2", "A": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123", h.ID)
	require.NoError(t, d.Stop(ctx, h))

	assert.Equal(t, []string{
		"pull redis:7-alpine",
		"rm -f relay-store",
		"run -d --rm --name relay-store -p 6379:6379 --platform linux/amd64 -e A=1 -e B=2 redis:7-alpine",
		"stop relay-store",
	}, runner.commands())
}

func TestDocker_CreateAndStart_IgnoresMissingStale(t *testing.T) {
	runner := &recordingRunner{
		fail: map[string]error{"rm": errors.New("no such container")},
		out:  map[string]string{"run": "abc"},
	}
	d := NewDocker(WithRunner(runner))

	h, err := d.CreateAndStart(context.Background(), Spec{Image: "postgres:16", Name: "pg", HostPort: 15432, ContainerPort: 5432})
	require.NoError(t, err)
	assert.Equal(t, "pg", h.Name)
	assert.Contains(t, runner.commands()[1], "-p 15432:5432")
}

func TestDocker_CreateAndStart_Errors(t *testing.T) {
	runner := &recordingRunner{fail: map[string]error{"run": errors.New("port in use")}}
	d := NewDocker(WithRunner(runner))

	_, err := d.CreateAndStart(context.Background(), Spec{Image: "redis", Name: "r"})
	assert.ErrorContains(t, err, "port in use")

	_, err = d.CreateAndStart(context.Background(), Spec{Name: "r"})
	assert.Error(t, err)
}

func TestDocker_Stop_NilHandle(t *testing.T) {
	runner := &recordingRunner{}
	d := NewDocker(WithRunner(runner))

	require.NoError(t, d.Stop(context.Background(), nil))
	assert.Empty(t, runner.commands())
}

func TestDocker_WaitHealthy_SucceedsAfterRetries(t *testing.T) {
	var calls int
	probe := func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	d := NewDocker(WithRunner(&recordingRunner{}), WithProbe(probe), WithHealthPolicy(5, time.Millisecond))

	require.NoError(t, d.WaitHealthy(context.Background(), time.Second))
	assert.Equal(t, 3, calls)
}

func TestDocker_WaitHealthy_AttemptsExhausted(t *testing.T) {
	var calls int
	probe := func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	}
	d := NewDocker(WithRunner(&recordingRunner{}), WithProbe(probe), WithHealthPolicy(4, time.Millisecond))

	err := d.WaitHealthy(context.Background(), time.Minute)
	assert.ErrorIs(t, err, ErrHealthTimeout)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 4, calls)
}

func TestDocker_WaitHealthy_Deadline(t *testing.T) {
	probe := func(ctx context.Context) error { return errors.New("down") }
	d := NewDocker(WithRunner(&recordingRunner{}), WithProbe(probe), WithHealthPolicy(1000, 10*time.Millisecond))

	start := time.Now()
	err := d.WaitHealthy(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrHealthTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDocker_WaitHealthy_ContextCancelled(t *testing.T) {
	probe := func(ctx context.Context) error { return errors.New("down") }
	d := NewDocker(WithRunner(&recordingRunner{}), WithProbe(probe), WithHealthPolicy(1000, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	err := d.WaitHealthy(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDocker_WaitHealthy_NoProbe(t *testing.T) {
	d := NewDocker(WithRunner(&recordingRunner{}))
	assert.Error(t, d.WaitHealthy(context.Background(), time.Second))
}
