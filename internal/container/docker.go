// ABOUTME: Local store process manager over the docker CLI
// ABOUTME: Pull, run, health-poll and stop a single store container

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrHealthTimeout is returned when the store never answered the probe.
var ErrHealthTimeout = errors.New("container health check timed out")

// Defaults for WaitHealthy.
const (
	DefaultHealthAttempts = 25
	DefaultHealthInterval = time.Second
	DefaultHealthTimeout  = 30 * time.Second
)

// Spec describes the container to start.
type Spec struct {
	Image         string
	Name          string
	HostPort      int
	ContainerPort int
	Platform      string
	Env           map[string]string
}

// Handle identifies a started container.
type Handle struct {
	ID   string
	Name string
}

// Runner executes one docker CLI invocation and returns trimmed stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs the docker binary found on PATH.
type ExecRunner struct {
	Binary string
}

// Run executes the binary with args.
func (r ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	binary := r.Binary
	if binary == "" {
		binary = "docker"
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s %s: %w: %s", binary, args[0], err, msg)
		}
		return "", fmt.Errorf("%s %s: %w", binary, args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Probe reports whether the containerized store accepts connections.
type Probe func(ctx context.Context) error

// Docker manages a store container.
type Docker struct {
	runner   Runner
	probe    Probe
	attempts int
	interval time.Duration
	logger   *slog.Logger
}

// Option configures Docker.
type Option func(*Docker)

// WithRunner replaces the docker CLI runner.
func WithRunner(r Runner) Option {
	return func(d *Docker) { d.runner = r }
}

// WithProbe sets the health probe used by WaitHealthy.
func WithProbe(p Probe) Option {
	return func(d *Docker) { d.probe = p }
}

// WithHealthPolicy sets how many probes WaitHealthy makes and how far apart.
func WithHealthPolicy(attempts int, interval time.Duration) Option {
	return func(d *Docker) {
		if attempts > 0 {
			d.attempts = attempts
		}
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Docker) { d.logger = l }
}

// NewDocker creates a manager using the docker binary on PATH.
func NewDocker(opts ...Option) *Docker {
	d := &Docker{
		runner:   ExecRunner{},
		attempts: DefaultHealthAttempts,
		interval: DefaultHealthInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "container")
	return d
}

// PullImage fetches image.
func (d *Docker) PullImage(ctx context.Context, image string) error {
	d.logger.Info("pulling image", "image", image)
	if _, err := d.runner.Run(ctx, "pull", image); err != nil {
		return fmt.Errorf("pulling %s: %w", image, err)
	}
	return nil
}

// CreateAndStart removes any stale container with the same name, then
// starts a detached, auto-removed container.
func (d *Docker) CreateAndStart(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Image == "" || spec.Name == "" {
		return nil, errors.New("container spec needs image and name")
	}

	// A previous run may have left the container behind.
	if _, err := d.runner.Run(ctx, "rm", "-f", spec.Name); err == nil {
		d.logger.Debug("removed stale container", "name", spec.Name)
	}

	id, err := d.runner.Run(ctx, runArgs(spec)...)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Name, err)
	}

	d.logger.Info("container started", "name", spec.Name, "image", spec.Image, "id", shortID(id), "port", spec.HostPort)
	return &Handle{ID: id, Name: spec.Name}, nil
}

func runArgs(spec Spec) []string {
	args := []string{"run", "-d", "--rm", "--name", spec.Name}
	if spec.HostPort > 0 {
		containerPort := spec.ContainerPort
		if containerPort == 0 {
			containerPort = spec.HostPort
		}
		args = append(args, "-p", strconv.Itoa(spec.HostPort)+":"+strconv.Itoa(containerPort))
	}
	if spec.Platform != "" {
		args = append(args, "--platform", spec.Platform)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	return append(args, spec.Image)
}

// WaitHealthy probes until the store answers, the attempt budget is spent
// or timeout elapses. It returns ErrHealthTimeout in the latter two cases
// and ctx.Err() if ctx ends first.
func (d *Docker) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	if d.probe == nil {
		return errors.New("no health probe configured")
	}
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, d.interval)
		lastErr = d.probe(probeCtx)
		cancel()
		if lastErr == nil {
			d.logger.Info("container healthy", "attempts", attempt)
			return nil
		}
		d.logger.Debug("container not ready", "attempt", attempt, "error", lastErr)

		if attempt == d.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s: %w", ErrHealthTimeout, timeout, lastErr)
		case <-time.After(d.interval):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrHealthTimeout, d.attempts, lastErr)
}

// Stop stops the container. Docker removes it because it was started --rm.
func (d *Docker) Stop(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if _, err := d.runner.Run(ctx, "stop", h.Name); err != nil {
		return fmt.Errorf("stopping %s: %w", h.Name, err)
	}
	d.logger.Info("container stopped", "name", h.Name)
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
