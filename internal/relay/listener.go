// ABOUTME: Per-agent feed listener: Starting -> Active -> Draining -> Stopped
// ABOUTME: Consumes one live feed in order, skips deletes and duplicates, tears down on cancellation

package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/supervise"
)

// State is a listener lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateActive
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const defaultTeardownTimeout = 2 * time.Second

// Handler observes a dispatched message after it has been logged. Its
// context is not cancelled by shutdown.
type Handler func(ctx context.Context, agent string, msg store.Message) error

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	// History archives every dispatched message.
	History bool
	// DedupeTTL is how long event keys are remembered. Zero uses the
	// dedupe package default.
	DedupeTTL time.Duration
	// Handler, when set, runs after the built-in observation.
	Handler Handler
	// TeardownTimeout bounds the mailbox delete during Draining.
	TeardownTimeout time.Duration
}

// Listener consumes the live feed for one agent.
type Listener struct {
	agent  string
	st     store.Store
	opts   ListenerOptions
	window *dedupe.Window
	state  atomic.Int32
	logger *slog.Logger
}

// NewListener creates a listener for agent.
func NewListener(agent string, st store.Store, opts ListenerOptions) *Listener {
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = defaultTeardownTimeout
	}
	return &Listener{
		agent:  agent,
		st:     st,
		opts:   opts,
		window: dedupe.NewWindow(opts.DedupeTTL, 0),
		logger: slog.Default(),
	}
}

// State returns the current lifecycle state.
func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	l.logger.Debug("listener state", "state", s.String())
}

// Run is the listener subsystem. A subscribe failure is returned as a
// SubscribeError; every other problem is logged.
func (l *Listener) Run(h *supervise.Handle) error {
	ctx := h.Context()
	l.logger = h.Logger().With("agent", l.agent)
	defer l.window.Close()

	l.setState(StateStarting)
	feed, err := l.st.Subscribe(ctx, l.agent)
	if err != nil {
		l.setState(StateStopped)
		return &SubscribeError{Agent: l.agent, Err: err}
	}
	if err := l.st.OpenMailbox(ctx, l.agent); err != nil {
		feed.Close()
		l.setState(StateStopped)
		return &SubscribeError{Agent: l.agent, Err: err}
	}

	l.setState(StateActive)
	l.logger.Info("listening for messages",
		"dedupe_ttl", l.window.TTL(),
		"dedupe_capacity", l.window.Capacity())
	l.consume(ctx, feed)
	l.logger.Debug("dedupe window at stop", "keys", l.window.Len())

	l.setState(StateDraining)
	l.teardown(ctx, feed)
	l.setState(StateStopped)
	l.logger.Info("listener stopped")
	return nil
}

// consume processes events one at a time until ctx is cancelled.
func (l *Listener) consume(ctx context.Context, feed *store.Feed) {
	notifications := feed.Notifications()
	for {
		// Cancellation wins over a ready event.
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				if ctx.Err() == nil {
					metrics.FeedErrors.Inc()
					l.logger.Error("feed ended unexpectedly", "error", store.ErrSubscriptionClosed)
					<-ctx.Done()
				}
				return
			}
			l.handle(ctx, n)
		}
	}
}

func (l *Listener) handle(ctx context.Context, n store.Notification) {
	if n.Err != nil {
		metrics.FeedErrors.Inc()
		l.logger.Error("transient feed error", "error", n.Err)
		return
	}

	ev := n.Event
	metrics.FeedEvents.WithLabelValues(string(ev.Action), string(ev.Kind)).Inc()

	if ev.Action == store.ActionDeleted {
		l.logger.Debug("skipping deleted event", "kind", ev.Kind)
		return
	}
	if ev.Kind != store.RecordMessage {
		l.logger.Debug("mailbox event", "action", ev.Action)
		return
	}
	if l.window.Observe(ev.Key()) {
		l.logger.Debug("skipping redelivered event", "key", ev.Key())
		return
	}

	// A dispatch that has begun runs to completion even if shutdown
	// arrives meanwhile.
	l.dispatch(context.WithoutCancel(ctx), ev)
}

func (l *Listener) dispatch(ctx context.Context, ev store.ChangeEvent) {
	msg := ev.Message
	log := l.logger.With("from", msg.From, "message_id", msg.ID, "action", ev.Action)

	switch p := msg.Payload.(type) {
	case store.TextPayload:
		log.Info("received text", "content", p.Content)
	case store.ImagePayload:
		if p.Caption != nil {
			log.Info("received image", "url", p.URL, "caption", *p.Caption)
		} else {
			log.Info("received image", "url", p.URL)
		}
	case store.VideoPayload:
		log.Info("received video", "url", p.URL, "duration_seconds", p.DurationSeconds)
	default:
		log.Warn("received unsupported payload", "type", msg.Payload)
		return
	}

	if l.opts.History {
		h := &store.MessageHistory{
			ID:        ulid.Make().String(),
			Message:   msg,
			CreatedAt: time.Now().UTC(),
		}
		if err := l.st.SaveHistory(ctx, h); err != nil {
			log.Error("archiving message", "error", err)
		}
	}

	if l.opts.Handler != nil {
		if err := l.opts.Handler(ctx, l.agent, msg); err != nil {
			log.Error("message handler failed", "error", err)
		}
	}
}

// teardown closes the subscription before deleting the mailbox so the
// listener never reads its own delete.
func (l *Listener) teardown(ctx context.Context, feed *store.Feed) {
	if err := feed.Close(); err != nil {
		l.logger.Warn("closing feed", "error", err)
	}

	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.TeardownTimeout)
	defer cancel()
	if err := l.st.DeleteMailbox(delCtx, l.agent); err != nil && !errors.Is(err, store.ErrNotFound) {
		l.logger.Error("deleting mailbox", "error", err)
	}
}
