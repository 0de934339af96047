// ABOUTME: In-process fan-out of change events to live feed subscribers
// ABOUTME: Backs the live feeds of the SQLite and mock stores

package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/metrics"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 256
)

// Hub provides in-memory pub/sub of ChangeEvents keyed by recipient.
// Publish is non-blocking: events are dropped for subscribers whose
// channels are full.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Notification // recipient -> subID -> ch
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan Notification),
		logger:      logger.With("component", "hub"),
	}
}

// Subscribe registers a feed for recipient. The subscription ends when the
// feed is closed or ctx is cancelled, whichever comes first.
func (h *Hub) Subscribe(ctx context.Context, recipient string) *Feed {
	subID := uuid.New().String()
	ch := make(chan Notification, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[recipient]; !ok {
		h.subscribers[recipient] = make(map[string]chan Notification)
	}
	h.subscribers[recipient][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "recipient", recipient, "sub_id", subID)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.Unsubscribe(recipient, subID)
		case <-stop:
		}
	}()

	return NewFeed(recipient, ch, func() error {
		close(stop)
		h.Unsubscribe(recipient, subID)
		return nil
	})
}

// Publish delivers ev to every subscriber of ev.Recipient.
func (h *Hub) Publish(ev ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for subID, ch := range h.subscribers[ev.Recipient] {
		select {
		case ch <- Notification{Event: ev}:
		default:
			metrics.FeedDropped.Inc()
			h.logger.Warn("dropped event for slow subscriber",
				"recipient", ev.Recipient,
				"sub_id", subID,
				"action", ev.Action,
				"kind", ev.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(recipient, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[recipient]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(h.subscribers, recipient)
	}

	h.logger.Debug("subscriber removed", "recipient", recipient, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions for recipient.
func (h *Hub) Subscribers(recipient string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[recipient])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for recipient, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, recipient)
	}

	h.logger.Debug("hub closed")
}
