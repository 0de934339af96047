// ABOUTME: Message relay writing one message record per send
// ABOUTME: Returns RelayError on store write failure without retrying

package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/store"
)

// Relay sends messages through the store.
type Relay struct {
	st     store.Store
	logger *slog.Logger
}

// NewRelay creates a relay over st.
func NewRelay(st store.Store, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{st: st, logger: logger.With("component", "relay")}
}

// Send writes a message from from to the agent named to. It returns once
// the store acknowledges the write.
func (r *Relay) Send(ctx context.Context, from *store.Agent, to string, payload store.Payload) (*store.Message, error) {
	if from == nil || from.ID == "" {
		return nil, &RelayError{To: to, Err: errors.New("sender is required")}
	}
	if to == "" {
		return nil, &RelayError{From: from.ID, Err: errors.New("recipient is required")}
	}
	payload, err := store.NormalizePayload(payload)
	if err != nil {
		return nil, &RelayError{From: from.ID, To: to, Err: err}
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		From:      from.ID,
		To:        to,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.st.CreateMessage(ctx, msg); err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		r.logger.Error("send failed", "from", from.ID, "to", to, "error", err)
		return nil, &RelayError{From: from.ID, To: to, Err: err}
	}

	metrics.MessagesSent.WithLabelValues("ok").Inc()
	r.logger.Debug("message sent", "id", msg.ID, "from", from.ID, "to", to, "type", payload.Type())
	return msg, nil
}
