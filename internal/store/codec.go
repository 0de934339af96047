// ABOUTME: JSON wire records for messages and change events
// ABOUTME: Shared by the Redis and Postgres backends and their notification payloads

package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

type agentRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type mailboxRecord struct {
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

type messageRecord struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type historyRecord struct {
	ID        string        `json:"id"`
	Message   messageRecord `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}

type eventRecord struct {
	Action    Action         `json:"action"`
	Kind      RecordKind     `json:"kind"`
	Recipient string         `json:"recipient"`
	Message   *messageRecord `json:"message,omitempty"`
	At        time.Time      `json:"at"`
}

func toMessageRecord(m *Message) (messageRecord, error) {
	payload, err := MarshalPayload(m.Payload)
	if err != nil {
		return messageRecord{}, err
	}
	return messageRecord{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Payload:   payload,
		CreatedAt: m.CreatedAt.UTC(),
	}, nil
}

func (r messageRecord) toMessage() (*Message, error) {
	payload, err := UnmarshalPayload(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", r.ID, err)
	}
	return &Message{
		ID:        r.ID,
		From:      r.From,
		To:        r.To,
		Payload:   payload,
		CreatedAt: r.CreatedAt,
	}, nil
}

func encodeMessage(m *Message) ([]byte, error) {
	rec, err := toMessageRecord(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func decodeMessage(data []byte) (*Message, error) {
	var rec messageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return rec.toMessage()
}

func encodeHistory(h *MessageHistory) ([]byte, error) {
	msg, err := toMessageRecord(&h.Message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(historyRecord{ID: h.ID, Message: msg, CreatedAt: h.CreatedAt.UTC()})
}

func decodeHistory(data []byte) (*MessageHistory, error) {
	var rec historyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	msg, err := rec.Message.toMessage()
	if err != nil {
		return nil, err
	}
	return &MessageHistory{ID: rec.ID, Message: *msg, CreatedAt: rec.CreatedAt}, nil
}

func encodeEvent(ev ChangeEvent) ([]byte, error) {
	rec := eventRecord{
		Action:    ev.Action,
		Kind:      ev.Kind,
		Recipient: ev.Recipient,
		At:        ev.At.UTC(),
	}
	if ev.Kind == RecordMessage {
		msg, err := toMessageRecord(&ev.Message)
		if err != nil {
			return nil, err
		}
		rec.Message = &msg
	}
	return json.Marshal(rec)
}

func decodeEvent(data []byte) (ChangeEvent, error) {
	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ChangeEvent{}, fmt.Errorf("decoding change event: %w", err)
	}
	ev := ChangeEvent{
		Action:    rec.Action,
		Kind:      rec.Kind,
		Recipient: rec.Recipient,
		At:        rec.At,
	}
	if rec.Message != nil {
		msg, err := rec.Message.toMessage()
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.Message = *msg
	}
	return ev, nil
}

func messageEvent(action Action, m *Message) ChangeEvent {
	return ChangeEvent{
		Action:    action,
		Kind:      RecordMessage,
		Recipient: m.To,
		Message:   *m,
		At:        time.Now().UTC(),
	}
}

func mailboxEvent(action Action, agentID string) ChangeEvent {
	return ChangeEvent{
		Action:    action,
		Kind:      RecordMailbox,
		Recipient: agentID,
		At:        time.Now().UTC(),
	}
}
