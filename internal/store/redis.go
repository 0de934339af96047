// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: JSON records with sorted-set indices; live feeds via PUBLISH/SUBSCRIBE

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements the Store interface on a Redis server.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to redisURL, authenticates and selects the
// database. Namespace and database (when not numeric) prefix every key.
func NewRedisStore(ctx context.Context, opts Options) (*RedisStore, error) {
	ropts, err := redisOptions(opts)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	s := &RedisStore{
		client: client,
		prefix: keyPrefix(opts),
		logger: slog.Default().With("component", "store", "driver", "redis"),
	}
	s.logger.Info("Redis store initialized", "addr", ropts.Addr, "db", ropts.DB, "prefix", s.prefix)
	return s, nil
}

func redisOptions(opts Options) (*redis.Options, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if opts.Username != "" {
		ropts.Username = opts.Username
	}
	if opts.Password != "" {
		ropts.Password = opts.Password
	}
	if db, err := strconv.Atoi(opts.Database); err == nil {
		ropts.DB = db
	}
	return ropts, nil
}

func keyPrefix(opts Options) string {
	prefix := "relay:"
	if opts.Namespace != "" {
		prefix = opts.Namespace + ":"
	}
	if _, err := strconv.Atoi(opts.Database); err != nil && opts.Database != "" {
		prefix += opts.Database + ":"
	}
	return prefix
}

func (s *RedisStore) agentKey(id string) string     { return s.prefix + "agent:" + id }
func (s *RedisStore) agentsKey() string             { return s.prefix + "agents" }
func (s *RedisStore) mailboxKey(id string) string   { return s.prefix + "mailbox:" + id }
func (s *RedisStore) messageKey(id string) string   { return s.prefix + "message:" + id }
func (s *RedisStore) messagesKey() string           { return s.prefix + "messages" }
func (s *RedisStore) inboxKey(agent string) string  { return s.prefix + "inbox:" + agent }
func (s *RedisStore) outboxKey(agent string) string { return s.prefix + "outbox:" + agent }
func (s *RedisStore) historyKey() string            { return s.prefix + "history" }
func (s *RedisStore) feedChannel(agent string) string {
	return s.prefix + "feed:" + agent
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.logger.Info("closing Redis store")
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// UpsertAgent creates the agent if missing and returns the stored record.
func (s *RedisStore) UpsertAgent(ctx context.Context, id string) (*Agent, error) {
	data, err := json.Marshal(agentRecord{ID: id, CreatedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	if err := s.client.SetNX(ctx, s.agentKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("upserting agent: %w", err)
	}
	if err := s.client.SAdd(ctx, s.agentsKey(), id).Err(); err != nil {
		return nil, fmt.Errorf("indexing agent: %w", err)
	}
	return s.GetAgent(ctx, id)
}

// GetAgent retrieves an agent by ID.
func (s *RedisStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	data, err := s.client.Get(ctx, s.agentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	var rec agentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding agent: %w", err)
	}
	return &Agent{ID: rec.ID, CreatedAt: rec.CreatedAt}, nil
}

// ListAgents returns all agents ordered by ID.
func (s *RedisStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	ids, err := s.client.Sort(ctx, s.agentsKey(), &redis.Sort{Alpha: true}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	agents := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := s.GetAgent(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// DeleteAgent removes an agent.
func (s *RedisStore) DeleteAgent(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.agentKey(id)).Result()
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	s.client.SRem(ctx, s.agentsKey(), id)
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenMailbox creates the agent's mailbox record if missing.
func (s *RedisStore) OpenMailbox(ctx context.Context, agentID string) error {
	data, err := json.Marshal(mailboxRecord{AgentID: agentID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	created, err := s.client.SetNX(ctx, s.mailboxKey(agentID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("opening mailbox: %w", err)
	}
	if created {
		return s.publish(ctx, mailboxEvent(ActionCreated, agentID))
	}
	return nil
}

// DeleteMailbox removes the agent's mailbox and publishes a Deleted event
// in the same transaction.
func (s *RedisStore) DeleteMailbox(ctx context.Context, agentID string) error {
	event, err := encodeEvent(mailboxEvent(ActionDeleted, agentID))
	if err != nil {
		return err
	}
	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.mailboxKey(agentID))
		pipe.Publish(ctx, s.feedChannel(agentID), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting mailbox: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage stores a message, indexes it and publishes a Created event
// in one MULTI/EXEC transaction.
func (s *RedisStore) CreateMessage(ctx context.Context, msg *Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	event, err := encodeEvent(messageEvent(ActionCreated, msg))
	if err != nil {
		return err
	}

	score := float64(msg.CreatedAt.UnixNano())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.messageKey(msg.ID), data, 0)
		pipe.ZAdd(ctx, s.messagesKey(), redis.Z{Score: score, Member: msg.ID})
		pipe.ZAdd(ctx, s.inboxKey(msg.To), redis.Z{Score: score, Member: msg.ID})
		pipe.ZAdd(ctx, s.outboxKey(msg.From), redis.Z{Score: score, Member: msg.ID})
		pipe.Publish(ctx, s.feedChannel(msg.To), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating message: %w", err)
	}
	s.logger.Debug("created message", "id", msg.ID, "from", msg.From, "to", msg.To)
	return nil
}

// ListMessages returns matching messages oldest first.
func (s *RedisStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	index := s.messagesKey()
	switch {
	case filter.To != "":
		index = s.inboxKey(filter.To)
	case filter.From != "":
		index = s.outboxKey(filter.From)
	}

	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing message ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.messageKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	var messages []*Message
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // removed between ZRANGE and MGET
		}
		msg, err := decodeMessage([]byte(raw))
		if err != nil {
			return nil, err
		}
		if !filter.matches(msg) {
			continue
		}
		messages = append(messages, msg)
		if filter.Limit > 0 && len(messages) == filter.Limit {
			break
		}
	}
	return messages, nil
}

// DeleteMessages removes matching messages and publishes a Deleted event
// for each.
func (s *RedisStore) DeleteMessages(ctx context.Context, filter MessageFilter) (int, error) {
	doomed, err := s.ListMessages(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range doomed {
			event, err := encodeEvent(messageEvent(ActionDeleted, msg))
			if err != nil {
				return err
			}
			pipe.Del(ctx, s.messageKey(msg.ID))
			pipe.ZRem(ctx, s.messagesKey(), msg.ID)
			pipe.ZRem(ctx, s.inboxKey(msg.To), msg.ID)
			pipe.ZRem(ctx, s.outboxKey(msg.From), msg.ID)
			pipe.Publish(ctx, s.feedChannel(msg.To), event)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	return len(doomed), nil
}

// SaveHistory archives an observed message.
func (s *RedisStore) SaveHistory(ctx context.Context, h *MessageHistory) error {
	data, err := encodeHistory(h)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.historyKey(), data).Err(); err != nil {
		return fmt.Errorf("saving history: %w", err)
	}
	return nil
}

// ListHistory returns archived messages addressed to agentID (all if empty).
func (s *RedisStore) ListHistory(ctx context.Context, agentID string, limit int) ([]*MessageHistory, error) {
	values, err := s.client.LRange(ctx, s.historyKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	var out []*MessageHistory
	for _, v := range values {
		h, err := decodeHistory([]byte(v))
		if err != nil {
			return nil, err
		}
		if agentID != "" && h.Message.To != agentID {
			continue
		}
		out = append(out, h)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Subscribe opens a live feed for recipient. It returns after Redis has
// confirmed the SUBSCRIBE.
func (s *RedisStore) Subscribe(ctx context.Context, recipient string) (*Feed, error) {
	channel := s.feedChannel(recipient)
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	out := make(chan Notification, subscriberBufferSize)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		for msg := range ps.Channel() {
			var n Notification
			n.Event, n.Err = decodeEvent([]byte(msg.Payload))
			select {
			case out <- n:
			case <-stop:
				return
			}
		}
	}()

	s.logger.Debug("subscribed", "channel", channel)
	return NewFeed(recipient, out, func() error {
		close(stop)
		err := ps.Close()
		wg.Wait()
		s.logger.Debug("unsubscribed", "channel", channel)
		return err
	}), nil
}

func (s *RedisStore) publish(ctx context.Context, ev ChangeEvent) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.feedChannel(ev.Recipient), data).Err(); err != nil {
		return fmt.Errorf("publishing %s event: %w", ev.Kind, err)
	}
	return nil
}
