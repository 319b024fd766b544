package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mossy-p/skillswap-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

// Publish appends a signal from role `from` to the other role's inbox and wakes
// the recipient's delivery loop. The stored record carries a fresh id, the
// per-session sequence number and the creation time.
func (s *Store) Publish(ctx context.Context, token string, from models.Role, kind models.SignalType, payload json.RawMessage) (*models.SignalMessage, error) {
	if !kind.IsSignal() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSignal, kind)
	}
	if !from.Valid() {
		return nil, fmt.Errorf("publish: invalid role %q", from)
	}

	status, err := s.rdb.HGet(ctx, sessionKey(token), fieldStatus).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load session status: %w", err)
	}
	if models.SessionStatus(status) == models.SessionStatusEnded {
		return nil, ErrSessionEnded
	}

	seq, err := s.rdb.Incr(ctx, seqKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}

	msg := &models.SignalMessage{
		ID:        uuid.New().String(),
		Type:      kind,
		From:      from,
		SessionID: token,
		Seq:       seq,
		CreatedAt: s.now().UnixMilli(),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}

	to := from.Other()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, inboxKey(token, to), data)
		pipe.Expire(ctx, inboxKey(token, to), s.ttl)
		pipe.Expire(ctx, seqKey(token), s.ttl)
		pipe.Expire(ctx, sessionKey(token), s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue signal: %w", err)
	}

	if err := s.rdb.Publish(ctx, notifyChannel(token, to), notifyWake).Err(); err != nil {
		// The message is queued; the recipient picks it up on its next drain.
		return msg, fmt.Errorf("wake %s: %w", to, err)
	}
	return msg, nil
}

// Next moves the oldest message addressed to role from its inbox to its pending
// list and returns it with the raw stored form needed for Ack. ErrInboxEmpty is
// returned when nothing is queued.
func (s *Store) Next(ctx context.Context, token string, role models.Role) (*models.SignalMessage, string, error) {
	raw, err := s.rdb.LMove(ctx, inboxKey(token, role), pendingKey(token, role), "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrInboxEmpty
	}
	if err != nil {
		return nil, "", fmt.Errorf("dequeue signal: %w", err)
	}
	s.rdb.Expire(ctx, pendingKey(token, role), s.ttl)

	var msg models.SignalMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		s.rdb.LRem(ctx, pendingKey(token, role), 1, raw)
		return nil, "", fmt.Errorf("%w: %v", ErrCorruptSignal, err)
	}
	return &msg, raw, nil
}

// Ack removes a delivered message from role's pending list. It reports false when
// the message was already acknowledged or requeued.
func (s *Store) Ack(ctx context.Context, token string, role models.Role, raw string) (bool, error) {
	n, err := s.rdb.LRem(ctx, pendingKey(token, role), 1, raw).Result()
	if err != nil {
		return false, fmt.Errorf("ack signal: %w", err)
	}
	return n > 0, nil
}

// Requeue returns every unacknowledged message of role to the head of its inbox,
// keeping the original order, and wakes the recipient. It returns the number of
// messages moved.
func (s *Store) Requeue(ctx context.Context, token string, role models.Role) (int, error) {
	moved := 0
	for {
		err := s.rdb.LMove(ctx, pendingKey(token, role), inboxKey(token, role), "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			if moved > 0 {
				// A reconnected delivery loop may already be idle.
				s.rdb.Publish(ctx, notifyChannel(token, role), notifyWake)
			}
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("requeue signal: %w", err)
		}
		moved++
	}
}

// Pending returns the number of queued plus unacknowledged messages for role.
func (s *Store) Pending(ctx context.Context, token string, role models.Role) (int64, error) {
	queued, err := s.rdb.LLen(ctx, inboxKey(token, role)).Result()
	if err != nil {
		return 0, err
	}
	inflight, err := s.rdb.LLen(ctx, pendingKey(token, role)).Result()
	if err != nil {
		return 0, err
	}
	return queued + inflight, nil
}

// Subscribe opens the wake-up channel for role and waits for the subscription
// to be confirmed, so a Publish issued afterwards is never missed.
func (s *Store) Subscribe(ctx context.Context, token string, role models.Role) (*redis.PubSub, error) {
	sub := s.rdb.Subscribe(ctx, notifyChannel(token, role))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub, nil
}

// IsBye reports whether a wake-up notification asks the recipient to hang up.
func IsBye(m *redis.Message) bool {
	return m != nil && m.Payload == notifyBye
}
