package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/skillswap-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

// Create registers a scheduled session owned by creatorID and returns its record.
func (s *Store) Create(ctx context.Context, creatorID string) (*models.SessionRecord, error) {
	token := uuid.New().String()

	var code string
	for attempt := 0; ; attempt++ {
		if attempt == 5 {
			return nil, fmt.Errorf("allocate session code: too many collisions")
		}
		code = generateCode()
		ok, err := s.rdb.SetNX(ctx, codeKey(code), token, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("store session code: %w", err)
		}
		if ok {
			break
		}
	}

	now := s.now()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(token),
			fieldStatus, string(models.SessionStatusScheduled),
			fieldCreator, creatorID,
			fieldCode, code,
			fieldCreatedAt, strconv.FormatInt(now.UnixMilli(), 10),
		)
		pipe.Expire(ctx, sessionKey(token), s.ttl)
		pipe.SAdd(ctx, userKey(creatorID), token)
		pipe.Expire(ctx, userKey(creatorID), s.ttl)
		return nil
	})
	if err != nil {
		s.rdb.Del(ctx, codeKey(code))
		return nil, fmt.Errorf("store session: %w", err)
	}

	return &models.SessionRecord{
		ID:        token,
		Code:      code,
		CreatorID: creatorID,
		Status:    models.SessionStatusScheduled,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// Resolve maps a session code or token to a token. Six-character identifiers are
// treated as codes and must exist; anything else is returned as-is.
func (s *Store) Resolve(ctx context.Context, identifier string) (string, error) {
	if len(identifier) != codeLength {
		return identifier, nil
	}
	token, err := s.rdb.Get(ctx, codeKey(identifier)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve session code: %w", err)
	}
	return token, nil
}

// Get returns the session record for token.
func (s *Store) Get(ctx context.Context, token string) (*models.SessionRecord, error) {
	h, err := s.rdb.HGetAll(ctx, sessionKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrSessionNotFound
	}
	return recordFromHash(token, h), nil
}

// ListByCreator returns the live sessions created by userID, oldest first.
// Members whose session has expired or ended are pruned from the set.
func (s *Store) ListByCreator(ctx context.Context, userID string) ([]models.SessionRecord, error) {
	tokens, err := s.rdb.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	records := make([]models.SessionRecord, 0, len(tokens))
	for _, token := range tokens {
		rec, err := s.Get(ctx, token)
		if errors.Is(err, ErrSessionNotFound) || (err == nil && rec.Status == models.SessionStatusEnded) {
			s.rdb.SRem(ctx, userKey(userID), token)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Claim atomically assigns a role in the session to peerID.
//
// The first peer to set the initiator field becomes the initiator and writes the
// waiting placeholder; the next distinct peer becomes the joiner. A peer that
// already holds a role gets it back. Any further peer is rejected.
func (s *Store) Claim(ctx context.Context, token, peerID string) (models.Role, error) {
	key := sessionKey(token)

	status, err := s.rdb.HGet(ctx, key, fieldStatus).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("load session status: %w", err)
	}
	if models.SessionStatus(status) == models.SessionStatusEnded {
		return "", ErrSessionEnded
	}

	ok, err := s.claimField(ctx, key, fieldInitiator, peerID)
	if err != nil {
		return "", fmt.Errorf("claim initiator: %w", err)
	}
	if ok {
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldStatus, string(models.SessionStatusWaiting))
			pipe.HSetNX(ctx, key, fieldCreatedAt, strconv.FormatInt(s.now().UnixMilli(), 10))
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("write session placeholder: %w", err)
		}
		return models.RoleInitiator, nil
	}

	initiator, err := s.rdb.HGet(ctx, key, fieldInitiator).Result()
	if err != nil {
		return "", fmt.Errorf("load initiator: %w", err)
	}
	if initiator == peerID {
		return models.RoleInitiator, s.touch(ctx, token)
	}

	ok, err = s.claimField(ctx, key, fieldJoiner, peerID)
	if err != nil {
		return "", fmt.Errorf("claim joiner: %w", err)
	}
	if ok {
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldStatus, string(models.SessionStatusActive))
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("activate session: %w", err)
		}
		return models.RoleJoiner, nil
	}

	joiner, err := s.rdb.HGet(ctx, key, fieldJoiner).Result()
	if err != nil {
		return "", fmt.Errorf("load joiner: %w", err)
	}
	if joiner == peerID {
		return models.RoleJoiner, s.touch(ctx, token)
	}

	return "", ErrSessionFull
}

// claimField sets field to peerID if it is unset. The TTL is applied in the same
// transaction, so a freshly created hash never exists without one.
func (s *Store) claimField(ctx context.Context, key, field, peerID string) (bool, error) {
	var set *redis.BoolCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		set = pipe.HSetNX(ctx, key, field, peerID)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return false, err
	}
	return set.Val(), nil
}

// ReportState records the connection state last observed by role. A session
// that has expired is not recreated, and an ended one is left untouched.
func (s *Store) ReportState(ctx context.Context, token string, role models.Role, state string) error {
	key := sessionKey(token)

	report := func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if models.SessionStatus(status) == models.SessionStatusEnded {
			return ErrSessionEnded
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, stateField(role), state)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, report, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionEnded) {
			return err
		}
		if err != nil {
			return fmt.Errorf("record connection state: %w", err)
		}
		return nil
	}
	return fmt.Errorf("record connection state: %w", redis.TxFailedErr)
}

// End tears the session down: the other side (both sides when by is empty) is
// told to hang up, then every key of the session is deleted. A short-lived
// tombstone keeps late reconnects from silently starting a new session.
func (s *Store) End(ctx context.Context, token string, by models.Role) error {
	for _, role := range []models.Role{models.RoleInitiator, models.RoleJoiner} {
		if role == by {
			continue
		}
		if err := s.rdb.Publish(ctx, notifyChannel(token, role), notifyBye).Err(); err != nil {
			return fmt.Errorf("notify %s: %w", role, err)
		}
	}

	h, err := s.rdb.HMGet(ctx, sessionKey(token), fieldCode, fieldCreator).Result()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	code, _ := h[0].(string)
	creator, _ := h[1].(string)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			sessionKey(token),
			seqKey(token),
			inboxKey(token, models.RoleInitiator),
			inboxKey(token, models.RoleJoiner),
			pendingKey(token, models.RoleInitiator),
			pendingKey(token, models.RoleJoiner),
		)
		pipe.HSet(ctx, sessionKey(token),
			fieldStatus, string(models.SessionStatusEnded),
			fieldEndedAt, strconv.FormatInt(s.now().UnixMilli(), 10),
		)
		pipe.Expire(ctx, sessionKey(token), tombstoneTTL)
		if code != "" {
			pipe.Del(ctx, codeKey(code))
		}
		if creator != "" {
			pipe.SRem(ctx, userKey(creator), token)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Delete cancels a session on behalf of its creator.
func (s *Store) Delete(ctx context.Context, token, userID string) error {
	rec, err := s.Get(ctx, token)
	if err != nil {
		return err
	}
	if rec.CreatorID != userID {
		return ErrForbidden
	}
	return s.End(ctx, token, "")
}

func (s *Store) touch(ctx context.Context, token string) error {
	if err := s.rdb.Expire(ctx, sessionKey(token), s.ttl).Err(); err != nil {
		return fmt.Errorf("refresh session ttl: %w", err)
	}
	return nil
}

func recordFromHash(token string, h map[string]string) *models.SessionRecord {
	rec := &models.SessionRecord{
		ID:             token,
		Code:           h[fieldCode],
		CreatorID:      h[fieldCreator],
		Status:         models.SessionStatus(h[fieldStatus]),
		InitiatorState: h[fieldInitiatorState],
		JoinerState:    h[fieldJoinerState],
	}
	if ms, err := strconv.ParseInt(h[fieldCreatedAt], 10, 64); err == nil {
		rec.CreatedAt = time.UnixMilli(ms)
	}
	if h[fieldInitiator] != "" {
		rec.Participants++
	}
	if h[fieldJoiner] != "" {
		rec.Participants++
	}
	return rec
}

// generateCode generates a random session code
func generateCode() string {
	code := make([]byte, codeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
