// Package store keeps session records and per-role signaling inboxes in Redis.
//
// Each session owns a hash with its rendezvous state and two FIFO inboxes, one
// per role. A message published by one role is appended to the other role's
// inbox, moved to a pending list when delivered and removed on acknowledgement.
package store

import (
	"errors"
	"time"

	"github.com/mossy-p/skillswap-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = errors.New("session already has two participants")
	ErrSessionEnded    = errors.New("session has ended")
	ErrForbidden       = errors.New("only the session creator may do this")
	ErrInboxEmpty      = errors.New("inbox empty")
	ErrInvalidSignal   = errors.New("invalid signal kind")
	ErrCorruptSignal   = errors.New("corrupt stored signal")
)

const (
	DefaultTTL   = 24 * time.Hour
	tombstoneTTL = 10 * time.Minute
	maxTxRetries = 3

	codeLength = 6
	codeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars

	notifyWake = "wake"
	notifyBye  = "bye"
)

// hash fields of session:<token>
const (
	fieldStatus         = "status"
	fieldInitiator      = "initiator"
	fieldJoiner         = "joiner"
	fieldCreator        = "creator"
	fieldCode           = "code"
	fieldCreatedAt      = "createdAt"
	fieldEndedAt        = "endedAt"
	fieldInitiatorState = "initiatorState"
	fieldJoinerState    = "joinerState"
)

// Store is the Redis-backed session and inbox store.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// New creates a Store. A non-positive ttl selects DefaultTTL.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

func sessionKey(token string) string { return "session:" + token }
func seqKey(token string) string     { return "session:" + token + ":seq" }
func codeKey(code string) string     { return "code:" + code }
func userKey(userID string) string   { return "user:" + userID + ":sessions" }

func inboxKey(token string, to models.Role) string {
	return "session:" + token + ":inbox:" + string(to)
}

func pendingKey(token string, to models.Role) string {
	return "session:" + token + ":pending:" + string(to)
}

func notifyChannel(token string, to models.Role) string {
	return "session:" + token + ":notify:" + string(to)
}

func stateField(role models.Role) string {
	if role == models.RoleInitiator {
		return fieldInitiatorState
	}
	return fieldJoinerState
}
