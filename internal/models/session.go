package models

import "time"

// SessionStatus is the lifecycle stage of a session record.
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled" // created over REST, nobody connected yet
	SessionStatusWaiting   SessionStatus = "waiting"   // initiator claimed, joiner pending
	SessionStatusActive    SessionStatus = "active"    // both roles claimed
	SessionStatusEnded     SessionStatus = "ended"
)

// SessionRecord stores information about a session
type SessionRecord struct {
	ID             string        `json:"id"`
	Code           string        `json:"code,omitempty"`      // Short, shareable code (e.g., "ABCD23")
	CreatorID      string        `json:"creatorId,omitempty"` // User ID from JWT who created the session
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	InitiatorState string        `json:"initiatorState,omitempty"`
	JoinerState    string        `json:"joinerState,omitempty"`
	Participants   int           `json:"participants"`
}

// CreateSessionResponse is the response for creating a session
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

// ListSessionsResponse is the response for the creator's session list
type ListSessionsResponse struct {
	Sessions []SessionRecord `json:"sessions"`
}
