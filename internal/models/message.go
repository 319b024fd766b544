package models

import "encoding/json"

// SignalType represents the type of a relay frame
type SignalType string

const (
	SignalTypeWelcome   SignalType = "welcome"
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeAck       SignalType = "ack"
	SignalTypeState     SignalType = "state"
	SignalTypeBye       SignalType = "bye"
	SignalTypeError     SignalType = "error"
)

// IsSignal reports whether t is one of the three negotiation kinds stored in an inbox.
func (t SignalType) IsSignal() bool {
	return t == SignalTypeOffer || t == SignalTypeAnswer || t == SignalTypeCandidate
}

// Role is a participant's side of the two-party negotiation.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// Other returns the counterpart role.
func (r Role) Other() Role {
	if r == RoleInitiator {
		return RoleJoiner
	}
	return RoleInitiator
}

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleJoiner
}

// SignalMessage is the JSON frame exchanged over the relay WebSocket. Offer, answer
// and candidate frames are also the records stored in a session inbox.
type SignalMessage struct {
	ID        string          `json:"id,omitempty"`
	Type      SignalType      `json:"type"`
	From      Role            `json:"from,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	CreatedAt int64           `json:"createdAt,omitempty"` // unix ms
	Payload   json.RawMessage `json:"payload,omitempty"`

	// welcome
	Role   Role   `json:"role,omitempty"`
	PeerID string `json:"peerId,omitempty"`

	// state
	State string `json:"state,omitempty"`

	Error string `json:"error,omitempty"`
}
