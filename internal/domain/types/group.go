package types

import "time"

// MegolmRatchet is the four-part Megolm hash ratchet and its counter.
type MegolmRatchet struct {
	Counter uint32      `json:"counter"`
	Parts   [4][32]byte `json:"parts"`
}

// SharedWithDevice records which identity key received a session and at
// which chain index.
type SharedWithDevice struct {
	IdentityKey string `json:"identity_key"`
	ChainIndex  uint32 `json:"chain_index"`
}

// OutboundGroupSession is the sending side of a room's current Megolm
// session.
type OutboundGroupSession struct {
	SessionID       string                         `json:"session_id"`
	RoomID          RoomID                         `json:"room_id"`
	CreatedAt       time.Time                      `json:"created_at"`
	UseCount        int                            `json:"use_count"`
	SharedHistory   bool                           `json:"shared_history"`
	Ratchet         MegolmRatchet                  `json:"ratchet"`
	SigningKey      Ed25519Private                 `json:"signing_key"`
	SharedWith      map[DeviceKey]SharedWithDevice `json:"shared_with"`
	BlockedNotified map[DeviceKey]bool             `json:"blocked_notified"`
}

// KeyTrust is the provenance of an inbound session key. It only ever moves
// from Untrusted to Trusted.
type KeyTrust int

const (
	Untrusted KeyTrust = iota
	Trusted
)

// InboundGroupSession is a received Megolm session, keyed by
// (RoomID, SenderKey, SessionID).
type InboundGroupSession struct {
	SessionID       string        `json:"session_id"`
	RoomID          RoomID        `json:"room_id"`
	SenderKey       string        `json:"sender_key"`
	ClaimedEd25519  string        `json:"sender_claimed_ed25519_key"`
	ForwardingChain []string      `json:"forwarding_curve25519_key_chain"`
	Trust           KeyTrust      `json:"trust"`
	SharedHistory   bool          `json:"shared_history"`
	SigningKey      Ed25519Public `json:"signing_key"`
	FirstKnownIndex uint32        `json:"first_known_index"`
	Ratchet         MegolmRatchet `json:"ratchet"`
}

// Better reports whether other should replace s in storage: it must raise
// trust, or keep the same trust and know an earlier index.
func (s InboundGroupSession) Better(other InboundGroupSession) bool {
	if other.Trust != s.Trust {
		return other.Trust > s.Trust
	}
	return other.FirstKnownIndex < s.FirstKnownIndex
}

// ParkedKey is a shared-history forwarded key for a room we are not in.
type ParkedKey struct {
	RoomID    RoomID                  `json:"room_id"`
	SenderID  UserID                  `json:"sender_id"`
	SenderKey string                  `json:"forwarder_key"`
	Content   ForwardedRoomKeyContent `json:"content"`
	ParkedAt  time.Time               `json:"parked_at"`
}

// SessionProblem records trouble with a pairwise channel to a device, used to
// explain undecryptable messages.
type SessionProblem struct {
	IdentityKey string    `json:"identity_key"`
	Type        string    `json:"type"`
	Fixed       bool      `json:"fixed"`
	At          time.Time `json:"at"`
}
