package types

import (
	"encoding/json"
	"time"
)

// Algorithm and event type names used on the wire.
const (
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"

	EventRoomKey          = "m.room_key"
	EventForwardedRoomKey = "m.forwarded_room_key"
	EventRoomKeyWithheld  = "m.room_key.withheld"
	EventRoomKeyRequest   = "m.room_key_request"
	EventEncrypted        = "m.room.encrypted"
	EventDummy            = "m.dummy"

	// MessageIDField tags to-device messages for tracing.
	MessageIDField = "org.matrix.msgid"
)

// RoomKeyContent is the content of m.room_key.
type RoomKeyContent struct {
	Algorithm     string `json:"algorithm"`
	RoomID        RoomID `json:"room_id"`
	SessionID     string `json:"session_id"`
	SessionKey    string `json:"session_key"`
	ChainIndex    uint32 `json:"chain_index"`
	SharedHistory bool   `json:"shared_history"`
}

// ForwardedRoomKeyContent is the content of m.forwarded_room_key.
type ForwardedRoomKeyContent struct {
	Algorithm                    string   `json:"algorithm"`
	RoomID                       RoomID   `json:"room_id"`
	SessionID                    string   `json:"session_id"`
	SessionKey                   string   `json:"session_key"`
	ChainIndex                   uint32   `json:"chain_index"`
	SenderKey                    string   `json:"sender_key"`
	SenderClaimedEd25519Key      string   `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519KeyChain []string `json:"forwarding_curve25519_key_chain"`
	SharedHistory                bool     `json:"shared_history"`
}

// WithheldContent is the content of m.room_key.withheld. RoomID and SessionID
// are left out for m.no_olm.
type WithheldContent struct {
	Algorithm string       `json:"algorithm"`
	Code      WithheldCode `json:"code"`
	Reason    string       `json:"reason"`
	RoomID    RoomID       `json:"room_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	SenderKey string       `json:"sender_key"`
	MessageID string       `json:"org.matrix.msgid,omitempty"`
}

// RoomKeyRequestBody names the session a key request is for.
type RoomKeyRequestBody struct {
	Algorithm string `json:"algorithm"`
	RoomID    RoomID `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// RoomKeyRequestContent is the content of m.room_key_request.
type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestID          string              `json:"request_id"`
	RequestingDeviceID DeviceID            `json:"requesting_device_id"`
}

// OlmCiphertext is one recipient's Olm message.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// OlmEncryptedContent is the content of an Olm m.room.encrypted to-device
// event, keyed by recipient identity key.
type OlmEncryptedContent struct {
	Algorithm  string                   `json:"algorithm"`
	SenderKey  string                   `json:"sender_key"`
	Ciphertext map[string]OlmCiphertext `json:"ciphertext"`
	MessageID  string                   `json:"org.matrix.msgid,omitempty"`
}

// MegolmEncryptedContent is the content of a Megolm m.room.encrypted room
// event.
type MegolmEncryptedContent struct {
	Algorithm  string   `json:"algorithm"`
	SenderKey  string   `json:"sender_key"`
	SessionID  string   `json:"session_id"`
	Ciphertext string   `json:"ciphertext"`
	DeviceID   DeviceID `json:"device_id,omitempty"`
}

// ToDeviceEvent is a to-device event after Olm decryption. SenderKey and
// ClaimedEd25519 are empty when the event arrived in the clear.
type ToDeviceEvent struct {
	Type           string          `json:"type"`
	Sender         UserID          `json:"sender"`
	Content        json.RawMessage `json:"content"`
	SenderKey      string          `json:"sender_key,omitempty"`
	SenderDevice   DeviceID        `json:"sender_device,omitempty"`
	ClaimedEd25519 string          `json:"claimed_ed25519,omitempty"`
}

// Encrypted reports whether the event came over a pairwise channel.
func (e ToDeviceEvent) Encrypted() bool { return e.SenderKey != "" }

// EncryptedEvent is a Megolm-encrypted room event awaiting decryption.
type EncryptedEvent struct {
	EventID    string                 `json:"event_id"`
	RoomID     RoomID                 `json:"room_id"`
	Sender     UserID                 `json:"sender"`
	Content    MegolmEncryptedContent `json:"content"`
	ReceivedAt time.Time              `json:"received_at"`
}

// DecryptedEvent is the clear form of an EncryptedEvent.
type DecryptedEvent struct {
	EventID         string          `json:"event_id"`
	RoomID          RoomID          `json:"room_id"`
	Sender          UserID          `json:"sender"`
	Type            string          `json:"type"`
	Content         json.RawMessage `json:"content"`
	SenderKey       string          `json:"sender_key"`
	ClaimedEd25519  string          `json:"claimed_ed25519"`
	ForwardingChain []string        `json:"forwarding_chain,omitempty"`
	Untrusted       bool            `json:"untrusted"`
	MessageIndex    uint32          `json:"message_index"`
}
