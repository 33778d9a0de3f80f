package megolm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"groupcrypt/internal/crypto"
	"groupcrypt/internal/domain/types"
)

const (
	sessionKeyVersion = 2
	exportKeyVersion  = 1

	signatureLength  = 64
	publicKeyLength  = 32
	sessionKeyLength = 1 + 4 + ratchetLength + publicKeyLength + signatureLength
	exportKeyLength  = 1 + 4 + ratchetLength + publicKeyLength
)

var (
	// ErrBadSessionKey is returned for session keys that fail to parse or verify.
	ErrBadSessionKey = errors.New("megolm: bad session key")

	// ErrUnknownMessageIndex is returned when a message predates the earliest
	// index a session knows.
	ErrUnknownMessageIndex = errors.New("megolm: unknown message index")
)

// NewOutboundSession creates a fresh session for room.
func NewOutboundSession(room types.RoomID, now time.Time, sharedHistory bool) (types.OutboundGroupSession, error) {
	ratchet, err := NewRatchet()
	if err != nil {
		return types.OutboundGroupSession{}, err
	}
	signing, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return types.OutboundGroupSession{}, err
	}
	return types.OutboundGroupSession{
		SessionID:       SessionID(pub),
		RoomID:          room,
		CreatedAt:       now,
		SharedHistory:   sharedHistory,
		Ratchet:         ratchet,
		SigningKey:      signing,
		SharedWith:      make(map[types.DeviceKey]types.SharedWithDevice),
		BlockedNotified: make(map[types.DeviceKey]bool),
	}, nil
}

// SessionID is the unpadded base64 of the session's Ed25519 public key.
func SessionID(pub types.Ed25519Public) string { return crypto.B64(pub[:]) }

// SessionKey returns the signed key that lets a receiver decrypt from the
// session's current index onwards.
func SessionKey(s types.OutboundGroupSession) string {
	pub := crypto.PublicFromPrivate(s.SigningKey)
	out := make([]byte, 0, sessionKeyLength)
	out = append(out, sessionKeyVersion)
	out = binary.BigEndian.AppendUint32(out, s.Ratchet.Counter)
	out = append(out, ratchetBytes(s.Ratchet)...)
	out = append(out, pub[:]...)
	out = append(out, crypto.SignEd25519(s.SigningKey, out)...)
	return crypto.B64(out)
}

// ImportSessionKey parses and verifies a session key from m.room_key.
func ImportSessionKey(key string) (types.MegolmRatchet, types.Ed25519Public, error) {
	raw, err := crypto.UnB64(key)
	if err != nil || len(raw) != sessionKeyLength || raw[0] != sessionKeyVersion {
		return types.MegolmRatchet{}, types.Ed25519Public{}, ErrBadSessionKey
	}
	var pub types.Ed25519Public
	copy(pub[:], raw[5+ratchetLength:])
	body := raw[:sessionKeyLength-signatureLength]
	if !crypto.VerifyEd25519(pub, body, raw[len(body):]) {
		return types.MegolmRatchet{}, types.Ed25519Public{}, fmt.Errorf("%w: signature", ErrBadSessionKey)
	}
	counter := binary.BigEndian.Uint32(raw[1:5])
	return ratchetFromBytes(counter, raw[5:5+ratchetLength]), pub, nil
}

// Export returns the unsigned export of an inbound session at index, as sent
// in m.forwarded_room_key.
func Export(s types.InboundGroupSession, index uint32) (string, error) {
	if index < s.FirstKnownIndex {
		return "", ErrUnknownMessageIndex
	}
	r := s.Ratchet
	if index > r.Counter {
		AdvanceTo(&r, index)
	}
	out := make([]byte, 0, exportKeyLength)
	out = append(out, exportKeyVersion)
	out = binary.BigEndian.AppendUint32(out, r.Counter)
	out = append(out, ratchetBytes(r)...)
	out = append(out, s.SigningKey[:]...)
	return crypto.B64(out), nil
}

// ImportExport parses an exported key.
func ImportExport(key string) (types.MegolmRatchet, types.Ed25519Public, error) {
	raw, err := crypto.UnB64(key)
	if err != nil || len(raw) != exportKeyLength || raw[0] != exportKeyVersion {
		return types.MegolmRatchet{}, types.Ed25519Public{}, ErrBadSessionKey
	}
	var pub types.Ed25519Public
	copy(pub[:], raw[5+ratchetLength:])
	counter := binary.BigEndian.Uint32(raw[1:5])
	return ratchetFromBytes(counter, raw[5:5+ratchetLength]), pub, nil
}

// InboundFromOutbound builds the sender's own inbound copy of s.
func InboundFromOutbound(s types.OutboundGroupSession, senderKey, signingKey string) types.InboundGroupSession {
	return types.InboundGroupSession{
		SessionID:       s.SessionID,
		RoomID:          s.RoomID,
		SenderKey:       senderKey,
		ClaimedEd25519:  signingKey,
		Trust:           types.Trusted,
		SharedHistory:   s.SharedHistory,
		SigningKey:      crypto.PublicFromPrivate(s.SigningKey),
		FirstKnownIndex: s.Ratchet.Counter,
		Ratchet:         s.Ratchet,
	}
}
