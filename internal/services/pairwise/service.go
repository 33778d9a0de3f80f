package pairwise

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"groupcrypt/internal/crypto"
	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/protocol/ratchet"
	"groupcrypt/internal/protocol/x3dh"
)

const (
	messageTypePreKey = 0
	messageTypeNormal = 1
)

var (
	// ErrNoSession is returned by Encrypt when no channel to the device exists.
	ErrNoSession = errors.New("no pairwise session with device")
	// ErrNotForUs is returned when a message has no ciphertext for our key.
	ErrNotForUs = errors.New("message has no ciphertext for this device")
	// ErrUnknownOneTimeKey is returned for a pre-key message naming a one-time
	// key we do not hold.
	ErrUnknownOneTimeKey = errors.New("pre-key message names an unknown one-time key")
	// ErrPayloadMismatch is returned when the decrypted payload names a
	// different sender or recipient than the transport.
	ErrPayloadMismatch = errors.New("olm payload does not match transport")
)

// Account is the part of the device account the channel needs.
type Account interface {
	Identity() domain.Identity
	DeviceInfo() domain.DeviceInfo
	OneTimeKey(id string) (domain.OneTimeKeyPair, bool)
	RemoveOneTimeKey(id string) error
}

// Service implements domain.PairwiseChannel.
type Service struct {
	account Account
	store   domain.PairwiseSessionStore
	log     logging.LeveledLogger
	now     func() time.Time

	// mu serialises ratchet state changes.
	mu sync.Mutex
}

// New returns a channel for account that keeps sessions in store.
func New(account Account, store domain.PairwiseSessionStore, lf logging.LoggerFactory) *Service {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Service{account: account, store: store, log: lf.NewLogger("pairwise"), now: time.Now}
}

// wireMessage is the decoded form of an OlmCiphertext body.
type wireMessage struct {
	PreKey     *types.PreKeyMessage `json:"pre_key,omitempty"`
	Header     types.RatchetHeader  `json:"header"`
	Ciphertext []byte               `json:"ciphertext"`
}

type signingKeys struct {
	Ed25519 string `json:"ed25519"`
}

// payload is the plaintext of every Olm message.
type payload struct {
	Type          string          `json:"type"`
	Content       json.RawMessage `json:"content"`
	Sender        domain.UserID   `json:"sender"`
	SenderDevice  domain.DeviceID `json:"sender_device"`
	Keys          signingKeys     `json:"keys"`
	Recipient     domain.UserID   `json:"recipient"`
	RecipientKeys signingKeys     `json:"recipient_keys"`
}

func (s *Service) IdentityKey() string { return s.account.DeviceInfo().IdentityKey }

func (s *Service) SigningKey() string { return s.account.DeviceInfo().SigningKey }

func (s *Service) HasSession(identityKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.store.LoadPairwiseSession(identityKey)
	return ok, err
}

// CreateOutboundSession opens a channel to device from a claimed one-time key.
func (s *Service) CreateOutboundSession(device domain.DeviceInfo, otk domain.SignedOneTimeKey) error {
	signing, err := crypto.DecodeEd25519(device.SigningKey)
	if err != nil {
		return fmt.Errorf("device %s signing key: %w", device.Key(), err)
	}
	otkPub, err := x3dh.VerifyOneTimeKey(signing, otk)
	if err != nil {
		return fmt.Errorf("device %s: %w", device.Key(), err)
	}
	peerIdentity, err := crypto.DecodeX25519(device.IdentityKey)
	if err != nil {
		return fmt.Errorf("device %s identity key: %w", device.Key(), err)
	}

	id := s.account.Identity()
	basePriv, basePub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	root, err := x3dh.InitiatorSecret(id.XPriv, basePriv, peerIdentity, otkPub)
	if err != nil {
		return err
	}
	state, err := ratchet.InitAsInitiator(root, otkPub)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Debugf("outbound session to %s (%s)", device.Key(), device.IdentityKey)
	return s.store.SavePairwiseSession(domain.PairwiseSession{
		PeerIdentityKey: device.IdentityKey,
		BaseKey:         basePub,
		State:           state,
		PreKey:          &types.PreKeyMessage{IdentityKey: id.XPub, BaseKey: basePub, OneTimeKeyID: otk.KeyID},
		CreatedAt:       s.now(),
	})
}

// Encrypt seals an event for device over its existing channel.
func (s *Service) Encrypt(device domain.DeviceInfo, eventType string, content any) (domain.OlmEncryptedContent, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return domain.OlmEncryptedContent{}, err
	}
	me := s.account.DeviceInfo()
	pt, err := json.Marshal(payload{
		Type:          eventType,
		Content:       raw,
		Sender:        me.UserID,
		SenderDevice:  me.DeviceID,
		Keys:          signingKeys{Ed25519: me.SigningKey},
		Recipient:     device.UserID,
		RecipientKeys: signingKeys{Ed25519: device.SigningKey},
	})
	if err != nil {
		return domain.OlmEncryptedContent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok, err := s.store.LoadPairwiseSession(device.IdentityKey)
	if err != nil {
		return domain.OlmEncryptedContent{}, err
	}
	if !ok {
		return domain.OlmEncryptedContent{}, ErrNoSession
	}
	header, ct, err := ratchet.Encrypt(&sess.State, associatedData(me.IdentityKey, device.IdentityKey), pt)
	if err != nil {
		return domain.OlmEncryptedContent{}, err
	}
	if err := s.store.SavePairwiseSession(sess); err != nil {
		return domain.OlmEncryptedContent{}, err
	}

	msgType := messageTypeNormal
	if sess.PreKey != nil {
		msgType = messageTypePreKey
	}
	body, err := json.Marshal(wireMessage{PreKey: sess.PreKey, Header: header, Ciphertext: ct})
	if err != nil {
		return domain.OlmEncryptedContent{}, err
	}
	return domain.OlmEncryptedContent{
		Algorithm: types.AlgorithmOlm,
		SenderKey: me.IdentityKey,
		Ciphertext: map[string]domain.OlmCiphertext{
			device.IdentityKey: {Type: msgType, Body: crypto.B64(body)},
		},
	}, nil
}

// Decrypt opens a to-device message from sender.
func (s *Service) Decrypt(sender domain.UserID, content domain.OlmEncryptedContent) (domain.ToDeviceEvent, error) {
	me := s.account.DeviceInfo()
	ct, ok := content.Ciphertext[me.IdentityKey]
	if !ok {
		return domain.ToDeviceEvent{}, ErrNotForUs
	}
	raw, err := crypto.UnB64(ct.Body)
	if err != nil {
		return domain.ToDeviceEvent{}, types.Malformed("olm body: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.ToDeviceEvent{}, types.Malformed("olm body: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pt, err := s.open(content.SenderKey, ct.Type, msg, associatedData(content.SenderKey, me.IdentityKey))
	if err != nil {
		return domain.ToDeviceEvent{}, err
	}

	var p payload
	if err := json.Unmarshal(pt, &p); err != nil {
		return domain.ToDeviceEvent{}, types.Malformed("olm payload: %v", err)
	}
	if p.Sender != sender || p.Recipient != me.UserID || p.RecipientKeys.Ed25519 != me.SigningKey {
		return domain.ToDeviceEvent{}, ErrPayloadMismatch
	}
	return domain.ToDeviceEvent{
		Type:           p.Type,
		Sender:         sender,
		Content:        p.Content,
		SenderKey:      content.SenderKey,
		SenderDevice:   p.SenderDevice,
		ClaimedEd25519: p.Keys.Ed25519,
	}, nil
}

// open decrypts msg, creating an inbound session for a new pre-key message.
// Callers hold s.mu.
func (s *Service) open(senderKey string, msgType int, msg wireMessage, ad []byte) ([]byte, error) {
	sess, ok, err := s.store.LoadPairwiseSession(senderKey)
	if err != nil {
		return nil, err
	}

	var consumed string
	if msgType == messageTypePreKey {
		if msg.PreKey == nil {
			return nil, types.Malformed("pre-key message without handshake")
		}
		if !ok || sess.BaseKey != msg.PreKey.BaseKey {
			sess, err = s.inboundSession(senderKey, msg)
			if err != nil {
				return nil, err
			}
			consumed = msg.PreKey.OneTimeKeyID
		}
	} else if !ok {
		return nil, ErrNoSession
	}

	pt, err := ratchet.Decrypt(&sess.State, ad, msg.Header, msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("olm decrypt from %s: %w", senderKey, err)
	}
	if msgType == messageTypeNormal {
		// The peer has our reply, so stop resending the handshake.
		sess.PreKey = nil
	}
	if err := s.store.SavePairwiseSession(sess); err != nil {
		return nil, err
	}
	if consumed != "" {
		s.log.Debugf("inbound session from %s using one-time key %s", senderKey, consumed)
		if err := s.account.RemoveOneTimeKey(consumed); err != nil {
			return nil, err
		}
	}
	return pt, nil
}

func (s *Service) inboundSession(senderKey string, msg wireMessage) (domain.PairwiseSession, error) {
	peerIdentity, err := crypto.DecodeX25519(senderKey)
	if err != nil {
		return domain.PairwiseSession{}, types.Malformed("sender key: %v", err)
	}
	if msg.PreKey.IdentityKey != peerIdentity {
		return domain.PairwiseSession{}, ErrPayloadMismatch
	}
	otk, ok := s.account.OneTimeKey(msg.PreKey.OneTimeKeyID)
	if !ok {
		return domain.PairwiseSession{}, ErrUnknownOneTimeKey
	}
	if len(msg.Header.DiffieHellmanPublicKey) != 32 {
		return domain.PairwiseSession{}, types.Malformed("ratchet key length %d", len(msg.Header.DiffieHellmanPublicKey))
	}
	var senderRatchet domain.X25519Public
	copy(senderRatchet[:], msg.Header.DiffieHellmanPublicKey)

	id := s.account.Identity()
	root, err := x3dh.ResponderSecret(id.XPriv, otk.Priv, peerIdentity, msg.PreKey.BaseKey)
	if err != nil {
		return domain.PairwiseSession{}, err
	}
	state, err := ratchet.InitAsResponder(root, otk.Priv, otk.Pub, senderRatchet)
	if err != nil {
		return domain.PairwiseSession{}, err
	}
	return domain.PairwiseSession{
		PeerIdentityKey: senderKey,
		BaseKey:         msg.PreKey.BaseKey,
		State:           state,
		CreatedAt:       s.now(),
	}, nil
}

func associatedData(senderKey, recipientKey string) []byte {
	return []byte(senderKey + "|" + recipientKey)
}

// Compile-time assertion that Service implements domain.PairwiseChannel.
var _ domain.PairwiseChannel = (*Service)(nil)
