package types

import "time"

// RatchetHeader is sent alongside every pairwise ciphertext.
type RatchetHeader struct {
	DiffieHellmanPublicKey []byte `json:"dh_pub"`
	PreviousChainLength    uint32 `json:"pn"`
	MessageIndex           uint32 `json:"n"`
}

// RatchetState contains all fields the Double Ratchet needs to track.
type RatchetState struct {
	RootKey                 []byte            `json:"root_key"`
	DiffieHellmanPrivate    X25519Private     `json:"dh_priv"`
	DiffieHellmanPublic     X25519Public      `json:"dh_pub"`
	PeerDiffieHellmanPublic X25519Public      `json:"peer_dh_pub"`
	SendChainKey            []byte            `json:"send_ck,omitempty"`
	ReceiveChainKey         []byte            `json:"recv_ck,omitempty"`
	SendMessageIndex        uint32            `json:"ns"`
	ReceiveMessageIndex     uint32            `json:"nr"`
	PreviousChainLength     uint32            `json:"pn"`
	SkippedKeys             map[string][]byte `json:"skipped_keys"`
}

// PreKeyMessage carries the handshake parameters on every message an
// initiator sends until the peer answers.
type PreKeyMessage struct {
	IdentityKey  X25519Public `json:"identity_key"`
	BaseKey      X25519Public `json:"base_key"`
	OneTimeKeyID string       `json:"one_time_key_id"`
}

// PairwiseSession persists the ratchet state for one peer device.
type PairwiseSession struct {
	PeerIdentityKey string         `json:"peer_identity_key"`
	BaseKey         X25519Public   `json:"base_key"`
	State           RatchetState   `json:"state"`
	PreKey          *PreKeyMessage `json:"pre_key,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
