package types

// Identity holds a device's long-term X25519 and Ed25519 keys.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// OneTimeKeyPair is a local one-time key with its private half.
type OneTimeKeyPair struct {
	ID   string        `json:"id"`
	Priv X25519Private `json:"priv"`
	Pub  X25519Public  `json:"pub"`
}

// SignedOneTimeKey is the published half of a one-time key, signed with the
// device's Ed25519 key. Key and Signature are unpadded base64.
type SignedOneTimeKey struct {
	KeyID     string `json:"key_id"`
	Key       string `json:"key"`
	Signature string `json:"signature"`
}

// Account is the persisted state of the local device.
type Account struct {
	UserID      UserID                    `json:"user_id"`
	DeviceID    DeviceID                  `json:"device_id"`
	Identity    Identity                  `json:"identity"`
	OneTimeKeys map[string]OneTimeKeyPair `json:"one_time_keys"`
	NextKeyID   int                       `json:"next_key_id"`
}
