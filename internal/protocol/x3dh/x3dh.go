package x3dh

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"groupcrypt/internal/crypto"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/util/memzero"
)

// ErrBadOneTimeKey is returned when a claimed one-time key fails its
// signature check.
var ErrBadOneTimeKey = errors.New("one-time key signature is invalid")

const rootInfo = "OLM_ROOT"

// InitiatorSecret derives the root key for a new outbound session.
func InitiatorSecret(
	ourIdentity types.X25519Private,
	baseKey types.X25519Private,
	peerIdentity types.X25519Public,
	peerOneTimeKey types.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(ourIdentity, peerOneTimeKey)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(baseKey, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(baseKey, peerOneTimeKey)
	if err != nil {
		return nil, err
	}
	return derive(dh1, dh2, dh3), nil
}

// ResponderSecret derives the same root key from the receiving side.
func ResponderSecret(
	ourIdentity types.X25519Private,
	oneTimeKey types.X25519Private,
	peerIdentity types.X25519Public,
	peerBaseKey types.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(oneTimeKey, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourIdentity, peerBaseKey)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(oneTimeKey, peerBaseKey)
	if err != nil {
		return nil, err
	}
	return derive(dh1, dh2, dh3), nil
}

// VerifyOneTimeKey checks a claimed one-time key against the owner's signing
// key and returns the decoded Curve25519 public.
func VerifyOneTimeKey(signing types.Ed25519Public, otk types.SignedOneTimeKey) (types.X25519Public, error) {
	pub, err := crypto.DecodeX25519(otk.Key)
	if err != nil {
		return pub, err
	}
	sig, err := crypto.UnB64(otk.Signature)
	if err != nil {
		return pub, ErrBadOneTimeKey
	}
	if !crypto.VerifyEd25519(signing, []byte(otk.Key), sig) {
		return pub, ErrBadOneTimeKey
	}
	return pub, nil
}

// SignOneTimeKey signs the base64 form of pub.
func SignOneTimeKey(signing types.Ed25519Private, id string, pub types.X25519Public) types.SignedOneTimeKey {
	key := crypto.B64(pub[:])
	return types.SignedOneTimeKey{
		KeyID:     id,
		Key:       key,
		Signature: crypto.B64(crypto.SignEd25519(signing, []byte(key))),
	}
}

func derive(parts ...[32]byte) []byte {
	ikm := make([]byte, 0, 32*len(parts))
	for _, p := range parts {
		ikm = append(ikm, p[:]...)
	}
	root := make([]byte, 32)
	_, _ = io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(rootInfo)), root)
	memzero.Zero(ikm)
	return root
}
