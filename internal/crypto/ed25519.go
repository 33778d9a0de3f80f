package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"groupcrypt/internal/domain/types"
)

// GenerateEd25519 returns a new Ed25519 signing key pair.
func GenerateEd25519() (priv types.Ed25519Private, pub types.Ed25519Public, err error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	return priv, pub, nil
}

// PublicFromPrivate returns the public half of an Ed25519 private key.
func PublicFromPrivate(priv types.Ed25519Private) (pub types.Ed25519Public) {
	copy(pub[:], priv[32:])
	return pub
}

// SignEd25519 signs msg with priv and returns the signature.
func SignEd25519(priv types.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// VerifyEd25519 verifies sig over msg with pub.
func VerifyEd25519(pub types.Ed25519Public, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}
