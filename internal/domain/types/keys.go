package types

import (
	"encoding/base64"
	"fmt"
)

// Public keys are stored and sent as unpadded base64, the form devices
// publish them in.

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

func (p X25519Public) MarshalText() ([]byte, error) { return marshalKey(p[:]), nil }

func (p *X25519Public) UnmarshalText(b []byte) error { return unmarshalKey(p[:], b, "curve25519") }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

func (p Ed25519Public) MarshalText() ([]byte, error) { return marshalKey(p[:]), nil }

func (p *Ed25519Public) UnmarshalText(b []byte) error { return unmarshalKey(p[:], b, "ed25519") }

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

func marshalKey(k []byte) []byte {
	out := make([]byte, base64.RawStdEncoding.EncodedLen(len(k)))
	base64.RawStdEncoding.Encode(out, k)
	return out
}

func unmarshalKey(dst, b []byte, alg string) error {
	if n := base64.RawStdEncoding.DecodedLen(len(b)); n != len(dst) {
		return fmt.Errorf("%s key: %d bytes, want %d", alg, n, len(dst))
	}
	if _, err := base64.RawStdEncoding.Decode(dst, b); err != nil {
		return fmt.Errorf("%s key: %w", alg, err)
	}
	return nil
}
