package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"

	"groupcrypt/internal/domain/types"
)

// B64 returns unpadded standard base64, the encoding Matrix uses for keys.
func B64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

// UnB64 decodes unpadded base64, tolerating trailing padding.
func UnB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// DecodeX25519 parses a base64 Curve25519 public key.
func DecodeX25519(s string) (out types.X25519Public, err error) {
	b, err := UnB64(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("curve25519 key: want %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

// DecodeEd25519 parses a base64 Ed25519 public key.
func DecodeEd25519(s string) (out types.Ed25519Public, err error) {
	b, err := UnB64(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("ed25519 key: want %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}
