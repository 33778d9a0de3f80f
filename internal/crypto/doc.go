// Package crypto exposes the minimal primitives shared by the protocol and
// service packages.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Unpadded base64 helpers for keys on the wire (B64, UnB64,
//     DecodeX25519, DecodeEd25519)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// All functions return fixed-size array types defined in internal/domain/types
// to avoid accidental reallocations.
package crypto
