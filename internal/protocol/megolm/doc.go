// Package megolm implements the Megolm group ratchet.
//
// A session is a 128-byte hash ratchet R(0)..R(3) plus a 32-bit counter and
// an Ed25519 key pair. Each message key is derived from the ratchet at one
// counter value, so a receiver holding the ratchet at index i can decrypt
// every message from i onwards but none before it.
//
// Ratchet advancement follows the published algorithm: R(j) is rehashed
// every 2^(8*(3-j)) steps with HMAC-SHA256 keyed by the part itself, and the
// parts below it are reseeded from it.
//
// # Formats
//
// Session keys (shared in m.room_key) are version 2 and signed by the session
// key. Exported keys (m.forwarded_room_key) are version 1 and unsigned.
// Messages are version 3: a protobuf-style body holding the message index and
// AES-256-CBC ciphertext, an 8-byte truncated HMAC-SHA256 and an Ed25519
// signature.
//
// Concurrency: the ratchet types are NOT safe for concurrent use. Callers
// serialise access per session.
package megolm
