// Package pairwise is the reference pairwise channel: one encrypted channel
// per peer device, keyed by the peer's Curve25519 identity key.
//
// A channel is opened by claiming one of the peer's signed one-time keys and
// running the triple Diffie-Hellman handshake. Until the peer answers, every
// message carries the handshake parameters (type 0) so the peer can build
// the same session from any of them. After the first reply messages are type
// 1. Both directions run over the double ratchet.
//
// Every plaintext names its sender, recipient and their Ed25519 keys; Decrypt
// rejects messages whose payload does not match the transport.
package pairwise
