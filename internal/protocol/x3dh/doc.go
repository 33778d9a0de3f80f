// Package x3dh derives the root key that bootstraps an Olm session.
//
// The initiator combines its identity key and a fresh base key with the
// responder's identity key and one of its signed one-time keys:
//
//	DH(IA, OB) || DH(EA, IB) || DH(EA, OB)
//
// The responder computes the same three values from its side. There is no
// signed pre-key; the one-time key signature is checked before use.
package x3dh
