// Package ratchet implements the Double Ratchet that carries pairwise Olm
// traffic between two devices.
//
// The state holds a root key and two KDF chains. Each message advances its
// chain; a new remote ratchet key steps the root. Out-of-order messages are
// served from a bounded store of skipped message keys.
//
// Concurrency: RatchetState is NOT safe for concurrent use. Callers must
// serialise access per peer device.
package ratchet
