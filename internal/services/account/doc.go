// Package account manages the local device account.
//
// It enforces the passphrase policy, generates the device's Curve25519
// identity key and Ed25519 signing key, and keeps a pool of signed one-time
// keys that peers claim to open pairwise channels. The account is persisted
// encrypted through a domain.AccountStore.
package account
