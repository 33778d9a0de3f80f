// Package app wires one device for the CLI and tests.
//
// Config is read from TOML, a .env file and GROUPCRYPT_* variables.
// OpenDevice unlocks the account, opens the group session store chosen by
// the config and builds the Olm channel, broker, key ingest, decryption and
// outbound services around a Transport. The in-process relay hub and the
// HTTP relay client both satisfy Transport.
package app
