// Package commands defines the groupcrypt CLI.
//
// Commands
//
//   - init           Create the device account and save its config
//   - fingerprint    Print the device fingerprint
//   - register       Publish device keys and one-time keys to the relay
//   - room           Create, invite to, join and leave rooms
//   - send           Encrypt and post a message to a room
//   - recv           Sync room keys and decrypt a room's timeline
//   - share-history  Forward shared-history room keys to an invited user
//   - sessions       List the inbound group sessions held for a room
//
// # Implementation
//
// The root command loads the config (TOML file, .env, GROUPCRYPT_* variables)
// before any subcommand runs. Commands that talk to the relay unlock the
// account and build the full device over an HTTP relay client.
package commands
