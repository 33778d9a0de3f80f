// Package main runs the in-memory relay used by groupcrypt during development
// and tests. It stands in for a homeserver: a device directory with one-time
// key claims, to-device inboxes, and rooms with membership, history
// visibility and a timeline of encrypted events.
//
// HTTP API
//
//	POST /v1/keys/upload
//	    Publish device keys and add one-time keys.
//
//	POST /v1/keys/query
//	    Return the published devices of the given users.
//
//	POST /v1/keys/claim
//	    Claim one one-time key per device. Devices on unreachable servers are
//	    reported per server under "failures".
//
//	PUT /v1/devices/{user}/{device}/send/{type}
//	    Queue to-device messages from {user}|{device}.
//
//	GET /v1/devices/{user}/{device}/inbox
//	    Drain the device's to-device inbox.
//
//	POST /v1/rooms
//	POST /v1/rooms/{room}/invite | join | leave
//	PUT  /v1/rooms/{room}/history_visibility
//	GET  /v1/rooms/{room}/state?user=
//	    Room membership and state as seen by one user.
//
//	POST /v1/rooms/{room}/events
//	GET  /v1/rooms/{room}/events?since=N
//	    Append to and read the room timeline.
//
//	GET /healthz, GET /metrics
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Responses are JSON. Non-2xx statuses carry a short error message.
//   - Requests are rate limited per client IP and access logged.
//   - Settings come from the [relay] table of the file named by
//     GROUPCRYPT_CONFIG and GROUPCRYPT_* variables; the default listen
//     address is :8080.
//
// The relay never sees plaintext or private keys; it only stores public
// device keys and ciphertext.
package main
