// Package olmbroker makes sure pairwise channels exist to a set of devices
// before room keys are sent over them.
//
// EnsureChannels runs a single one-time-key claim round bounded by a
// timeout. Devices on servers that failed the claim are reported together
// with the server so callers can retry just those servers later. A device
// that is already being set up by a concurrent call is not claimed again;
// the second caller waits for the first round's outcome.
package olmbroker
