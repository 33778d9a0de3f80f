package types

import (
	"errors"
	"strings"
)

// UserID is a Matrix user identifier such as @alice:example.org.
type UserID string

// String returns the string form of the user identifier.
func (u UserID) String() string { return string(u) }

// Server returns the homeserver part of the user identifier.
func (u UserID) Server() string {
	_, server, ok := strings.Cut(string(u), ":")
	if !ok {
		return ""
	}
	return server
}

// DeviceID identifies one device of a user.
type DeviceID string

// String returns the string form of the device identifier.
func (d DeviceID) String() string { return string(d) }

// RoomID identifies a room.
type RoomID string

// String returns the string form of the room identifier.
func (r RoomID) String() string { return string(r) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

var errBadDeviceKey = errors.New("device key must be user|device")

// DeviceKey is the flat composite key for per-device state.
type DeviceKey struct {
	UserID   UserID
	DeviceID DeviceID
}

// String returns the key as user|device.
func (k DeviceKey) String() string { return string(k.UserID) + "|" + string(k.DeviceID) }

// MarshalText lets DeviceKey act as a JSON object key.
func (k DeviceKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses user|device.
func (k *DeviceKey) UnmarshalText(b []byte) error {
	user, device, ok := strings.Cut(string(b), "|")
	if !ok || user == "" || device == "" {
		return errBadDeviceKey
	}
	k.UserID, k.DeviceID = UserID(user), DeviceID(device)
	return nil
}
