package types

// TrustLevel is the local verification state of a device.
type TrustLevel int

const (
	TrustUnverified TrustLevel = iota
	TrustVerified
	TrustBlocked
)

// String returns a short label for logs.
func (t TrustLevel) String() string {
	switch t {
	case TrustVerified:
		return "verified"
	case TrustBlocked:
		return "blocked"
	default:
		return "unverified"
	}
}

// DeviceInfo is a device as published in the key directory. Keys are
// unpadded base64.
type DeviceInfo struct {
	UserID      UserID   `json:"user_id"`
	DeviceID    DeviceID `json:"device_id"`
	IdentityKey string   `json:"curve25519"`
	SigningKey  string   `json:"ed25519"`
}

// Key returns the device's composite key.
func (d DeviceInfo) Key() DeviceKey { return DeviceKey{UserID: d.UserID, DeviceID: d.DeviceID} }

// HistoryVisibility is a room's history_visibility setting.
type HistoryVisibility string

const (
	VisibilityWorldReadable HistoryVisibility = "world_readable"
	VisibilityShared        HistoryVisibility = "shared"
	VisibilityInvited       HistoryVisibility = "invited"
	VisibilityJoined        HistoryVisibility = "joined"
)

// SharesHistory reports whether keys for the room may be given to new members.
func (v HistoryVisibility) SharesHistory() bool {
	return v == VisibilityWorldReadable || v == VisibilityShared
}

// ClaimResult is the answer to a one-time-key claim. Failures holds the
// servers that did not answer in time, keyed by server name.
type ClaimResult struct {
	Keys     map[DeviceKey]SignedOneTimeKey
	Failures map[string]error
}
