package types

// WithheldCode is why a device did not get a room key.
type WithheldCode string

const (
	WithheldBlacklisted WithheldCode = "m.blacklisted"
	WithheldUnverified  WithheldCode = "m.unverified"
	WithheldNoOlm       WithheldCode = "m.no_olm"
	WithheldUnavailable WithheldCode = "m.unavailable"
)

// Reason is the human-readable text sent alongside the code.
func (c WithheldCode) Reason() string {
	switch c {
	case WithheldBlacklisted:
		return "You have been blocked by the sender"
	case WithheldUnverified:
		return "The sender has disabled encrypting to unverified devices."
	case WithheldNoOlm:
		return "Unable to establish a secure channel."
	case WithheldUnavailable:
		return "The sender does not have the key."
	default:
		return "The sender has withheld the key."
	}
}

// WithheldRecord marks that a device was told why it will not get a session.
// SessionID is empty for m.no_olm, which is not session-specific.
type WithheldRecord struct {
	SessionID string       `json:"session_id"`
	Device    DeviceKey    `json:"device"`
	Code      WithheldCode `json:"code"`
	Notified  bool         `json:"notified"`
}

// InboundWithheld is a withheld notice received from a sender.
type InboundWithheld struct {
	RoomID    RoomID       `json:"room_id"`
	SenderKey string       `json:"sender_key"`
	SessionID string       `json:"session_id"`
	Code      WithheldCode `json:"code"`
	Reason    string       `json:"reason"`
}
