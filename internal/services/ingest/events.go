package ingest

import (
	"encoding/json"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
)

// KeyEvent is one of RoomKeyEvent, ForwardedRoomKeyEvent or WithheldEvent.
// The set is closed: only this package can add variants.
type KeyEvent interface {
	keyEvent()
}

// RoomKeyEvent is an m.room_key received from the session's creator.
type RoomKeyEvent struct {
	Sender         domain.UserID
	SenderKey      string
	ClaimedEd25519 string
	Content        domain.RoomKeyContent
}

// ForwardedRoomKeyEvent is an m.forwarded_room_key. SenderKey is the
// forwarding device's identity key.
type ForwardedRoomKeyEvent struct {
	Sender       domain.UserID
	SenderDevice domain.DeviceID
	SenderKey    string
	Content      domain.ForwardedRoomKeyContent
}

// WithheldEvent is an m.room_key.withheld notice.
type WithheldEvent struct {
	Sender  domain.UserID
	Content domain.WithheldContent
}

func (RoomKeyEvent) keyEvent()          {}
func (ForwardedRoomKeyEvent) keyEvent() {}
func (WithheldEvent) keyEvent()         {}

// unstableSharedHistory is the pre-stable name of the shared_history flag.
type unstableSharedHistory struct {
	SharedHistory *bool `json:"org.matrix.msc3061.shared_history"`
}

// Parse validates ev and returns its variant. The error wraps
// types.ErrMalformedEvent.
func Parse(ev domain.ToDeviceEvent) (KeyEvent, error) {
	switch ev.Type {
	case types.EventRoomKey:
		return parseRoomKey(ev)
	case types.EventForwardedRoomKey:
		return parseForwarded(ev)
	case types.EventRoomKeyWithheld:
		return parseWithheld(ev)
	default:
		return nil, types.Malformed("not a key event: %s", ev.Type)
	}
}

func decode(raw json.RawMessage, into any) (bool, error) {
	if err := json.Unmarshal(raw, into); err != nil {
		return false, types.Malformed("bad content: %v", err)
	}
	var u unstableSharedHistory
	_ = json.Unmarshal(raw, &u)
	return u.SharedHistory != nil && *u.SharedHistory, nil
}

func parseRoomKey(ev domain.ToDeviceEvent) (KeyEvent, error) {
	if !ev.Encrypted() {
		return nil, types.Malformed("m.room_key arrived in the clear")
	}
	var c domain.RoomKeyContent
	unstable, err := decode(ev.Content, &c)
	if err != nil {
		return nil, err
	}
	c.SharedHistory = c.SharedHistory || unstable
	if c.Algorithm != types.AlgorithmMegolm || c.RoomID == "" || c.SessionID == "" || c.SessionKey == "" {
		return nil, types.Malformed("m.room_key missing fields")
	}
	return RoomKeyEvent{Sender: ev.Sender, SenderKey: ev.SenderKey, ClaimedEd25519: ev.ClaimedEd25519, Content: c}, nil
}

func parseForwarded(ev domain.ToDeviceEvent) (KeyEvent, error) {
	if !ev.Encrypted() {
		return nil, types.Malformed("m.forwarded_room_key arrived in the clear")
	}
	var c domain.ForwardedRoomKeyContent
	unstable, err := decode(ev.Content, &c)
	if err != nil {
		return nil, err
	}
	c.SharedHistory = c.SharedHistory || unstable
	if c.Algorithm != types.AlgorithmMegolm || c.RoomID == "" || c.SessionID == "" || c.SessionKey == "" {
		return nil, types.Malformed("m.forwarded_room_key missing fields")
	}
	if c.SenderKey == "" || c.SenderClaimedEd25519Key == "" {
		return nil, types.Malformed("m.forwarded_room_key missing sender keys")
	}
	return ForwardedRoomKeyEvent{Sender: ev.Sender, SenderDevice: ev.SenderDevice, SenderKey: ev.SenderKey, Content: c}, nil
}

func parseWithheld(ev domain.ToDeviceEvent) (KeyEvent, error) {
	var c domain.WithheldContent
	if _, err := decode(ev.Content, &c); err != nil {
		return nil, err
	}
	if c.Code == "" || c.SenderKey == "" {
		return nil, types.Malformed("m.room_key.withheld missing code or sender_key")
	}
	if c.Code != types.WithheldNoOlm && (c.RoomID == "" || c.SessionID == "") {
		return nil, types.Malformed("m.room_key.withheld %s missing room or session", c.Code)
	}
	return WithheldEvent{Sender: ev.Sender, Content: c}, nil
}
