package types

import "time"

// OutgoingRoomKeyRequest is a key request we sent and have not cancelled.
type OutgoingRoomKeyRequest struct {
	RequestID  string             `json:"request_id"`
	Body       RoomKeyRequestBody `json:"body"`
	Recipients []DeviceKey        `json:"recipients"`
	SentAt     time.Time          `json:"sent_at"`
}
