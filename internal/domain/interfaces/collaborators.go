package interfaces

import (
	"context"
	"time"

	domaintypes "groupcrypt/internal/domain/types"
)

// DeviceList is the local view of other users' devices and their trust.
type DeviceList interface {
	DownloadKeys(
		ctx context.Context,
		users []domaintypes.UserID,
		force bool,
	) (map[domaintypes.DeviceKey]domaintypes.DeviceInfo, error)
	DeviceTrust(device domaintypes.DeviceKey) domaintypes.TrustLevel
	DeviceByIdentityKey(identityKey string) (domaintypes.DeviceInfo, bool)
}

// KeyDirectory publishes and queries device keys on the homeserver.
type KeyDirectory interface {
	UploadKeys(
		ctx context.Context,
		device domaintypes.DeviceInfo,
		oneTimeKeys []domaintypes.SignedOneTimeKey,
	) error
	QueryKeys(
		ctx context.Context,
		users []domaintypes.UserID,
	) (map[domaintypes.UserID][]domaintypes.DeviceInfo, error)
}

// OneTimeKeyClaimer claims one-time keys. Servers that do not answer within
// timeout are reported in ClaimResult.Failures.
type OneTimeKeyClaimer interface {
	ClaimOneTimeKeys(
		ctx context.Context,
		devices []domaintypes.DeviceKey,
		timeout time.Duration,
	) (domaintypes.ClaimResult, error)
}

// PairwiseChannel is the Olm primitive: one encrypted channel per peer
// device, keyed by the peer's identity key.
type PairwiseChannel interface {
	IdentityKey() string
	SigningKey() string
	HasSession(identityKey string) (bool, error)
	CreateOutboundSession(device domaintypes.DeviceInfo, oneTimeKey domaintypes.SignedOneTimeKey) error
	Encrypt(
		device domaintypes.DeviceInfo,
		eventType string,
		content any,
	) (domaintypes.OlmEncryptedContent, error)
	Decrypt(
		sender domaintypes.UserID,
		content domaintypes.OlmEncryptedContent,
	) (domaintypes.ToDeviceEvent, error)
}

// ToDeviceSender delivers one to-device message per recipient device.
type ToDeviceSender interface {
	SendToDevice(
		ctx context.Context,
		eventType string,
		messages map[domaintypes.DeviceKey]any,
	) error
}

// RoomState answers membership and configuration questions about rooms.
type RoomState interface {
	HistoryVisibility(room domaintypes.RoomID) domaintypes.HistoryVisibility
	IsKnownRoom(room domaintypes.RoomID) bool
	InviterOf(room domaintypes.RoomID) (domaintypes.UserID, bool)
	EncryptionTargetMembers(ctx context.Context, room domaintypes.RoomID) ([]domaintypes.UserID, error)
	BlacklistUnverified(room domaintypes.RoomID) bool
}
