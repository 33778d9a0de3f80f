package domain

import (
	interfaces "groupcrypt/internal/domain/interfaces"
	types "groupcrypt/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID                  = types.UserID
	DeviceID                = types.DeviceID
	RoomID                  = types.RoomID
	DeviceKey               = types.DeviceKey
	Fingerprint             = types.Fingerprint
	Identity                = types.Identity
	Account                 = types.Account
	OneTimeKeyPair          = types.OneTimeKeyPair
	SignedOneTimeKey        = types.SignedOneTimeKey
	DeviceInfo              = types.DeviceInfo
	TrustLevel              = types.TrustLevel
	HistoryVisibility       = types.HistoryVisibility
	ClaimResult             = types.ClaimResult
	MegolmRatchet           = types.MegolmRatchet
	SharedWithDevice        = types.SharedWithDevice
	OutboundGroupSession    = types.OutboundGroupSession
	InboundGroupSession     = types.InboundGroupSession
	KeyTrust                = types.KeyTrust
	ParkedKey               = types.ParkedKey
	OutgoingRoomKeyRequest  = types.OutgoingRoomKeyRequest
	SessionProblem          = types.SessionProblem
	WithheldCode            = types.WithheldCode
	WithheldRecord          = types.WithheldRecord
	InboundWithheld         = types.InboundWithheld
	RoomKeyContent          = types.RoomKeyContent
	ForwardedRoomKeyContent = types.ForwardedRoomKeyContent
	WithheldContent         = types.WithheldContent
	RoomKeyRequestBody      = types.RoomKeyRequestBody
	RoomKeyRequestContent   = types.RoomKeyRequestContent
	OlmCiphertext           = types.OlmCiphertext
	OlmEncryptedContent     = types.OlmEncryptedContent
	MegolmEncryptedContent  = types.MegolmEncryptedContent
	ToDeviceEvent           = types.ToDeviceEvent
	EncryptedEvent          = types.EncryptedEvent
	DecryptedEvent          = types.DecryptedEvent
	DecryptionCode          = types.DecryptionCode
	DecryptionError         = types.DecryptionError
	SessionStoreError       = types.SessionStoreError
	NoViableChannelError    = types.NoViableChannelError
	RatchetHeader           = types.RatchetHeader
	RatchetState            = types.RatchetState
	PreKeyMessage           = types.PreKeyMessage
	PairwiseSession         = types.PairwiseSession
	X25519Public            = types.X25519Public
	X25519Private           = types.X25519Private
	Ed25519Public           = types.Ed25519Public
	Ed25519Private          = types.Ed25519Private
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	DeviceList           = interfaces.DeviceList
	KeyDirectory         = interfaces.KeyDirectory
	OneTimeKeyClaimer    = interfaces.OneTimeKeyClaimer
	PairwiseChannel      = interfaces.PairwiseChannel
	ToDeviceSender       = interfaces.ToDeviceSender
	RoomState            = interfaces.RoomState
	GroupSessionStore    = interfaces.GroupSessionStore
	SessionProblemStore  = interfaces.SessionProblemStore
	KeyRequestStore      = interfaces.KeyRequestStore
	AccountStore         = interfaces.AccountStore
	PairwiseSessionStore = interfaces.PairwiseSessionStore
)
