package interfaces

import (
	"time"

	domaintypes "groupcrypt/internal/domain/types"
)

// GroupSessionStore persists Megolm session material, withheld records and
// parked shared-history keys.
type GroupSessionStore interface {
	SaveOutbound(session domaintypes.OutboundGroupSession) error
	LoadOutbound(room domaintypes.RoomID) (domaintypes.OutboundGroupSession, bool, error)
	DeleteOutbound(room domaintypes.RoomID) error

	// AddInbound stores session unless a record for the same
	// (room, sender key, session id) is at least as good. It reports whether
	// the record was written.
	AddInbound(session domaintypes.InboundGroupSession) (bool, error)
	GetInbound(
		room domaintypes.RoomID,
		senderKey string,
		sessionID string,
	) (domaintypes.InboundGroupSession, bool, error)
	ListInbound(room domaintypes.RoomID) ([]domaintypes.InboundGroupSession, error)

	StoreWithheld(withheld domaintypes.InboundWithheld) error
	GetWithheld(
		room domaintypes.RoomID,
		senderKey string,
		sessionID string,
	) (domaintypes.InboundWithheld, bool, error)
	MarkWithheldNotified(records []domaintypes.WithheldRecord) error
	WithheldNotified(sessionID string, device domaintypes.DeviceKey) (bool, error)

	ParkKey(parked domaintypes.ParkedKey) error
	TakeParkedKeys(room domaintypes.RoomID) ([]domaintypes.ParkedKey, error)

	Close() error
}

// SessionProblemStore tracks pairwise-channel problems per identity key.
type SessionProblemStore interface {
	RecordSessionProblem(problem domaintypes.SessionProblem) error
	SessionMayHaveProblems(identityKey string, since time.Time) (domaintypes.SessionProblem, bool, error)
}

// AccountStore persists the local device account, encrypted at rest.
type AccountStore interface {
	SaveAccount(passphrase string, account domaintypes.Account) error
	LoadAccount(passphrase string) (domaintypes.Account, bool, error)
}

// PairwiseSessionStore keeps per-peer ratchet state.
type PairwiseSessionStore interface {
	SavePairwiseSession(session domaintypes.PairwiseSession) error
	LoadPairwiseSession(identityKey string) (domaintypes.PairwiseSession, bool, error)
}

// KeyRequestStore remembers outgoing room key requests by their target
// session.
type KeyRequestStore interface {
	SaveKeyRequest(request domaintypes.OutgoingRoomKeyRequest) error
	FindKeyRequest(body domaintypes.RoomKeyRequestBody) (domaintypes.OutgoingRoomKeyRequest, bool, error)
	DeleteKeyRequest(body domaintypes.RoomKeyRequestBody) error
}
