package types

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent marks an inbound event that is missing a required
	// field or failed validation. Such events are dropped.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUntrustedProvenance marks a forwarded key that failed the
	// acceptance policy.
	ErrUntrustedProvenance = errors.New("untrusted key provenance")

	// ErrNoViableChannel marks a device no pairwise channel could be
	// established to.
	ErrNoViableChannel = errors.New("no viable pairwise channel")

	// ErrSessionStore is matched by every SessionStoreError.
	ErrSessionStore = errors.New("session store failure")
)

// Malformed wraps a validation failure as ErrMalformedEvent.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// SessionStoreError is a storage backend failure during an operation.
type SessionStoreError struct {
	Op  string
	Err error
}

func (e *SessionStoreError) Error() string {
	return fmt.Sprintf("session store %s: %v", e.Op, e.Err)
}

func (e *SessionStoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSessionStore) match.
func (e *SessionStoreError) Is(target error) bool { return target == ErrSessionStore }

// NoViableChannelError reports a device whose channel setup failed and the
// server it lives on.
type NoViableChannelError struct {
	Device DeviceKey
	Server string
	Err    error
}

func (e *NoViableChannelError) Error() string {
	return fmt.Sprintf("no pairwise channel to %s (server %s): %v", e.Device, e.Server, e.Err)
}

func (e *NoViableChannelError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNoViableChannel) match.
func (e *NoViableChannelError) Is(target error) bool { return target == ErrNoViableChannel }

// DecryptionCode classifies a room-event decryption failure.
type DecryptionCode string

const (
	CodeMissingFields       DecryptionCode = "MEGOLM_MISSING_FIELDS"
	CodeUnknownSession      DecryptionCode = "MEGOLM_UNKNOWN_INBOUND_SESSION_ID"
	CodeKeyWithheld         DecryptionCode = "MEGOLM_KEY_WITHHELD"
	CodeUnknownIndex        DecryptionCode = "OLM_UNKNOWN_MESSAGE_INDEX"
	CodeBadRoom             DecryptionCode = "MEGOLM_BAD_ROOM"
	CodeReplayedIndex       DecryptionCode = "MEGOLM_REPLAYED_INDEX"
	CodeBadEncryptedMessage DecryptionCode = "MEGOLM_BAD_ENCRYPTED_MESSAGE"
)

// DecryptionError is returned to the message layer. It carries the session
// so the caller can request keys or explain the failure.
type DecryptionError struct {
	Code      DecryptionCode
	Detail    string
	SenderKey string
	SessionID string
	Withheld  WithheldCode
	Err       error
}

func (e *DecryptionError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *DecryptionError) Unwrap() error { return e.Err }
