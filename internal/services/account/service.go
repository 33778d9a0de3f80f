package account

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unicode"

	"groupcrypt/internal/crypto"
	"groupcrypt/internal/domain"
	"groupcrypt/internal/protocol/x3dh"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
	// ErrNoAccount is returned by Load when nothing has been created yet.
	ErrNoAccount = errors.New("no account; run init first")
	// ErrAccountExists is returned by Create when an account is already stored.
	ErrAccountExists = errors.New("account already exists")
)

// Service owns the unlocked account for the lifetime of the process.
//
// The account contains:
//   - a Curve25519 identity key, the device's address for pairwise channels;
//   - an Ed25519 key that signs one-time keys and claims room keys;
//   - unclaimed one-time keys with their private halves.
type Service struct {
	store      domain.AccountStore
	passphrase string

	mu  sync.Mutex
	acc domain.Account
}

// New returns an account service that seals the account with passphrase.
func New(store domain.AccountStore, passphrase string) *Service {
	return &Service{store: store, passphrase: passphrase}
}

// Create generates a new device account, saves it and returns the identity
// fingerprint.
func (s *Service) Create(user domain.UserID, device domain.DeviceID) (domain.Account, domain.Fingerprint, error) {
	if !isSecurePassphrase(s.passphrase) {
		return domain.Account{}, "", ErrWeakPassphrase
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok, err := s.store.LoadAccount(s.passphrase); err != nil {
		return domain.Account{}, "", err
	} else if ok {
		return domain.Account{}, "", ErrAccountExists
	}

	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Account{}, "", err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Account{}, "", err
	}

	acc := domain.Account{
		UserID:   user,
		DeviceID: device,
		Identity: domain.Identity{
			XPub:   xPub,
			XPriv:  xPriv,
			EdPub:  edPub,
			EdPriv: edPriv,
		},
		OneTimeKeys: make(map[string]domain.OneTimeKeyPair),
	}
	if err := s.store.SaveAccount(s.passphrase, acc); err != nil {
		return domain.Account{}, "", err
	}
	s.acc = acc
	return acc, domain.Fingerprint(crypto.Fingerprint(edPub)), nil
}

// Load unlocks the stored account.
func (s *Service) Load() (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok, err := s.store.LoadAccount(s.passphrase)
	if err != nil {
		return domain.Account{}, err
	}
	if !ok {
		return domain.Account{}, ErrNoAccount
	}
	if acc.OneTimeKeys == nil {
		acc.OneTimeKeys = make(map[string]domain.OneTimeKeyPair)
	}
	s.acc = acc
	return acc, nil
}

// Identity returns the unlocked identity keys.
func (s *Service) Identity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc.Identity
}

// DeviceInfo returns the device as it is published.
func (s *Service) DeviceInfo() domain.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.DeviceInfo{
		UserID:      s.acc.UserID,
		DeviceID:    s.acc.DeviceID,
		IdentityKey: crypto.B64(s.acc.Identity.XPub[:]),
		SigningKey:  crypto.B64(s.acc.Identity.EdPub[:]),
	}
}

// Fingerprint returns the signing key as people compare it.
func (s *Service) Fingerprint() domain.Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Fingerprint(crypto.Fingerprint(s.acc.Identity.EdPub))
}

// GenerateOneTimeKeys adds n signed one-time keys to the account and returns
// their public halves.
func (s *Service) GenerateOneTimeKeys(n int) ([]domain.SignedOneTimeKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.SignedOneTimeKey, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		s.acc.NextKeyID++
		id := keyID(s.acc.NextKeyID)
		s.acc.OneTimeKeys[id] = domain.OneTimeKeyPair{ID: id, Priv: priv, Pub: pub}
		out = append(out, x3dh.SignOneTimeKey(s.acc.Identity.EdPriv, id, pub))
	}
	if err := s.store.SaveAccount(s.passphrase, s.acc); err != nil {
		return nil, err
	}
	return out, nil
}

// OneTimeKey returns an unclaimed one-time key by id.
func (s *Service) OneTimeKey(id string) (domain.OneTimeKeyPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.acc.OneTimeKeys[id]
	return k, ok
}

// RemoveOneTimeKey forgets a one-time key once a session was built from it.
func (s *Service) RemoveOneTimeKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.acc.OneTimeKeys[id]; !ok {
		return nil
	}
	delete(s.acc.OneTimeKeys, id)
	return s.store.SaveAccount(s.passphrase, s.acc)
}

// Publish uploads the device keys together with n fresh one-time keys.
func (s *Service) Publish(ctx context.Context, dir domain.KeyDirectory, n int) error {
	otks, err := s.GenerateOneTimeKeys(n)
	if err != nil {
		return err
	}
	return dir.UploadKeys(ctx, s.DeviceInfo(), otks)
}

// keyID renders a counter the way Matrix key ids look.
func keyID(n int) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return crypto.B64(b[:])
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}
