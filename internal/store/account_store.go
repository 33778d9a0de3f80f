package store

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"groupcrypt/internal/domain"
)

const accountFilename = "account.json.enc"

// AccountFileStore persists the device account, sealed with a passphrase.
type AccountFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewAccountFileStore returns an AccountFileStore rooted at dir.
func NewAccountFileStore(dir string) *AccountFileStore {
	return &AccountFileStore{dir: dir}
}

// SaveAccount writes the encrypted account to disk.
func (s *AccountFileStore) SaveAccount(passphrase string, account domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}
	N, r, p := scryptParamsDefault()
	ct, err := encrypt(passphrase, raw, N, r, p)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, accountFilename), ct, 0o600)
}

// LoadAccount reads and decrypts the account. A missing file reports false.
func (s *AccountFileStore) LoadAccount(passphrase string) (domain.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(filepath.Join(s.dir, accountFilename))
	if err != nil || b == nil {
		return domain.Account{}, false, err
	}
	pt, err := decrypt(passphrase, b)
	if err != nil {
		return domain.Account{}, false, err
	}
	var account domain.Account
	if err := json.Unmarshal(pt, &account); err != nil {
		return domain.Account{}, false, err
	}
	return account, true, nil
}

// Compile-time assertion that AccountFileStore implements domain.AccountStore.
var _ domain.AccountStore = (*AccountFileStore)(nil)
