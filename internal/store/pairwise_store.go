package store

import (
	"path/filepath"
	"sync"

	"groupcrypt/internal/domain"
)

const pairwiseFilename = "pairwise_sessions.json"

// PairwiseFileStore keeps one ratchet session per peer identity key.
type PairwiseFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewPairwiseFileStore returns a PairwiseFileStore rooted at dir.
func NewPairwiseFileStore(dir string) *PairwiseFileStore {
	return &PairwiseFileStore{dir: dir}
}

// SavePairwiseSession stores or replaces the session for its peer.
func (s *PairwiseFileStore) SavePairwiseSession(session domain.PairwiseSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, pairwiseFilename)
	sessions := make(map[string]domain.PairwiseSession)
	if err := readJSON(path, &sessions); err != nil {
		return err
	}
	sessions[session.PeerIdentityKey] = session
	return writeJSON(path, sessions, 0o600)
}

// LoadPairwiseSession returns the session for identityKey, if any.
func (s *PairwiseFileStore) LoadPairwiseSession(identityKey string) (domain.PairwiseSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make(map[string]domain.PairwiseSession)
	if err := readJSON(filepath.Join(s.dir, pairwiseFilename), &sessions); err != nil {
		return domain.PairwiseSession{}, false, err
	}
	session, ok := sessions[identityKey]
	return session, ok, nil
}

// Compile-time assertion that PairwiseFileStore implements domain.PairwiseSessionStore.
var _ domain.PairwiseSessionStore = (*PairwiseFileStore)(nil)
