package store

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
)

// fileBackend keeps each bucket as one JSON object on disk. Values are raw
// JSON documents so the files stay readable.
type fileBackend struct {
	dir string
	mu  sync.Mutex
}

func (b *fileBackend) path(bucket string) string {
	return filepath.Join(b.dir, bucket+".json")
}

func (b *fileBackend) load(bucket string) (map[string]json.RawMessage, error) {
	m := make(map[string]json.RawMessage)
	if err := readJSON(b.path(bucket), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (b *fileBackend) get(bucket, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.load(bucket)
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

func (b *fileBackend) put(bucket, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.load(bucket)
	if err != nil {
		return err
	}
	m[key] = json.RawMessage(value)
	return writeJSON(b.path(bucket), m, 0o600)
}

func (b *fileBackend) delete(bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.load(bucket)
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return writeJSON(b.path(bucket), m, 0o600)
}

func (b *fileBackend) scan(bucket, prefix string) (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.load(bucket)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for k, v := range m {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (b *fileBackend) close() error { return nil }
