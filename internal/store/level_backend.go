package store

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// levelBackend maps buckets onto key prefixes of a single LevelDB.
type levelBackend leveldb.DB

func levelKey(bucket, key string) []byte {
	return []byte(bucket + "/" + key)
}

func (db *levelBackend) get(bucket, key string) ([]byte, bool, error) {
	v, err := (*leveldb.DB)(db).Get(levelKey(bucket, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (db *levelBackend) put(bucket, key string, value []byte) error {
	return (*leveldb.DB)(db).Put(levelKey(bucket, key), value, &opt.WriteOptions{Sync: true})
}

func (db *levelBackend) delete(bucket, key string) error {
	return (*leveldb.DB)(db).Delete(levelKey(bucket, key), &opt.WriteOptions{Sync: true})
}

func (db *levelBackend) scan(bucket, prefix string) (map[string][]byte, error) {
	it := (*leveldb.DB)(db).NewIterator(util.BytesPrefix(levelKey(bucket, prefix)), nil)
	defer it.Release()

	out := make(map[string][]byte)
	skip := len(bucket) + 1
	for it.Next() {
		out[string(it.Key()[skip:])] = append([]byte(nil), it.Value()...)
	}
	return out, it.Error()
}

func (db *levelBackend) close() error {
	return (*leveldb.DB)(db).Close()
}
