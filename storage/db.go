package storage

import (
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Database is the key-value backend the bank persists its state into. Both an
// in-memory implementation (tests, dry runs) and a LevelDB implementation
// (production) are provided.
type Database interface {
	Put(key, value []byte) error
	// Get returns the stored value and whether the key was present.
	Get(key []byte) ([]byte, bool, error)
	// Iterate visits every key carrying the supplied prefix in ascending key
	// order. Returning an error from fn aborts the walk.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// MemDB is a map-backed Database used by tests and the simulation wiring.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (db *MemDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	db.mu.RLock()
	keys := make([]string, 0, len(db.data))
	for key := range db.data {
		if strings.HasPrefix(key, string(prefix)) {
			keys = append(keys, key)
		}
	}
	db.mu.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		db.mu.RLock()
		value, ok := db.data[key]
		db.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn([]byte(key), append([]byte(nil), value...)); err != nil {
			return err
		}
	}
	return nil
}

func (db *MemDB) Close() error { return nil }

// LevelDB is a persistent Database backed by goleveldb.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the supplied path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Put(key, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Get(key []byte) ([]byte, bool, error) {
	value, err := ldb.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (ldb *LevelDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := ldb.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}
