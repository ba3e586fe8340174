package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"tokenbank/storage"
)

// Store layers an RLP codec over the raw key-value database. Domain packages
// persist their records through this type so the on-disk encoding stays
// uniform.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// Get decodes the stored value into out and reports whether the key existed.
func (s *Store) Get(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("state: store not initialised")
	}
	raw, ok, err := s.db.Get(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// Put encodes value with RLP and writes it under key.
func (s *Store) Put(key []byte, value interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state: store not initialised")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return s.db.Put(key, encoded)
}

// Append adds an opaque entry to the byte-slice list stored under key.
func (s *Store) Append(key []byte, value []byte) error {
	entries, err := s.List(key)
	if err != nil {
		return err
	}
	entries = append(entries, value)
	return s.Put(key, entries)
}

// List returns the byte-slice list stored under key, or an empty list when the
// key is absent.
func (s *Store) List(key []byte) ([][]byte, error) {
	var entries [][]byte
	ok, err := s.Get(key, &entries)
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][]byte{}, nil
	}
	return entries, nil
}

// Iterate walks every stored key under prefix, handing the raw encoded value
// to fn.
func (s *Store) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state: store not initialised")
	}
	return s.db.Iterate(prefix, fn)
}
