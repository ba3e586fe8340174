package audit

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"tokenbank/state"
)

// Kinds of privileged actions recorded in the trail.
const (
	KindBalanceOverride = "balance_override"
	KindAssetRegister   = "asset_register"
	KindAssetDeregister = "asset_deregister"
	KindPerTxCapChange  = "per_tx_cap_change"
)

// Record captures one privileged action. ID and CreatedAt are assigned by the
// log when empty.
type Record struct {
	ID        string
	Kind      string
	Actor     string
	Account   common.Address
	Asset     common.Address
	OldValue  *big.Int
	NewValue  *big.Int
	CreatedAt int64
}

type storedRecord struct {
	ID        string
	Kind      string
	Actor     string
	Account   common.Address
	Asset     common.Address
	OldValue  *big.Int
	NewValue  *big.Int
	CreatedAt uint64
}

var (
	recordPrefix = []byte("audit/record/")
	indexKey     = []byte("audit/index")
)

// Log is the append-only audit trail for the administrative surface.
type Log struct {
	store *state.Store
	clock func() time.Time
}

func New(store *state.Store) *Log {
	return &Log{store: store, clock: time.Now}
}

// SetClock overrides the time source for deterministic tests.
func (l *Log) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// Append assigns an identifier and timestamp when missing, persists the
// record, and adds it to the enumeration index.
func (l *Log) Append(record *Record) error {
	if l == nil {
		return fmt.Errorf("audit: log not initialised")
	}
	if record == nil {
		return fmt.Errorf("audit: record required")
	}
	if strings.TrimSpace(record.Kind) == "" {
		return fmt.Errorf("audit: record kind required")
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = l.clock().UTC().Unix()
	}
	stored := toStored(record)
	// Index first: List skips an indexed id whose record never landed, while
	// a record missing from the index would be unreachable.
	if err := l.store.Append(indexKey, []byte(record.ID)); err != nil {
		return err
	}
	return l.store.Put(recordKey(record.ID), stored)
}

// Get retrieves a record by identifier.
func (l *Log) Get(id string) (*Record, bool, error) {
	if l == nil {
		return nil, false, fmt.Errorf("audit: log not initialised")
	}
	var stored storedRecord
	ok, err := l.store.Get(recordKey(id), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return fromStored(&stored), true, nil
}

// List returns every record in append order.
func (l *Log) List() ([]*Record, error) {
	if l == nil {
		return nil, fmt.Errorf("audit: log not initialised")
	}
	ids, err := l.store.List(indexKey)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		record, ok, err := l.Get(string(id))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func toStored(record *Record) storedRecord {
	stored := storedRecord{
		ID:      strings.TrimSpace(record.ID),
		Kind:    strings.TrimSpace(record.Kind),
		Actor:   strings.TrimSpace(record.Actor),
		Account: record.Account,
		Asset:   record.Asset,
	}
	if record.OldValue != nil {
		stored.OldValue = new(big.Int).Set(record.OldValue)
	} else {
		stored.OldValue = big.NewInt(0)
	}
	if record.NewValue != nil {
		stored.NewValue = new(big.Int).Set(record.NewValue)
	} else {
		stored.NewValue = big.NewInt(0)
	}
	if record.CreatedAt > 0 {
		stored.CreatedAt = uint64(record.CreatedAt)
	}
	return stored
}

func fromStored(stored *storedRecord) *Record {
	record := &Record{
		ID:       stored.ID,
		Kind:     stored.Kind,
		Actor:    stored.Actor,
		Account:  stored.Account,
		Asset:    stored.Asset,
		OldValue: stored.OldValue,
		NewValue: stored.NewValue,
	}
	if stored.CreatedAt > 0 && stored.CreatedAt <= uint64(1<<62) {
		record.CreatedAt = int64(stored.CreatedAt)
	}
	return record
}

func recordKey(id string) []byte {
	trimmed := strings.TrimSpace(id)
	key := make([]byte, len(recordPrefix)+len(trimmed))
	copy(key, recordPrefix)
	copy(key[len(recordPrefix):], trimmed)
	return key
}
