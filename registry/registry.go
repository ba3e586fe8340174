package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"tokenbank/state"
)

var (
	// ErrInvalidAsset indicates the asset identifier is reserved (the native
	// sentinel or the canonical settlement asset) for the attempted mutation.
	ErrInvalidAsset = errors.New("registry: invalid asset")
	// ErrAlreadySupported indicates the asset is already registered.
	ErrAlreadySupported = errors.New("registry: asset already supported")
	// ErrNotSupported indicates the asset is not registered.
	ErrNotSupported = errors.New("registry: asset not supported")
)

// NativeAsset is the reserved sentinel identifying the chain-native currency.
var NativeAsset = common.Address{}

// Asset describes one supported asset. Index is 1-based and tracks the
// asset's slot in the enumeration array; a zero index marks a deregistered
// record.
type Asset struct {
	ID       common.Address
	Feed     common.Address
	Decimals uint8
	Index    uint64
}

type storedAsset struct {
	Feed     common.Address
	Decimals uint8
	Index    uint64
}

var (
	assetPrefix = []byte("registry/asset/")
	orderKey    = []byte("registry/order")
)

// Registry maintains the set of supported assets with O(1) membership checks
// and removal while keeping the enumeration dense. The native sentinel and the
// canonical settlement asset are registered on construction and cannot be
// removed.
type Registry struct {
	mu        sync.RWMutex
	store     *state.Store
	assets    map[common.Address]*Asset
	order     []common.Address
	canonical common.Address
}

// New constructs a registry backed by store, hydrating any previously
// persisted assets and guaranteeing the two permanent entries exist. The
// native and canonical assets carry their own price feeds like any other
// entry.
func New(store *state.Store, native, canonical Asset) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("registry: store required")
	}
	if native.ID != NativeAsset {
		return nil, fmt.Errorf("registry: native asset must use the zero sentinel")
	}
	if canonical.ID == NativeAsset {
		return nil, fmt.Errorf("registry: canonical asset address required")
	}
	r := &Registry{
		store:     store,
		assets:    make(map[common.Address]*Asset),
		canonical: canonical.ID,
	}
	if err := r.hydrate(); err != nil {
		return nil, err
	}
	for _, permanent := range []Asset{native, canonical} {
		if _, ok := r.assets[permanent.ID]; ok {
			continue
		}
		if err := r.append(permanent); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Canonical returns the canonical settlement asset identifier.
func (r *Registry) Canonical() common.Address {
	return r.canonical
}

// IsSupported reports whether the asset is registered.
func (r *Registry) IsSupported(asset common.Address) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	_, ok := r.assets[asset]
	r.mu.RUnlock()
	return ok
}

// Get returns a copy of the asset record.
func (r *Registry) Get(asset common.Address) (Asset, bool) {
	if r == nil {
		return Asset{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.assets[asset]
	if !ok {
		return Asset{}, false
	}
	return *record, true
}

// List returns the current enumeration order. The order is stable modulo
// removals: deregistering a non-last entry moves the last entry into its slot.
func (r *Registry) List() []common.Address {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]common.Address{}, r.order...)
}

// Register adds a new supported asset with the next enumeration index.
func (r *Registry) Register(asset Asset) error {
	if r == nil {
		return fmt.Errorf("registry: not initialised")
	}
	if asset.ID == NativeAsset {
		return fmt.Errorf("%w: zero address reserved for native currency", ErrInvalidAsset)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assets[asset.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySupported, asset.ID.Hex())
	}
	return r.append(asset)
}

// Deregister removes a supported asset using swap-with-last compaction. The
// moved entry's stored index is updated and the removed record's index and
// feed reference are cleared. The native sentinel and the canonical asset are
// permanent.
func (r *Registry) Deregister(asset common.Address) error {
	if r == nil {
		return fmt.Errorf("registry: not initialised")
	}
	if asset == NativeAsset || asset == r.canonical {
		return fmt.Errorf("%w: %s is permanent", ErrInvalidAsset, asset.Hex())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.assets[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSupported, asset.Hex())
	}
	slot := int(record.Index) - 1
	if slot < 0 || slot >= len(r.order) {
		return fmt.Errorf("registry: corrupt index %d for %s", record.Index, asset.Hex())
	}
	last := len(r.order) - 1
	if slot != last {
		moved := r.order[last]
		r.order[slot] = moved
		r.assets[moved].Index = uint64(slot + 1)
		if err := r.persistAsset(moved); err != nil {
			return err
		}
	}
	r.order = r.order[:last]
	record.Index = 0
	record.Feed = common.Address{}
	delete(r.assets, asset)
	if err := r.store.Put(assetKey(asset), storedAsset{}); err != nil {
		return err
	}
	return r.persistOrder()
}

func (r *Registry) append(asset Asset) error {
	record := &Asset{
		ID:       asset.ID,
		Feed:     asset.Feed,
		Decimals: asset.Decimals,
		Index:    uint64(len(r.order) + 1),
	}
	r.assets[asset.ID] = record
	r.order = append(r.order, asset.ID)
	if err := r.persistAsset(asset.ID); err != nil {
		return err
	}
	return r.persistOrder()
}

func (r *Registry) hydrate() error {
	var order []common.Address
	ok, err := r.store.Get(orderKey, &order)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for i, id := range order {
		var stored storedAsset
		found, err := r.store.Get(assetKey(id), &stored)
		if err != nil {
			return err
		}
		if !found || stored.Index == 0 {
			return fmt.Errorf("registry: missing record for enumerated asset %s", id.Hex())
		}
		if int(stored.Index) != i+1 {
			return fmt.Errorf("registry: index mismatch for %s: stored %d, slot %d", id.Hex(), stored.Index, i+1)
		}
		r.assets[id] = &Asset{ID: id, Feed: stored.Feed, Decimals: stored.Decimals, Index: stored.Index}
		r.order = append(r.order, id)
	}
	return nil
}

func (r *Registry) persistAsset(id common.Address) error {
	record := r.assets[id]
	return r.store.Put(assetKey(id), storedAsset{
		Feed:     record.Feed,
		Decimals: record.Decimals,
		Index:    record.Index,
	})
}

func (r *Registry) persistOrder() error {
	return r.store.Put(orderKey, r.order)
}

func assetKey(asset common.Address) []byte {
	key := make([]byte, len(assetPrefix)+common.AddressLength)
	copy(key, assetPrefix)
	copy(key[len(assetPrefix):], asset.Bytes())
	return key
}
