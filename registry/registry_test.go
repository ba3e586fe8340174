package registry

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"tokenbank/state"
	"tokenbank/storage"
)

var (
	canonicalID = common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")
	tokenA      = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	tokenB      = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	tokenD      = common.HexToAddress("0xDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD")
	feedAddr    = common.HexToAddress("0xFEEDFEEDFEEDFEEDFEEDFEEDFEEDFEEDFEEDFEED")
)

func newTestRegistry(t *testing.T, store *state.Store) *Registry {
	t.Helper()
	if store == nil {
		store = state.NewStore(storage.NewMemDB())
	}
	reg, err := New(store,
		Asset{ID: NativeAsset, Feed: feedAddr, Decimals: 18},
		Asset{ID: canonicalID, Feed: feedAddr, Decimals: 6},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func TestRegistryPermanentEntries(t *testing.T) {
	reg := newTestRegistry(t, nil)
	if !reg.IsSupported(NativeAsset) {
		t.Fatalf("native sentinel must be supported")
	}
	if !reg.IsSupported(canonicalID) {
		t.Fatalf("canonical asset must be supported")
	}
	if err := reg.Deregister(NativeAsset); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset for native removal, got %v", err)
	}
	if err := reg.Deregister(canonicalID); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset for canonical removal, got %v", err)
	}
}

func TestRegistryRegisterRejectsDuplicatesAndZero(t *testing.T) {
	reg := newTestRegistry(t, nil)
	if err := reg.Register(Asset{ID: tokenA, Feed: feedAddr, Decimals: 18}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Asset{ID: tokenA, Feed: feedAddr, Decimals: 18}); !errors.Is(err, ErrAlreadySupported) {
		t.Fatalf("expected ErrAlreadySupported, got %v", err)
	}
	if err := reg.Register(Asset{ID: NativeAsset}); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset for zero address, got %v", err)
	}
}

func TestRegistryDeregisterCompactsWithLastEntry(t *testing.T) {
	reg := newTestRegistry(t, nil)
	for _, id := range []common.Address{tokenA, tokenB, tokenD} {
		if err := reg.Register(Asset{ID: id, Feed: feedAddr, Decimals: 18}); err != nil {
			t.Fatalf("register %s: %v", id.Hex(), err)
		}
	}
	// Order is native, canonical, A, B, D. Removing A must move D into its slot.
	if err := reg.Deregister(tokenA); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if reg.IsSupported(tokenA) {
		t.Fatalf("deregistered asset still supported")
	}
	order := reg.List()
	if len(order) != 4 {
		t.Fatalf("expected 4 assets, got %d", len(order))
	}
	if order[2] != tokenD {
		t.Fatalf("expected last entry moved into freed slot, got %s", order[2].Hex())
	}
	moved, ok := reg.Get(tokenD)
	if !ok {
		t.Fatalf("moved asset missing")
	}
	if moved.Index != 3 {
		t.Fatalf("expected moved index 3, got %d", moved.Index)
	}
	if err := reg.Deregister(tokenA); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported on double removal, got %v", err)
	}
}

func TestRegistryDeregisterLastEntry(t *testing.T) {
	reg := newTestRegistry(t, nil)
	if err := reg.Register(Asset{ID: tokenA, Feed: feedAddr, Decimals: 18}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Deregister(tokenA); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if got := len(reg.List()); got != 2 {
		t.Fatalf("expected only permanent entries, got %d", got)
	}
}

func TestRegistryHydratesFromStore(t *testing.T) {
	store := state.NewStore(storage.NewMemDB())
	reg := newTestRegistry(t, store)
	if err := reg.Register(Asset{ID: tokenA, Feed: feedAddr, Decimals: 12}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Asset{ID: tokenB, Feed: feedAddr, Decimals: 8}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Deregister(tokenA); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	reloaded := newTestRegistry(t, store)
	if reloaded.IsSupported(tokenA) {
		t.Fatalf("removed asset survived reload")
	}
	record, ok := reloaded.Get(tokenB)
	if !ok {
		t.Fatalf("asset missing after reload")
	}
	if record.Decimals != 8 {
		t.Fatalf("expected decimals 8, got %d", record.Decimals)
	}
	if record.Index != 3 {
		t.Fatalf("expected compacted index 3, got %d", record.Index)
	}
	if got, want := len(reloaded.List()), 3; got != want {
		t.Fatalf("expected %d assets after reload, got %d", want, got)
	}
}
