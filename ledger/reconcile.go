package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Converter maps an asset-native amount to canonical units. Reconciliation
// borrows the limit engine's conversion so the audit uses the same price path
// as live operations.
type Converter func(asset common.Address, amount *big.Int) (*big.Int, error)

// ReconcileReport compares the running exposure counter against a full
// recomputation over every balance entry.
type ReconcileReport struct {
	Recorded *big.Int
	Computed *big.Int
	Entries  int
}

// Drift returns Recorded - Computed.
func (r ReconcileReport) Drift() *big.Int {
	if r.Recorded == nil || r.Computed == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(r.Recorded, r.Computed)
}

// Reconcile re-sums all balances through convert and compares the total with
// the exposure counter. It is an out-of-band audit routine: it takes the
// ledger lock, so it must not run concurrently with a settlement that holds
// it higher up the stack.
func (l *Ledger) Reconcile(convert Converter) (ReconcileReport, error) {
	if l == nil {
		return ReconcileReport{}, fmt.Errorf("ledger: not initialised")
	}
	if convert == nil {
		return ReconcileReport{}, fmt.Errorf("ledger: converter required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	computed := big.NewInt(0)
	entries := 0
	err := l.store.Iterate(balancePrefix, func(key, value []byte) error {
		asset, _, err := splitBalanceKey(key)
		if err != nil {
			return err
		}
		var stored storedAmount
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return fmt.Errorf("ledger: decode balance %x: %w", key, err)
		}
		if stored.Amount == nil || stored.Amount.Sign() == 0 {
			return nil
		}
		canonical, err := convert(asset, stored.Amount)
		if err != nil {
			return err
		}
		computed = new(big.Int).Add(computed, canonical)
		entries++
		return nil
	})
	if err != nil {
		return ReconcileReport{}, err
	}
	recorded, err := l.loadAmount(exposureKey)
	if err != nil {
		return ReconcileReport{}, err
	}
	return ReconcileReport{Recorded: recorded, Computed: computed, Entries: entries}, nil
}

func splitBalanceKey(key []byte) (asset, account common.Address, err error) {
	if len(key) != len(balancePrefix)+2*common.AddressLength {
		return common.Address{}, common.Address{}, fmt.Errorf("ledger: malformed balance key %x", key)
	}
	copy(asset[:], key[len(balancePrefix):len(balancePrefix)+common.AddressLength])
	copy(account[:], key[len(balancePrefix)+common.AddressLength:])
	return asset, account, nil
}
