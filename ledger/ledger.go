package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tokenbank/state"
)

var (
	// ErrInsufficientBalance indicates a debit larger than the stored balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrAmountOverflow indicates an addition would wrap the 256-bit balance
	// or exposure counter. Callers' capacity checks should prevent this; the
	// ledger re-checks as defence in depth.
	ErrAmountOverflow = errors.New("ledger: amount overflow")
	// ErrInvalidAmount indicates a nil or negative amount.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

var (
	balancePrefix      = []byte("ledger/balance/")
	exposureKey        = []byte("ledger/exposure")
	depositCounterKey  = []byte("ledger/counter/deposit")
	withdrawCounterKey = []byte("ledger/counter/withdraw")
)

type storedAmount struct {
	Amount *big.Int
}

type storedCounter struct {
	Count uint64
}

// Ledger is the single source of truth for custodied funds: per-account,
// per-asset balances plus the aggregate exposure counter in canonical units.
// Balance entries are created implicitly on first credit; a zero balance is a
// valid terminal state.
type Ledger struct {
	mu    sync.Mutex
	store *state.Store
}

func New(store *state.Store) *Ledger {
	return &Ledger{store: store}
}

// BalanceOf returns the stored balance, zero when no entry exists.
func (l *Ledger) BalanceOf(account, asset common.Address) (*big.Int, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger: not initialised")
	}
	return l.loadAmount(balanceKey(asset, account))
}

// TotalExposure returns the aggregate custodied value in canonical units.
func (l *Ledger) TotalExposure() (*big.Int, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger: not initialised")
	}
	return l.loadAmount(exposureKey)
}

// Credit increases the account's balance by amount and the exposure counter
// by the canonical-unit equivalent. Both additions are overflow-checked.
func (l *Ledger) Credit(account, asset common.Address, amount, canonical *big.Int) error {
	if l == nil {
		return fmt.Errorf("ledger: not initialised")
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if err := validateAmount(canonical); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.loadAmount(balanceKey(asset, account))
	if err != nil {
		return err
	}
	updated, err := checkedAdd(balance, amount)
	if err != nil {
		return err
	}
	exposure, err := l.loadAmount(exposureKey)
	if err != nil {
		return err
	}
	updatedExposure, err := checkedAdd(exposure, canonical)
	if err != nil {
		return err
	}
	if err := l.store.Put(balanceKey(asset, account), storedAmount{Amount: updated}); err != nil {
		return err
	}
	return l.store.Put(exposureKey, storedAmount{Amount: updatedExposure})
}

// Debit decreases the account's balance by amount and the exposure counter by
// the canonical-unit equivalent. The exposure decrement saturates at zero:
// the canonical equivalent is recomputed at the current price, which can
// exceed the remainder tracked for older deposits.
func (l *Ledger) Debit(account, asset common.Address, amount, canonical *big.Int) error {
	if l == nil {
		return fmt.Errorf("ledger: not initialised")
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if err := validateAmount(canonical); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.loadAmount(balanceKey(asset, account))
	if err != nil {
		return err
	}
	if amount.Cmp(balance) > 0 {
		return fmt.Errorf("%w: have %s, want %s", ErrInsufficientBalance, balance, amount)
	}
	updated := new(big.Int).Sub(balance, amount)
	exposure, err := l.loadAmount(exposureKey)
	if err != nil {
		return err
	}
	updatedExposure := new(big.Int).Sub(exposure, canonical)
	if updatedExposure.Sign() < 0 {
		updatedExposure.SetInt64(0)
	}
	if err := l.store.Put(balanceKey(asset, account), storedAmount{Amount: updated}); err != nil {
		return err
	}
	return l.store.Put(exposureKey, storedAmount{Amount: updatedExposure})
}

// SetBalance overwrites the stored balance, bypassing the debit checks. It is
// the recovery path behind the privileged admin surface. The exposure counter
// is adjusted by the delta between the old and new canonical equivalents so
// the aggregate stays internally consistent. The previous balance is returned
// for the caller's audit trail.
func (l *Ledger) SetBalance(account, asset common.Address, newAmount, oldCanonical, newCanonical *big.Int) (*big.Int, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger: not initialised")
	}
	if newAmount == nil || newAmount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if err := validateAmount(oldCanonical); err != nil {
		return nil, err
	}
	if err := validateAmount(newCanonical); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	old, err := l.loadAmount(balanceKey(asset, account))
	if err != nil {
		return nil, err
	}
	exposure, err := l.loadAmount(exposureKey)
	if err != nil {
		return nil, err
	}
	adjusted := new(big.Int).Sub(exposure, oldCanonical)
	if adjusted.Sign() < 0 {
		adjusted.SetInt64(0)
	}
	adjusted, err = checkedAdd(adjusted, newCanonical)
	if err != nil {
		return nil, err
	}
	if err := l.store.Put(balanceKey(asset, account), storedAmount{Amount: new(big.Int).Set(newAmount)}); err != nil {
		return nil, err
	}
	if err := l.store.Put(exposureKey, storedAmount{Amount: adjusted}); err != nil {
		return nil, err
	}
	return old, nil
}

// IncrementDeposits bumps the monotonic deposit counter by one.
func (l *Ledger) IncrementDeposits() (uint64, error) {
	return l.incrementCounter(depositCounterKey)
}

// IncrementWithdrawals bumps the monotonic withdrawal counter by one.
func (l *Ledger) IncrementWithdrawals() (uint64, error) {
	return l.incrementCounter(withdrawCounterKey)
}

// DepositCount returns the number of successful deposit-class operations.
func (l *Ledger) DepositCount() (uint64, error) {
	return l.counter(depositCounterKey)
}

// WithdrawCount returns the number of successful withdrawal-class operations.
func (l *Ledger) WithdrawCount() (uint64, error) {
	return l.counter(withdrawCounterKey)
}

func (l *Ledger) incrementCounter(key []byte) (uint64, error) {
	if l == nil {
		return 0, fmt.Errorf("ledger: not initialised")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	count, err := l.counterLocked(key)
	if err != nil {
		return 0, err
	}
	count++
	if err := l.store.Put(key, storedCounter{Count: count}); err != nil {
		return 0, err
	}
	return count, nil
}

func (l *Ledger) counter(key []byte) (uint64, error) {
	if l == nil {
		return 0, fmt.Errorf("ledger: not initialised")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counterLocked(key)
}

func (l *Ledger) counterLocked(key []byte) (uint64, error) {
	var stored storedCounter
	ok, err := l.store.Get(key, &stored)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return stored.Count, nil
}

func (l *Ledger) loadAmount(key []byte) (*big.Int, error) {
	var stored storedAmount
	ok, err := l.store.Get(key, &stored)
	if err != nil {
		return nil, err
	}
	if !ok || stored.Amount == nil {
		return big.NewInt(0), nil
	}
	return stored.Amount, nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// checkedAdd adds two non-negative amounts inside the 256-bit domain the
// custodied assets live in, failing with ErrAmountOverflow on wrap.
func checkedAdd(a, b *big.Int) (*big.Int, error) {
	left, overflow := uint256.FromBig(a)
	if overflow {
		return nil, ErrAmountOverflow
	}
	right, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrAmountOverflow
	}
	sum := new(uint256.Int)
	if _, carry := sum.AddOverflow(left, right); carry {
		return nil, ErrAmountOverflow
	}
	return sum.ToBig(), nil
}

func balanceKey(asset, account common.Address) []byte {
	key := make([]byte, len(balancePrefix)+2*common.AddressLength)
	copy(key, balancePrefix)
	copy(key[len(balancePrefix):], asset.Bytes())
	copy(key[len(balancePrefix)+common.AddressLength:], account.Bytes())
	return key
}
