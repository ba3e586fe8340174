package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"tokenbank/audit"
	"tokenbank/registry"
)

// AdminSetBalance overwrites an account's stored balance, the recovery path
// for settlements the automatic compensation could not unwind. The exposure
// counter is adjusted by the canonical delta between the old and new amounts,
// and the override is recorded in the audit trail. It returns the previous
// balance.
func (e *Engine) AdminSetBalance(ctx context.Context, actor string, account, asset common.Address, newAmount *big.Int) (*big.Int, error) {
	if err := e.guard.enter(); err != nil {
		return nil, e.fail(err)
	}
	defer e.guard.exit()
	if !e.assets.IsSupported(asset) {
		return nil, e.fail(fmt.Errorf("%w: %s", registry.ErrNotSupported, asset.Hex()))
	}
	if newAmount == nil || newAmount.Sign() < 0 {
		return nil, e.fail(ErrZeroAmount)
	}
	old, err := e.books.BalanceOf(account, asset)
	if err != nil {
		return nil, e.fail(err)
	}
	oldCanonical, err := e.limits.CanonicalValue(ctx, asset, old)
	if err != nil {
		return nil, e.fail(err)
	}
	newCanonical, err := e.limits.CanonicalValue(ctx, asset, newAmount)
	if err != nil {
		return nil, e.fail(err)
	}
	previous, err := e.books.SetBalance(account, asset, newAmount, oldCanonical, newCanonical)
	if err != nil {
		return nil, e.fail(err)
	}
	if err := e.trail.Append(&audit.Record{
		Kind:     audit.KindBalanceOverride,
		Actor:    actor,
		Account:  account,
		Asset:    asset,
		OldValue: previous,
		NewValue: newAmount,
	}); err != nil {
		e.log.Error("audit append failed", "kind", audit.KindBalanceOverride, "err", err)
	}
	e.observeExposure()
	if exposure, err := e.books.TotalExposure(); err == nil && exposure.Cmp(e.bankCap) > 0 {
		e.log.Warn("exposure above bank cap after balance override",
			"exposure", exposure.String(),
			"cap", e.bankCap.String(),
			"actor", actor)
	}
	e.log.Info("balance override applied",
		"actor", actor,
		"account", account.Hex(),
		"asset", asset.Hex(),
		"old", previous.String(),
		"new", newAmount.String())
	return previous, nil
}

// SetPerTxNativeCap updates and persists the per-transaction native cap. A
// zero cap disables the check. The change is recorded in the audit trail.
func (e *Engine) SetPerTxNativeCap(actor string, newCap *big.Int) error {
	if newCap == nil || newCap.Sign() < 0 {
		return e.fail(ErrZeroAmount)
	}
	e.capMu.Lock()
	old := e.perTxNativeCap
	if err := e.store.Put(perTxCapKey, storedCap{Cap: new(big.Int).Set(newCap)}); err != nil {
		e.capMu.Unlock()
		return e.fail(err)
	}
	e.perTxNativeCap = new(big.Int).Set(newCap)
	e.capMu.Unlock()
	if err := e.trail.Append(&audit.Record{
		Kind:     audit.KindPerTxCapChange,
		Actor:    actor,
		OldValue: old,
		NewValue: newCap,
	}); err != nil {
		e.log.Error("audit append failed", "kind", audit.KindPerTxCapChange, "err", err)
	}
	e.log.Info("per-tx native cap updated",
		"actor", actor,
		"old", old.String(),
		"new", newCap.String())
	return nil
}

// RegisterAsset adds a supported asset and binds its price feed to the oracle
// adapter so limit computations resolve immediately.
func (e *Engine) RegisterAsset(actor string, asset registry.Asset) error {
	if e.feeds == nil {
		return e.fail(fmt.Errorf("vault: no feed factory configured"))
	}
	feed, err := e.feeds(asset.Feed)
	if err != nil {
		return e.fail(fmt.Errorf("vault: build feed for %s: %w", asset.ID.Hex(), err))
	}
	if err := e.assets.Register(asset); err != nil {
		return e.fail(err)
	}
	e.prices.Register(asset.ID, feed)
	if err := e.trail.Append(&audit.Record{
		Kind:  audit.KindAssetRegister,
		Actor: actor,
		Asset: asset.ID,
	}); err != nil {
		e.log.Error("audit append failed", "kind", audit.KindAssetRegister, "err", err)
	}
	e.log.Info("asset registered",
		"actor", actor,
		"asset", asset.ID.Hex(),
		"feed", asset.Feed.Hex(),
		"decimals", asset.Decimals)
	return nil
}

// DeregisterAsset removes a supported asset and its feed binding. The native
// sentinel and the canonical asset are permanent; custodied balances in the
// asset remain withdrawable only through the admin override path afterwards,
// so operators drain it first.
func (e *Engine) DeregisterAsset(actor string, asset common.Address) error {
	if err := e.assets.Deregister(asset); err != nil {
		return e.fail(err)
	}
	e.prices.Remove(asset)
	if err := e.trail.Append(&audit.Record{
		Kind:  audit.KindAssetDeregister,
		Actor: actor,
		Asset: asset,
	}); err != nil {
		e.log.Error("audit append failed", "kind", audit.KindAssetDeregister, "err", err)
	}
	e.log.Info("asset deregistered", "actor", actor, "asset", asset.Hex())
	return nil
}

// AuditTrail lists the recorded privileged actions in append order.
func (e *Engine) AuditTrail() ([]*audit.Record, error) {
	return e.trail.List()
}
