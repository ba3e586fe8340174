package limits

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"tokenbank/registry"
)

// Code enumerates the limit violation categories.
type Code string

const (
	// CodeBankCap indicates the global custody ceiling would be exceeded.
	CodeBankCap Code = "bank_cap"
	// CodeWithdrawLimit indicates the per-transaction withdrawal ceiling was exceeded.
	CodeWithdrawLimit Code = "withdraw_limit"
	// CodePerTxCap indicates the per-transaction native-currency cap was exceeded.
	CodePerTxCap Code = "per_tx_cap"
)

// Violation conveys a breached limit alongside the requested and permitted
// values so callers can retry with adjusted parameters.
type Violation struct {
	Code      Code
	Requested *big.Int
	Limit     *big.Int
}

func (v *Violation) Error() string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("limits: %s exceeded: requested %s, limit %s", v.Code, v.Requested, v.Limit)
}

// AssetSource resolves asset records; satisfied by *registry.Registry.
type AssetSource interface {
	Get(asset common.Address) (registry.Asset, bool)
}

// PriceSource resolves fresh prices; satisfied by *oracle.Adapter.
type PriceSource interface {
	Price(ctx context.Context, asset common.Address) (*big.Int, uint8, error)
}

// The policy limit is expressed as an 18-decimal fixed-point USD value.
const policyDecimals = 18

// Engine converts the USD-denominated withdrawal policy and the bank cap into
// asset-native terms using the live price path. It holds no mutable state of
// its own; every computation queries the oracle afresh.
type Engine struct {
	assets            AssetSource
	prices            PriceSource
	canonical         common.Address
	canonicalDecimals uint8
	policyLimitUSD    *big.Int
}

// New constructs a limit engine. policyLimitUSD is the fixed per-transaction
// withdrawal ceiling in 18-decimal USD units.
func New(assets AssetSource, prices PriceSource, canonical common.Address, canonicalDecimals uint8, policyLimitUSD *big.Int) (*Engine, error) {
	if assets == nil || prices == nil {
		return nil, fmt.Errorf("limits: asset and price sources required")
	}
	if policyLimitUSD == nil || policyLimitUSD.Sign() <= 0 {
		return nil, fmt.Errorf("limits: positive policy limit required")
	}
	return &Engine{
		assets:            assets,
		prices:            prices,
		canonical:         canonical,
		canonicalDecimals: canonicalDecimals,
		policyLimitUSD:    new(big.Int).Set(policyLimitUSD),
	}, nil
}

// WithdrawCeiling computes the per-transaction withdrawal ceiling in the
// asset's native units. The computation deliberately happens in two steps:
// first in oracle units against the 18-decimal policy value, then rescaled to
// the asset's native precision. Both divisions floor, so the ceiling is never
// more generous than the policy intends.
func (e *Engine) WithdrawCeiling(ctx context.Context, asset common.Address) (*big.Int, error) {
	record, ok := e.assets.Get(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotSupported, asset.Hex())
	}
	price, feedDecimals, err := e.prices.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	ceiling := new(big.Int).Mul(e.policyLimitUSD, pow10(feedDecimals))
	ceiling.Quo(ceiling, price)
	switch {
	case record.Decimals < policyDecimals:
		ceiling.Quo(ceiling, pow10(policyDecimals-record.Decimals))
	case record.Decimals > policyDecimals:
		ceiling.Mul(ceiling, pow10(record.Decimals-policyDecimals))
	}
	return ceiling, nil
}

// CanonicalValue converts an asset-native amount into canonical settlement
// units via the price oracle, flooring. The canonical asset itself converts by
// identity: canonical units are the bank's unit of account.
func (e *Engine) CanonicalValue(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("limits: amount must be non-negative")
	}
	if asset == e.canonical {
		return new(big.Int).Set(amount), nil
	}
	record, ok := e.assets.Get(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotSupported, asset.Hex())
	}
	price, feedDecimals, err := e.prices.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(amount, price)
	value.Mul(value, pow10(e.canonicalDecimals))
	denominator := new(big.Int).Mul(pow10(feedDecimals), pow10(record.Decimals))
	return value.Quo(value, denominator), nil
}

// AssetValue converts a canonical-unit amount into the asset's native units,
// flooring. It is the inverse of CanonicalValue and backs the minimum-deposit
// floor conversion.
func (e *Engine) AssetValue(ctx context.Context, asset common.Address, canonical *big.Int) (*big.Int, error) {
	if canonical == nil || canonical.Sign() < 0 {
		return nil, fmt.Errorf("limits: amount must be non-negative")
	}
	if asset == e.canonical {
		return new(big.Int).Set(canonical), nil
	}
	record, ok := e.assets.Get(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotSupported, asset.Hex())
	}
	price, feedDecimals, err := e.prices.Price(ctx, asset)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(canonical, pow10(feedDecimals))
	value.Mul(value, pow10(record.Decimals))
	denominator := new(big.Int).Mul(price, pow10(e.canonicalDecimals))
	return value.Quo(value, denominator), nil
}

// CheckCapacity verifies that crediting amount of asset keeps the aggregate
// exposure within the bank cap. On success it returns the canonical-unit
// equivalent for the caller to reuse; on breach it returns a CodeBankCap
// violation carrying the projected exposure and the cap.
func (e *Engine) CheckCapacity(ctx context.Context, asset common.Address, amount, exposure, cap *big.Int) (*big.Int, error) {
	canonical, err := e.CanonicalValue(ctx, asset, amount)
	if err != nil {
		return nil, err
	}
	projected := new(big.Int).Add(exposure, canonical)
	if projected.Cmp(cap) > 0 {
		return nil, &Violation{Code: CodeBankCap, Requested: projected, Limit: new(big.Int).Set(cap)}
	}
	return canonical, nil
}

// CheckWithdrawal rejects amounts strictly above the computed withdrawal
// ceiling for the asset.
func (e *Engine) CheckWithdrawal(ctx context.Context, asset common.Address, amount *big.Int) error {
	ceiling, err := e.WithdrawCeiling(ctx, asset)
	if err != nil {
		return err
	}
	if amount.Cmp(ceiling) > 0 {
		return &Violation{Code: CodeWithdrawLimit, Requested: new(big.Int).Set(amount), Limit: ceiling}
	}
	return nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
