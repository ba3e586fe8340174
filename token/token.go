package token

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTransferFailed classifies a token or native transfer that did not take
// effect (reverted transaction, failed receipt, or zero measured delta).
var ErrTransferFailed = errors.New("token: transfer failed")

// Token is the fungible-token surface the bank consumes. Implementations may
// charge transfer fees, so callers measure balance deltas instead of trusting
// the requested amount.
type Token interface {
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// Source resolves Token handles by asset address.
type Source interface {
	Token(asset common.Address) (Token, error)
}

// NativeBank pays out native currency from custody.
type NativeBank interface {
	Pay(ctx context.Context, to common.Address, amount *big.Int) error
}
