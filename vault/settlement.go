package vault

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tokenbank/registry"
	"tokenbank/router"
)

// defaultSwapDeadline bounds a settlement when the caller supplies none.
const defaultSwapDeadline = time.Minute

// DepositArbitraryToken custodies a registered non-canonical token by swapping
// it into the canonical asset through the external venue and crediting the
// depositor with the measured output. minOut is the caller's slippage floor in
// canonical units and is forwarded to the venue verbatim.
//
// The settlement runs as a sequence of externally-visible steps, each with a
// compensating action: any failure after the transfer-in refunds the received
// tokens; a post-swap capacity breach pays the actual canonical output to the
// depositor instead of crediting it. The one unrecoverable window is a venue
// that reports success while delivering nothing, which surfaces
// ErrNoSwapOutput and is left to the admin balance-override path.
func (e *Engine) DepositArbitraryToken(ctx context.Context, account, asset common.Address, amount, minOut *big.Int, deadline time.Time) (*big.Int, error) {
	if err := e.guard.enter(); err != nil {
		return nil, e.fail(err)
	}
	defer e.guard.exit()
	if asset == registry.NativeAsset || asset == e.canonical {
		return nil, e.fail(fmt.Errorf("%w: %s", ErrDirectAssetRoute, asset.Hex()))
	}
	if !e.assets.IsSupported(asset) {
		return nil, e.fail(fmt.Errorf("%w: %s", registry.ErrNotSupported, asset.Hex()))
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, e.fail(ErrZeroAmount)
	}
	if e.venue == nil {
		return nil, e.fail(fmt.Errorf("vault: no swap venue configured"))
	}
	if minOut == nil {
		minOut = big.NewInt(0)
	}
	if err := e.checkDepositFloor(ctx, asset, amount); err != nil {
		return nil, e.fail(err)
	}
	tok, err := e.tokens.Token(asset)
	if err != nil {
		return nil, e.fail(err)
	}
	canonicalToken, err := e.tokens.Token(e.canonical)
	if err != nil {
		return nil, e.fail(err)
	}
	if deadline.IsZero() {
		deadline = e.clock().Add(defaultSwapDeadline)
	}
	started := e.clock()

	received, err := e.pullIn(ctx, tok, account, amount)
	if err != nil {
		return nil, e.fail(err)
	}

	// Estimate against the cap before spending gas on the swap. The estimate
	// uses the oracle price; the authoritative check repeats with the actual
	// output below.
	if _, err := e.checkCapacity(ctx, asset, received); err != nil {
		return nil, e.fail(e.refund(ctx, tok, account, received, err))
	}

	outputBefore, err := canonicalToken.BalanceOf(ctx, e.custody)
	if err != nil {
		return nil, e.fail(e.refund(ctx, tok, account, received, err))
	}
	path := router.EncodePath(asset, e.feeTier, e.canonical)
	input, err := router.EncodeSwapInput(e.custody, received, minOut, path, false)
	if err != nil {
		return nil, e.fail(e.refund(ctx, tok, account, received, err))
	}
	if err := e.venue.Execute(ctx, []byte{router.CommandExactInSwap}, [][]byte{input}, deadline); err != nil {
		return nil, e.fail(e.refund(ctx, tok, account, received,
			fmt.Errorf("vault: swap execution: %w", err)))
	}
	outputAfter, err := canonicalToken.BalanceOf(ctx, e.custody)
	if err != nil {
		// The swap already executed; the output sits in custody uncredited
		// until an admin balance override resolves it.
		e.log.Error("post-swap balance read failed, output stranded in custody",
			"account", account.Hex(),
			"asset", asset.Hex(),
			"received", received.String(),
			"err", err)
		return nil, e.fail(err)
	}
	output := new(big.Int).Sub(outputAfter, outputBefore)
	if output.Sign() <= 0 {
		// The input tokens are already spent; nothing sane to refund.
		e.log.Error("swap reported success with no output",
			"account", account.Hex(),
			"asset", asset.Hex(),
			"received", received.String())
		return nil, e.fail(ErrNoSwapOutput)
	}

	// Authoritative capacity check with the realised output. Canonical units
	// convert by identity, so the value passed to the ledger equals the output.
	settled, err := e.checkCapacity(ctx, e.canonical, output)
	if err != nil {
		if payErr := canonicalToken.Transfer(ctx, account, output); payErr != nil {
			e.log.Error("post-swap payout failed",
				"account", account.Hex(),
				"output", output.String(),
				"cause", err,
				"err", payErr)
			return nil, e.fail(fmt.Errorf("%w (payout of %s failed: %v)", err, output, payErr))
		}
		return nil, e.fail(err)
	}
	if err := e.books.Credit(account, e.canonical, output, settled); err != nil {
		return nil, e.fail(err)
	}
	e.metrics.SwapLatency.Observe(e.clock().Sub(started).Seconds())
	e.settleDeposit(ctx, "swap", account, asset, received)
	e.log.Info("swap settlement credited",
		"account", account.Hex(),
		"asset", asset.Hex(),
		"received", received.String(),
		"output", output.String())
	return output, nil
}

// checkDepositFloor enforces the minimum-deposit policy on the swap route. The
// floor is configured in native base units and converted into the deposited
// asset through the canonical unit of account.
func (e *Engine) checkDepositFloor(ctx context.Context, asset common.Address, amount *big.Int) error {
	if e.minDepositNative.Sign() == 0 {
		return nil
	}
	floorCanonical, err := e.limits.CanonicalValue(ctx, registry.NativeAsset, e.minDepositNative)
	if err != nil {
		return err
	}
	floor, err := e.limits.AssetValue(ctx, asset, floorCanonical)
	if err != nil {
		return err
	}
	if amount.Cmp(floor) < 0 {
		return fmt.Errorf("%w: %s below floor %s", ErrBelowMinimumDeposit, amount, floor)
	}
	return nil
}
