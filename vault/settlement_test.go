package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tokenbank/limits"
	"tokenbank/registry"
	"tokenbank/router"
)

// venueFill makes the provider stub deliver output canonical units into
// custody, simulating a successful swap.
func venueFill(f *fixture, output *big.Int) {
	f.provider.execute = func(ctx context.Context, commands []byte, inputs [][]byte, deadline time.Time) error {
		f.canonicalTok.Mint(custodyAddr, output)
		return nil
	}
}

func TestSwapSettlementCreditsMeasuredOutput(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))
	// The venue delivers slightly less than the $2 oracle estimate.
	venueFill(f, big.NewInt(1_900000))

	output, err := f.engine.DepositArbitraryToken(ctx, depositor, tokenXID, unit18(1), big.NewInt(0), time.Time{})
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if output.Cmp(big.NewInt(1_900000)) != 0 {
		t.Fatalf("expected output 1900000, got %s", output)
	}
	// The depositor is credited in the canonical asset with the realised
	// output, not the oracle estimate.
	balance, _ := f.engine.BalanceOf(depositor, canonicalID)
	if balance.Cmp(big.NewInt(1_900000)) != 0 {
		t.Fatalf("expected canonical balance 1900000, got %s", balance)
	}
	exposure, _ := f.engine.TotalExposure()
	if exposure.Cmp(big.NewInt(1_900000)) != 0 {
		t.Fatalf("expected exposure 1900000, got %s", exposure)
	}
	if f.provider.calls != 1 {
		t.Fatalf("expected one venue call, got %d", f.provider.calls)
	}
	count, _ := f.engine.DepositCount()
	if count != 1 {
		t.Fatalf("expected 1 deposit, got %d", count)
	}
}

func TestSwapSettlementPassesEncodedRoute(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(1))
	var gotCommands []byte
	var gotInputs [][]byte
	f.provider.execute = func(ctx context.Context, commands []byte, inputs [][]byte, deadline time.Time) error {
		gotCommands = commands
		gotInputs = inputs
		f.canonicalTok.Mint(custodyAddr, big.NewInt(1_000000))
		return nil
	}
	if _, err := f.engine.DepositArbitraryToken(ctx, depositor, tokenXID, unit18(1), big.NewInt(0), time.Time{}); err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if len(gotCommands) != 1 || gotCommands[0] != router.CommandExactInSwap {
		t.Fatalf("unexpected command bytes %x", gotCommands)
	}
	if len(gotInputs) != 1 {
		t.Fatalf("expected one input, got %d", len(gotInputs))
	}
}

func TestSwapSettlementRejectsDirectRouteAssets(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	for _, asset := range []common.Address{registry.NativeAsset, canonicalID} {
		_, err := f.engine.DepositArbitraryToken(ctx, depositor, asset, unit18(1), big.NewInt(0), time.Time{})
		if !errors.Is(err, ErrDirectAssetRoute) {
			t.Fatalf("asset %s: expected ErrDirectAssetRoute, got %v", asset.Hex(), err)
		}
	}
}

func TestSwapSettlementRefundsOnVenueFailure(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))
	f.provider.execute = func(ctx context.Context, commands []byte, inputs [][]byte, deadline time.Time) error {
		return errors.New("slippage exceeded")
	}

	_, err := f.engine.DepositArbitraryToken(ctx, depositor, tokenXID, unit18(1), big.NewInt(0), time.Time{})
	if err == nil {
		t.Fatalf("expected venue failure to surface")
	}
	balance, _ := f.tokenX.BalanceOf(ctx, depositor)
	if balance.Cmp(unit18(10)) != 0 {
		t.Fatalf("expected depositor refunded, got %s", balance)
	}
	ledgerBalance, _ := f.engine.BalanceOf(depositor, canonicalID)
	if ledgerBalance.Sign() != 0 {
		t.Fatalf("expected no canonical credit, got %s", ledgerBalance)
	}
}

func TestSwapSettlementRefundsOnPreSwapCapViolation(t *testing.T) {
	// Cap of 1 canonical unit; 1e18 of the $2 token estimates to 2 units.
	f := newFixture(t, Params{BankCap: big.NewInt(1_000000)})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))

	_, err := f.engine.DepositArbitraryToken(ctx, depositor, tokenXID, unit18(1), big.NewInt(0), time.Time{})
	var violation *limits.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if f.provider.calls != 0 {
		t.Fatalf("venue must not be called after capacity rejection")
	}
	balance, _ := f.tokenX.BalanceOf(ctx, depositor)
	if balance.Cmp(unit18(10)) != 0 {
		t.Fatalf("expected depositor refunded, got %s", balance)
	}
}

func TestSwapSettlementPaysOutputOnPostSwapCapViolation(t *testing.T) {
	// Cap of 2 canonical units: the $2 estimate for 1e18 passes the pre-swap
	// check exactly, but the venue delivers more than estimated.
	f := newFixture(t, Params{BankCap: big.NewInt(2_000000)})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))
	venueFill(f, big.NewInt(2_100000))

	_, err := f.engine.DepositArbitraryToken(ctx, depositor, tokenXID, unit18(1), big.NewInt(0), time.Time{})
	var violation *limits.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	// The realised canonical output goes to the depositor instead of custody.
	balance, _ := f.canonicalTok.BalanceOf(ctx, depositor)
	if balance.Cmp(big.NewInt(2_100000)) != 0 {
		t.Fatalf("expected output paid out, got %s", balance)
	}
	ledgerBalance, _ := f.engine.BalanceOf(depositor, canonicalID)
	if ledgerBalance.Sign() != 0 {
		t.Fatalf("expected no ledger credit, got %s", ledgerBalance)
	}
	exposure, _ := f.engine.TotalExposure()
	if exposure.Sign() != 0 {
		t.Fatalf("expected zero exposure, got %s", exposure)
	}
}

func TestSwapSettlementStrandsOutputOnBalanceReadFailure(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))
	venueFill(f, big.NewInt(1_900000))
	// The pre-swap custody read succeeds; the post-swap read fails.
	f.canonicalTok.failReadAt = 2

	_, err := f.engine.DepositArbitraryToken(ctx, depositor, tokenXID, unit18(1), big.NewInt(0), time.Time{})
	if err == nil {
		t.Fatalf("expected balance read failure to surface")
	}
	// The swap already spent the input, so there is no refund and no credit;
	// the output stays in custody for the admin balance-override path.
	balance, _ := f.tokenX.BalanceOf(ctx, depositor)
	if balance.Cmp(unit18(9)) != 0 {
		t.Fatalf("expected input spent without refund, got %s", balance)
	}
	ledgerBalance, _ := f.engine.BalanceOf(depositor, canonicalID)
	if ledgerBalance.Sign() != 0 {
		t.Fatalf("expected no canonical credit, got %s", ledgerBalance)
	}
	custodyBalance, _ := f.canonicalTok.BalanceOf(ctx, custodyAddr)
	if custodyBalance.Cmp(big.NewInt(1_900000)) != 0 {
		t.Fatalf("expected output held in custody, got %s", custodyBalance)
	}
}

func TestSwapSettlementZeroOutput(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))
	// Venue reports success without delivering anything.
	f.provider.execute = func(ctx context.Context, commands []byte, inputs [][]byte, deadline time.Time) error {
		return nil
	}
	_, err := f.engine.DepositArbitraryToken(ctx, depositor, tokenXID, unit18(1), big.NewInt(0), time.Time{})
	if !errors.Is(err, ErrNoSwapOutput) {
		t.Fatalf("expected ErrNoSwapOutput, got %v", err)
	}
}

func TestSwapSettlementMinimumDepositFloor(t *testing.T) {
	// Floor of 1 native unit ($1) converts to half a unit of the $2 token.
	f := newFixture(t, Params{MinDepositNative: unit18(1)})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))

	small, _ := new(big.Int).SetString("400000000000000000", 10) // 0.4e18
	_, err := f.engine.DepositArbitraryToken(ctx, depositor, tokenXID, small, big.NewInt(0), time.Time{})
	if !errors.Is(err, ErrBelowMinimumDeposit) {
		t.Fatalf("expected ErrBelowMinimumDeposit, got %v", err)
	}

	venueFill(f, big.NewInt(1_000000))
	half, _ := new(big.Int).SetString("500000000000000000", 10) // exactly the floor
	if _, err := f.engine.DepositArbitraryToken(ctx, depositor, tokenXID, half, big.NewInt(0), time.Time{}); err != nil {
		t.Fatalf("deposit at floor: %v", err)
	}
}

func TestSwapSettlementUnsupportedAsset(t *testing.T) {
	f := newFixture(t, Params{})
	unknown := common.HexToAddress("0x9999999999999999999999999999999999999999")
	_, err := f.engine.DepositArbitraryToken(context.Background(), depositor, unknown, unit18(1), big.NewInt(0), time.Time{})
	if !errors.Is(err, registry.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestReentrantCallIsRejected(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))

	var nested error
	f.provider.execute = func(ctx context.Context, commands []byte, inputs [][]byte, deadline time.Time) error {
		// A malicious venue calling back into the bank mid-settlement.
		nested = f.engine.DepositNative(ctx, depositor, unit18(1))
		f.canonicalTok.Mint(custodyAddr, big.NewInt(1_000000))
		return nil
	}
	if _, err := f.engine.DepositArbitraryToken(ctx, depositor, tokenXID, unit18(1), big.NewInt(0), time.Time{}); err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if !errors.Is(nested, ErrReentrancy) {
		t.Fatalf("expected nested call to fail with ErrReentrancy, got %v", nested)
	}
	// The outer settlement completed; only the nested mutation was blocked.
	balance, _ := f.engine.BalanceOf(depositor, registry.NativeAsset)
	if balance.Sign() != 0 {
		t.Fatalf("nested deposit must not credit, got %s", balance)
	}
}
