package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tokenbank/audit"
	"tokenbank/ledger"
	"tokenbank/limits"
	"tokenbank/observability"
	"tokenbank/oracle"
	"tokenbank/registry"
	"tokenbank/router"
	"tokenbank/state"
	"tokenbank/token"
)

var (
	// ErrZeroAmount indicates a zero or missing amount.
	ErrZeroAmount = errors.New("vault: amount must be positive")
	// ErrBelowMinimumDeposit indicates the deposit is under the configured floor.
	ErrBelowMinimumDeposit = errors.New("vault: amount below minimum deposit")
	// ErrDirectAssetRoute indicates the asset has a dedicated settlement path
	// and must not go through the arbitrary-token swap route.
	ErrDirectAssetRoute = errors.New("vault: asset settles through its direct path")
	// ErrNoSwapOutput indicates the swap venue reported success but no
	// canonical output reached custody.
	ErrNoSwapOutput = errors.New("vault: swap produced no measurable output")
)

var perTxCapKey = []byte("vault/pertx-native-cap")

type storedCap struct {
	Cap *big.Int
}

// FeedFactory builds a price feed client for the aggregator at addr. The
// daemon wires an on-chain implementation; tests supply static feeds.
type FeedFactory func(addr common.Address) (oracle.PriceFeed, error)

// Params carries the immutable engine configuration.
type Params struct {
	// Custody is the account holding pooled funds on chain.
	Custody common.Address
	// BankCap is the global custody ceiling in canonical units.
	BankCap *big.Int
	// MinDepositNative is the minimum deposit floor in native base units; it
	// is converted into the requested asset for the arbitrary-token route.
	MinDepositNative *big.Int
	// PerTxNativeCap bounds single native transfers, zero disables it.
	PerTxNativeCap *big.Int
	// FeeTier is the provider pool fee used for every settlement route.
	FeeTier uint32
}

// Engine coordinates the custody ledger: it validates every operation against
// the registry, the price-derived limits, and the global capacity before any
// ledger mutation, and it settles arbitrary-token deposits through the swap
// venue.
type Engine struct {
	guard  guard
	store  *state.Store
	assets *registry.Registry
	books  *ledger.Ledger
	limits *limits.Engine
	prices *oracle.Adapter
	tokens token.Source
	native token.NativeBank
	venue  router.Provider
	trail  *audit.Log
	feeds  FeedFactory

	custody          common.Address
	canonical        common.Address
	bankCap          *big.Int
	minDepositNative *big.Int
	feeTier          uint32

	capMu          sync.RWMutex
	perTxNativeCap *big.Int

	log     *slog.Logger
	metrics *observability.BankMetrics
	clock   func() time.Time
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store    *state.Store
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Limits   *limits.Engine
	Prices   *oracle.Adapter
	Tokens   token.Source
	Native   token.NativeBank
	Venue    router.Provider
	Audit    *audit.Log
	Feeds    FeedFactory
	Logger   *slog.Logger
}

// New constructs the engine. The per-transaction native cap is restored from
// storage when a persisted value exists, otherwise the configured default
// applies.
func New(deps Deps, params Params) (*Engine, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Ledger == nil || deps.Limits == nil || deps.Prices == nil {
		return nil, fmt.Errorf("vault: store, registry, ledger, limits and prices are required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("vault: token source required")
	}
	if deps.Audit == nil {
		return nil, fmt.Errorf("vault: audit log required")
	}
	if params.BankCap == nil || params.BankCap.Sign() <= 0 {
		return nil, fmt.Errorf("vault: positive bank cap required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:            deps.Store,
		assets:           deps.Registry,
		books:            deps.Ledger,
		limits:           deps.Limits,
		prices:           deps.Prices,
		tokens:           deps.Tokens,
		native:           deps.Native,
		venue:            deps.Venue,
		trail:            deps.Audit,
		feeds:            deps.Feeds,
		custody:          params.Custody,
		canonical:        deps.Registry.Canonical(),
		bankCap:          new(big.Int).Set(params.BankCap),
		minDepositNative: big.NewInt(0),
		perTxNativeCap:   big.NewInt(0),
		feeTier:          params.FeeTier,
		log:              logger,
		metrics:          observability.Bank(),
		clock:            time.Now,
	}
	if params.MinDepositNative != nil && params.MinDepositNative.Sign() > 0 {
		e.minDepositNative = new(big.Int).Set(params.MinDepositNative)
	}
	if params.PerTxNativeCap != nil && params.PerTxNativeCap.Sign() > 0 {
		e.perTxNativeCap = new(big.Int).Set(params.PerTxNativeCap)
	}
	if e.feeTier == 0 {
		e.feeTier = router.DefaultFeeTier
	}
	var persisted storedCap
	ok, err := deps.Store.Get(perTxCapKey, &persisted)
	if err != nil {
		return nil, err
	}
	if ok && persisted.Cap != nil {
		e.perTxNativeCap = persisted.Cap
	}
	return e, nil
}

// SetClock overrides the time source for deterministic tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// BankCap returns the global custody ceiling in canonical units.
func (e *Engine) BankCap() *big.Int {
	return new(big.Int).Set(e.bankCap)
}

// PerTxNativeCap returns the current per-transaction native cap, zero when
// disabled.
func (e *Engine) PerTxNativeCap() *big.Int {
	e.capMu.RLock()
	defer e.capMu.RUnlock()
	return new(big.Int).Set(e.perTxNativeCap)
}

// DepositNative credits a native-currency deposit. Callers invoke this only
// after the inbound transfer has been confirmed in custody; the operator
// credential gates the transport route. The engine enforces the
// per-transaction cap and the bank cap, then credits.
func (e *Engine) DepositNative(ctx context.Context, account common.Address, amount *big.Int) error {
	if err := e.guard.enter(); err != nil {
		return e.fail(err)
	}
	defer e.guard.exit()
	if amount == nil || amount.Sign() <= 0 {
		return e.fail(ErrZeroAmount)
	}
	if err := e.checkPerTxCap(amount); err != nil {
		return e.fail(err)
	}
	canonical, err := e.checkCapacity(ctx, registry.NativeAsset, amount)
	if err != nil {
		return e.fail(err)
	}
	if err := e.books.Credit(account, registry.NativeAsset, amount, canonical); err != nil {
		return e.fail(err)
	}
	e.settleDeposit(ctx, "native", account, registry.NativeAsset, amount)
	return nil
}

// WithdrawNative debits a native withdrawal after the price-derived ceiling
// and per-transaction cap checks, then pays out of custody. A failed payout
// restores the ledger entry before returning.
func (e *Engine) WithdrawNative(ctx context.Context, account common.Address, amount *big.Int) error {
	if err := e.guard.enter(); err != nil {
		return e.fail(err)
	}
	defer e.guard.exit()
	if amount == nil || amount.Sign() <= 0 {
		return e.fail(ErrZeroAmount)
	}
	if err := e.checkPerTxCap(amount); err != nil {
		return e.fail(err)
	}
	if err := e.limits.CheckWithdrawal(ctx, registry.NativeAsset, amount); err != nil {
		return e.fail(err)
	}
	canonical, err := e.limits.CanonicalValue(ctx, registry.NativeAsset, amount)
	if err != nil {
		return e.fail(err)
	}
	if err := e.books.Debit(account, registry.NativeAsset, amount, canonical); err != nil {
		return e.fail(err)
	}
	if e.native == nil {
		return e.undoDebit(account, registry.NativeAsset, amount, canonical,
			fmt.Errorf("%w: no native payout backend", token.ErrTransferFailed))
	}
	if err := e.native.Pay(ctx, account, amount); err != nil {
		return e.undoDebit(account, registry.NativeAsset, amount, canonical,
			fmt.Errorf("%w: native payout: %v", token.ErrTransferFailed, err))
	}
	e.settleWithdrawal(ctx, "native", account, registry.NativeAsset, amount)
	return nil
}

// DepositToken custodies a supported token directly (the canonical asset and
// any registered token take this path; arbitrary tokens go through the swap
// route). The credited amount is the measured balance delta, tolerating
// fee-on-transfer assets.
func (e *Engine) DepositToken(ctx context.Context, account, asset common.Address, amount *big.Int) (*big.Int, error) {
	if err := e.guard.enter(); err != nil {
		return nil, e.fail(err)
	}
	defer e.guard.exit()
	if asset == registry.NativeAsset {
		return nil, e.fail(fmt.Errorf("%w: native deposits use the native route", registry.ErrInvalidAsset))
	}
	if !e.assets.IsSupported(asset) {
		return nil, e.fail(fmt.Errorf("%w: %s", registry.ErrNotSupported, asset.Hex()))
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, e.fail(ErrZeroAmount)
	}
	tok, err := e.tokens.Token(asset)
	if err != nil {
		return nil, e.fail(err)
	}
	received, err := e.pullIn(ctx, tok, account, amount)
	if err != nil {
		return nil, e.fail(err)
	}
	canonical, err := e.checkCapacity(ctx, asset, received)
	if err != nil {
		return nil, e.fail(e.refund(ctx, tok, account, received, err))
	}
	if err := e.books.Credit(account, asset, received, canonical); err != nil {
		return nil, e.fail(e.refund(ctx, tok, account, received, err))
	}
	e.settleDeposit(ctx, "token", account, asset, received)
	return received, nil
}

// WithdrawToken debits a supported token withdrawal after the ceiling check
// and transfers it out of custody. A failed transfer restores the ledger
// entry before returning.
func (e *Engine) WithdrawToken(ctx context.Context, account, asset common.Address, amount *big.Int) error {
	if err := e.guard.enter(); err != nil {
		return e.fail(err)
	}
	defer e.guard.exit()
	if asset == registry.NativeAsset {
		return e.fail(fmt.Errorf("%w: native withdrawals use the native route", registry.ErrInvalidAsset))
	}
	if !e.assets.IsSupported(asset) {
		return e.fail(fmt.Errorf("%w: %s", registry.ErrNotSupported, asset.Hex()))
	}
	if amount == nil || amount.Sign() <= 0 {
		return e.fail(ErrZeroAmount)
	}
	if err := e.limits.CheckWithdrawal(ctx, asset, amount); err != nil {
		return e.fail(err)
	}
	canonical, err := e.limits.CanonicalValue(ctx, asset, amount)
	if err != nil {
		return e.fail(err)
	}
	if err := e.books.Debit(account, asset, amount, canonical); err != nil {
		return e.fail(err)
	}
	tok, err := e.tokens.Token(asset)
	if err != nil {
		return e.undoDebit(account, asset, amount, canonical, err)
	}
	if err := tok.Transfer(ctx, account, amount); err != nil {
		return e.undoDebit(account, asset, amount, canonical,
			fmt.Errorf("%w: %v", token.ErrTransferFailed, err))
	}
	e.settleWithdrawal(ctx, "token", account, asset, amount)
	return nil
}

// BalanceOf is a lock-free read of the stored balance.
func (e *Engine) BalanceOf(account, asset common.Address) (*big.Int, error) {
	return e.books.BalanceOf(account, asset)
}

// TotalExposure is a lock-free read of the aggregate custodied value.
func (e *Engine) TotalExposure() (*big.Int, error) {
	return e.books.TotalExposure()
}

// DepositCount returns the monotonic deposit counter.
func (e *Engine) DepositCount() (uint64, error) {
	return e.books.DepositCount()
}

// WithdrawCount returns the monotonic withdrawal counter.
func (e *Engine) WithdrawCount() (uint64, error) {
	return e.books.WithdrawCount()
}

// Assets returns the registered asset records in enumeration order.
func (e *Engine) Assets() []registry.Asset {
	ids := e.assets.List()
	records := make([]registry.Asset, 0, len(ids))
	for _, id := range ids {
		if record, ok := e.assets.Get(id); ok {
			records = append(records, record)
		}
	}
	return records
}

// WithdrawCeiling exposes the current price-derived ceiling for an asset.
func (e *Engine) WithdrawCeiling(ctx context.Context, asset common.Address) (*big.Int, error) {
	return e.limits.WithdrawCeiling(ctx, asset)
}

// Reconcile recomputes the exposure aggregate from every balance entry using
// the live price path and compares it with the running counter.
func (e *Engine) Reconcile(ctx context.Context) (ledger.ReconcileReport, error) {
	return e.books.Reconcile(func(asset common.Address, amount *big.Int) (*big.Int, error) {
		return e.limits.CanonicalValue(ctx, asset, amount)
	})
}

func (e *Engine) checkPerTxCap(amount *big.Int) error {
	e.capMu.RLock()
	limit := e.perTxNativeCap
	e.capMu.RUnlock()
	if limit.Sign() > 0 && amount.Cmp(limit) > 0 {
		return &limits.Violation{Code: limits.CodePerTxCap, Requested: new(big.Int).Set(amount), Limit: new(big.Int).Set(limit)}
	}
	return nil
}

func (e *Engine) checkCapacity(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	exposure, err := e.books.TotalExposure()
	if err != nil {
		return nil, err
	}
	return e.limits.CheckCapacity(ctx, asset, amount, exposure, e.bankCap)
}

// pullIn transfers amount from the depositor into custody and returns the
// balance delta actually received.
func (e *Engine) pullIn(ctx context.Context, tok token.Token, account common.Address, amount *big.Int) (*big.Int, error) {
	before, err := tok.BalanceOf(ctx, e.custody)
	if err != nil {
		return nil, err
	}
	if err := tok.TransferFrom(ctx, account, e.custody, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrTransferFailed, err)
	}
	after, err := tok.BalanceOf(ctx, e.custody)
	if err != nil {
		return nil, err
	}
	received := new(big.Int).Sub(after, before)
	if received.Sign() <= 0 {
		return nil, fmt.Errorf("%w: no balance received", token.ErrTransferFailed)
	}
	return received, nil
}

// refund returns received funds to the depositor when a later step fails,
// preserving the all-or-nothing contract. The original cause is always
// surfaced; a refund failure is attached to it.
func (e *Engine) refund(ctx context.Context, tok token.Token, account common.Address, amount *big.Int, cause error) error {
	if err := tok.Transfer(ctx, account, amount); err != nil {
		e.log.Error("refund failed",
			"account", account.Hex(),
			"amount", amount.String(),
			"cause", cause,
			"err", err)
		return fmt.Errorf("%w (refund of %s failed: %v)", cause, amount, err)
	}
	return cause
}

// undoDebit restores a debited balance after a failed outbound transfer.
func (e *Engine) undoDebit(account, asset common.Address, amount, canonical *big.Int, cause error) error {
	if err := e.books.Credit(account, asset, amount, canonical); err != nil {
		e.log.Error("debit rollback failed",
			"account", account.Hex(),
			"asset", asset.Hex(),
			"amount", amount.String(),
			"err", err)
		return e.fail(fmt.Errorf("%w (ledger rollback failed: %v)", cause, err))
	}
	return e.fail(cause)
}

func (e *Engine) settleDeposit(ctx context.Context, route string, account, asset common.Address, amount *big.Int) {
	count, err := e.books.IncrementDeposits()
	if err != nil {
		e.log.Error("deposit counter update failed", "err", err)
	}
	e.metrics.Deposits.WithLabelValues(route).Inc()
	e.observeExposure()
	e.log.Info("deposit settled",
		"route", route,
		"account", account.Hex(),
		"asset", asset.Hex(),
		"amount", amount.String(),
		"deposits", count)
}

func (e *Engine) settleWithdrawal(ctx context.Context, route string, account, asset common.Address, amount *big.Int) {
	count, err := e.books.IncrementWithdrawals()
	if err != nil {
		e.log.Error("withdrawal counter update failed", "err", err)
	}
	e.metrics.Withdrawals.WithLabelValues(route).Inc()
	e.observeExposure()
	e.log.Info("withdrawal settled",
		"route", route,
		"account", account.Hex(),
		"asset", asset.Hex(),
		"amount", amount.String(),
		"withdrawals", count)
}

func (e *Engine) observeExposure() {
	exposure, err := e.books.TotalExposure()
	if err != nil {
		return
	}
	e.metrics.ObserveExposure(exposure)
}

// fail classifies the error for the rejection metric and passes it through.
func (e *Engine) fail(err error) error {
	e.metrics.Rejections.WithLabelValues(rejectionReason(err)).Inc()
	return err
}

func rejectionReason(err error) string {
	var violation *limits.Violation
	switch {
	case errors.As(err, &violation):
		return string(violation.Code)
	case errors.Is(err, ErrReentrancy):
		return "reentrancy"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrBelowMinimumDeposit):
		return "below_minimum"
	case errors.Is(err, ErrDirectAssetRoute):
		return "direct_route"
	case errors.Is(err, ErrNoSwapOutput):
		return "no_swap_output"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrAmountOverflow):
		return "overflow"
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale_price"
	case errors.Is(err, oracle.ErrNoFeed):
		return "no_feed"
	case errors.Is(err, registry.ErrNotSupported):
		return "unsupported_asset"
	case errors.Is(err, registry.ErrInvalidAsset):
		return "invalid_asset"
	case errors.Is(err, token.ErrTransferFailed):
		return "transfer_failed"
	default:
		return "internal"
	}
}
