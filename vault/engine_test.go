package vault

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tokenbank/audit"
	"tokenbank/ledger"
	"tokenbank/limits"
	"tokenbank/oracle"
	"tokenbank/registry"
	"tokenbank/state"
	"tokenbank/storage"
	"tokenbank/token"
)

var (
	custodyAddr  = common.HexToAddress("0xC0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0")
	canonicalID  = common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")
	tokenXID     = common.HexToAddress("0x5555555555555555555555555555555555555555")
	depositor    = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	testFeedAddr = common.HexToAddress("0xFEEDFEEDFEEDFEEDFEEDFEEDFEEDFEEDFEEDFEED")
)

var testClock = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

func unit18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// memToken is an in-memory fungible token with optional transfer fees and
// injectable failures.
type memToken struct {
	mu           sync.Mutex
	balances     map[common.Address]*big.Int
	fee          *big.Int
	failNext     error
	balanceReads int
	failReadAt   int // fail the Nth BalanceOf call when positive
}

func newMemToken() *memToken {
	return &memToken{balances: make(map[common.Address]*big.Int)}
}

func (m *memToken) Mint(addr common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(addr, amount)
}

func (m *memToken) add(addr common.Address, amount *big.Int) {
	current, ok := m.balances[addr]
	if !ok {
		current = big.NewInt(0)
	}
	m.balances[addr] = new(big.Int).Add(current, amount)
}

func (m *memToken) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceReads++
	if m.failReadAt > 0 && m.balanceReads == m.failReadAt {
		return nil, errors.New("balance read unavailable")
	}
	current, ok := m.balances[holder]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(current), nil
}

func (m *memToken) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return m.TransferFrom(ctx, custodyAddr, to, amount)
}

func (m *memToken) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	delivered := new(big.Int).Set(amount)
	if m.fee != nil {
		delivered.Sub(delivered, m.fee)
	}
	m.add(from, new(big.Int).Neg(amount))
	m.add(to, delivered)
	return nil
}

type memSource map[common.Address]token.Token

func (s memSource) Token(asset common.Address) (token.Token, error) {
	tok, ok := s[asset]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return tok, nil
}

type payment struct {
	to     common.Address
	amount *big.Int
}

type nativeStub struct {
	paid []payment
	err  error
}

func (n *nativeStub) Pay(ctx context.Context, to common.Address, amount *big.Int) error {
	if n.err != nil {
		return n.err
	}
	n.paid = append(n.paid, payment{to: to, amount: new(big.Int).Set(amount)})
	return nil
}

type providerStub struct {
	execute func(ctx context.Context, commands []byte, inputs [][]byte, deadline time.Time) error
	calls   int
}

func (p *providerStub) Execute(ctx context.Context, commands []byte, inputs [][]byte, deadline time.Time) error {
	p.calls++
	if p.execute != nil {
		return p.execute(ctx, commands, inputs, deadline)
	}
	return nil
}

type fixture struct {
	store        *state.Store
	engine       *Engine
	assets       *registry.Registry
	prices       *oracle.Adapter
	books        *ledger.Ledger
	trail        *audit.Log
	tokenX       *memToken
	canonicalTok *memToken
	native       *nativeStub
	provider     *providerStub
}

// newFixture wires an engine over in-memory collaborators. Prices: native $1,
// token X $2, canonical 6 decimals. Zero-valued params get generous defaults.
func newFixture(t *testing.T, params Params) *fixture {
	t.Helper()
	store := state.NewStore(storage.NewMemDB())
	return newFixtureWithStore(t, store, params)
}

func newFixtureWithStore(t *testing.T, store *state.Store, params Params) *fixture {
	t.Helper()
	now := testClock()

	assets, err := registry.New(store,
		registry.Asset{ID: registry.NativeAsset, Feed: testFeedAddr, Decimals: 18},
		registry.Asset{ID: canonicalID, Feed: testFeedAddr, Decimals: 6},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if !assets.IsSupported(tokenXID) {
		if err := assets.Register(registry.Asset{ID: tokenXID, Feed: testFeedAddr, Decimals: 18}); err != nil {
			t.Fatalf("register token: %v", err)
		}
	}

	prices := oracle.NewAdapter(time.Hour)
	prices.SetClock(testClock)
	prices.Register(registry.NativeAsset, oracle.NewStaticFeed(big.NewInt(1_00000000), 8, now))
	prices.Register(canonicalID, oracle.NewStaticFeed(big.NewInt(1_00000000), 8, now))
	prices.Register(tokenXID, oracle.NewStaticFeed(big.NewInt(2_00000000), 8, now))

	limitEngine, err := limits.New(assets, prices, canonicalID, 6, unit18(1000))
	if err != nil {
		t.Fatalf("limits: %v", err)
	}

	tokenX := newMemToken()
	canonicalTok := newMemToken()
	tokens := memSource{tokenXID: tokenX, canonicalID: canonicalTok}
	native := &nativeStub{}
	provider := &providerStub{}

	if params.Custody == (common.Address{}) {
		params.Custody = custodyAddr
	}
	if params.BankCap == nil {
		params.BankCap = big.NewInt(1_000_000_000_000) // 1M canonical units
	}
	if params.FeeTier == 0 {
		params.FeeTier = 3000
	}

	feedFactory := func(addr common.Address) (oracle.PriceFeed, error) {
		return oracle.NewStaticFeed(big.NewInt(1_00000000), 8, now), nil
	}

	books := ledger.New(store)
	trail := audit.New(store)
	trail.SetClock(testClock)

	engine, err := New(Deps{
		Store:    store,
		Registry: assets,
		Ledger:   books,
		Limits:   limitEngine,
		Prices:   prices,
		Tokens:   tokens,
		Native:   native,
		Venue:    provider,
		Audit:    trail,
		Feeds:    feedFactory,
		Logger:   slog.Default(),
	}, params)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	engine.SetClock(testClock)

	return &fixture{
		store:        store,
		engine:       engine,
		assets:       assets,
		prices:       prices,
		books:        books,
		trail:        trail,
		tokenX:       tokenX,
		canonicalTok: canonicalTok,
		native:       native,
		provider:     provider,
	}
}

func TestDepositNativeCreditsBalanceAndExposure(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()

	if err := f.engine.DepositNative(ctx, depositor, unit18(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	balance, err := f.engine.BalanceOf(depositor, registry.NativeAsset)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(unit18(5)) != 0 {
		t.Fatalf("expected balance 5e18, got %s", balance)
	}
	// 5 native units at $1 into 6-decimal canonical units.
	exposure, _ := f.engine.TotalExposure()
	if exposure.Cmp(big.NewInt(5_000000)) != 0 {
		t.Fatalf("expected exposure 5000000, got %s", exposure)
	}
	count, _ := f.engine.DepositCount()
	if count != 1 {
		t.Fatalf("expected 1 deposit, got %d", count)
	}
}

func TestDepositNativeRejectsZeroAmount(t *testing.T) {
	f := newFixture(t, Params{})
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		if err := f.engine.DepositNative(context.Background(), depositor, amount); !errors.Is(err, ErrZeroAmount) {
			t.Fatalf("amount %v: expected ErrZeroAmount, got %v", amount, err)
		}
	}
}

func TestDepositNativePerTxCap(t *testing.T) {
	f := newFixture(t, Params{PerTxNativeCap: unit18(10)})
	err := f.engine.DepositNative(context.Background(), depositor, unit18(11))
	var violation *limits.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if violation.Code != limits.CodePerTxCap {
		t.Fatalf("expected per_tx_cap, got %s", violation.Code)
	}
	// Exactly at the cap is allowed.
	if err := f.engine.DepositNative(context.Background(), depositor, unit18(10)); err != nil {
		t.Fatalf("deposit at cap: %v", err)
	}
}

func TestDepositNativeBankCap(t *testing.T) {
	// Cap of 3 canonical units; $1 native price means 3e18 native fills it.
	f := newFixture(t, Params{BankCap: big.NewInt(3_000000)})
	if err := f.engine.DepositNative(context.Background(), depositor, unit18(3)); err != nil {
		t.Fatalf("deposit at cap: %v", err)
	}
	err := f.engine.DepositNative(context.Background(), depositor, big.NewInt(1_000_000_000_000))
	var violation *limits.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if violation.Code != limits.CodeBankCap {
		t.Fatalf("expected bank_cap, got %s", violation.Code)
	}
}

func TestWithdrawNativePaysOut(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	if err := f.engine.DepositNative(ctx, depositor, unit18(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.WithdrawNative(ctx, depositor, unit18(2)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	balance, _ := f.engine.BalanceOf(depositor, registry.NativeAsset)
	if balance.Cmp(unit18(3)) != 0 {
		t.Fatalf("expected balance 3e18, got %s", balance)
	}
	if len(f.native.paid) != 1 {
		t.Fatalf("expected one payout, got %d", len(f.native.paid))
	}
	if f.native.paid[0].to != depositor || f.native.paid[0].amount.Cmp(unit18(2)) != 0 {
		t.Fatalf("unexpected payout %+v", f.native.paid[0])
	}
	count, _ := f.engine.WithdrawCount()
	if count != 1 {
		t.Fatalf("expected 1 withdrawal, got %d", count)
	}
}

func TestWithdrawNativeRestoresBalanceOnPayoutFailure(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	if err := f.engine.DepositNative(ctx, depositor, unit18(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.native.err = errors.New("rpc down")
	err := f.engine.WithdrawNative(ctx, depositor, unit18(2))
	if !errors.Is(err, token.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	balance, _ := f.engine.BalanceOf(depositor, registry.NativeAsset)
	if balance.Cmp(unit18(5)) != 0 {
		t.Fatalf("expected balance restored to 5e18, got %s", balance)
	}
	count, _ := f.engine.WithdrawCount()
	if count != 0 {
		t.Fatalf("failed withdrawal must not count, got %d", count)
	}
}

func TestWithdrawNativeCeiling(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	if err := f.engine.DepositNative(ctx, depositor, unit18(2000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// $1000 policy at $1 per native unit caps single withdrawals at 1000e18.
	err := f.engine.WithdrawNative(ctx, depositor, unit18(1001))
	var violation *limits.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if violation.Code != limits.CodeWithdrawLimit {
		t.Fatalf("expected withdraw_limit, got %s", violation.Code)
	}
	if err := f.engine.WithdrawNative(ctx, depositor, unit18(1000)); err != nil {
		t.Fatalf("withdraw at ceiling: %v", err)
	}
}

func TestDepositTokenMeasuresDelta(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))
	// Fee-on-transfer: custody receives one base unit less than requested.
	f.tokenX.fee = big.NewInt(1)

	received, err := f.engine.DepositToken(ctx, depositor, tokenXID, unit18(10))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	want := new(big.Int).Sub(unit18(10), big.NewInt(1))
	if received.Cmp(want) != 0 {
		t.Fatalf("expected received %s, got %s", want, received)
	}
	balance, _ := f.engine.BalanceOf(depositor, tokenXID)
	if balance.Cmp(want) != 0 {
		t.Fatalf("expected ledger balance %s, got %s", want, balance)
	}
}

func TestDepositTokenUnsupportedAsset(t *testing.T) {
	f := newFixture(t, Params{})
	unknown := common.HexToAddress("0x9999999999999999999999999999999999999999")
	_, err := f.engine.DepositToken(context.Background(), depositor, unknown, unit18(1))
	if !errors.Is(err, registry.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestDepositTokenRefundsOnCapViolation(t *testing.T) {
	// Token X is worth $2: a 2-canonical-unit cap admits less than 2e18.
	f := newFixture(t, Params{BankCap: big.NewInt(2_000000)})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))

	_, err := f.engine.DepositToken(ctx, depositor, tokenXID, unit18(2))
	var violation *limits.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected violation, got %v", err)
	}
	// The transfer-in must have been unwound.
	balance, _ := f.tokenX.BalanceOf(ctx, depositor)
	if balance.Cmp(unit18(10)) != 0 {
		t.Fatalf("expected depositor refunded to 10e18, got %s", balance)
	}
	custodyBalance, _ := f.tokenX.BalanceOf(ctx, custodyAddr)
	if custodyBalance.Sign() != 0 {
		t.Fatalf("expected empty custody, got %s", custodyBalance)
	}
}

func TestWithdrawTokenInsufficientBalance(t *testing.T) {
	f := newFixture(t, Params{})
	err := f.engine.WithdrawToken(context.Background(), depositor, tokenXID, unit18(1))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestWithdrawTokenTransfersOut(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	f.tokenX.Mint(depositor, unit18(10))
	if _, err := f.engine.DepositToken(ctx, depositor, tokenXID, unit18(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.WithdrawToken(ctx, depositor, tokenXID, unit18(4)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	balance, _ := f.tokenX.BalanceOf(ctx, depositor)
	if balance.Cmp(unit18(4)) != 0 {
		t.Fatalf("expected depositor holding 4e18, got %s", balance)
	}
	ledgerBalance, _ := f.engine.BalanceOf(depositor, tokenXID)
	if ledgerBalance.Cmp(unit18(6)) != 0 {
		t.Fatalf("expected ledger balance 6e18, got %s", ledgerBalance)
	}
}

func TestReconcileMatchesLiveLedger(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	if err := f.engine.DepositNative(ctx, depositor, unit18(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	report, err := f.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Drift().Sign() != 0 {
		t.Fatalf("expected zero drift, got %s", report.Drift())
	}
	if report.Entries != 1 {
		t.Fatalf("expected one entry, got %d", report.Entries)
	}
}

func TestAdminSetBalanceRecordsAudit(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	if err := f.engine.DepositNative(ctx, depositor, unit18(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	previous, err := f.engine.AdminSetBalance(ctx, "ops", depositor, registry.NativeAsset, unit18(2))
	if err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if previous.Cmp(unit18(5)) != 0 {
		t.Fatalf("expected previous 5e18, got %s", previous)
	}
	balance, _ := f.engine.BalanceOf(depositor, registry.NativeAsset)
	if balance.Cmp(unit18(2)) != 0 {
		t.Fatalf("expected balance 2e18, got %s", balance)
	}
	// Exposure follows the canonical delta: 2 native units at $1.
	exposure, _ := f.engine.TotalExposure()
	if exposure.Cmp(big.NewInt(2_000000)) != 0 {
		t.Fatalf("expected exposure 2000000, got %s", exposure)
	}
	records, err := f.engine.AuditTrail()
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(records) != 1 || records[0].Kind != audit.KindBalanceOverride {
		t.Fatalf("expected one balance_override record, got %+v", records)
	}
	if records[0].Actor != "ops" {
		t.Fatalf("expected actor ops, got %s", records[0].Actor)
	}
}

func TestSetPerTxNativeCapPersists(t *testing.T) {
	store := state.NewStore(storage.NewMemDB())
	f := newFixtureWithStore(t, store, Params{})
	if err := f.engine.SetPerTxNativeCap("ops", unit18(7)); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	if f.engine.PerTxNativeCap().Cmp(unit18(7)) != 0 {
		t.Fatalf("cap not applied")
	}

	reloaded := newFixtureWithStore(t, store, Params{})
	if reloaded.engine.PerTxNativeCap().Cmp(unit18(7)) != 0 {
		t.Fatalf("expected persisted cap 7e18, got %s", reloaded.engine.PerTxNativeCap())
	}
}

func TestRegisterAndDeregisterAsset(t *testing.T) {
	f := newFixture(t, Params{})
	newAsset := common.HexToAddress("0x7777777777777777777777777777777777777777")
	record := registry.Asset{ID: newAsset, Feed: testFeedAddr, Decimals: 8}
	if err := f.engine.RegisterAsset("ops", record); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !f.assets.IsSupported(newAsset) {
		t.Fatalf("asset not supported after register")
	}
	// The feed binding must resolve prices immediately.
	if _, _, err := f.prices.Price(context.Background(), newAsset); err != nil {
		t.Fatalf("price after register: %v", err)
	}
	if err := f.engine.DeregisterAsset("ops", newAsset); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if f.assets.IsSupported(newAsset) {
		t.Fatalf("asset still supported after deregister")
	}
	if _, _, err := f.prices.Price(context.Background(), newAsset); !errors.Is(err, oracle.ErrNoFeed) {
		t.Fatalf("expected feed removed, got %v", err)
	}
	records, _ := f.engine.AuditTrail()
	if len(records) != 2 {
		t.Fatalf("expected two audit records, got %d", len(records))
	}
	if records[0].Kind != audit.KindAssetRegister || records[1].Kind != audit.KindAssetDeregister {
		t.Fatalf("unexpected audit kinds: %s, %s", records[0].Kind, records[1].Kind)
	}
}
