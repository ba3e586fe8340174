package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"gopkg.in/natefinch/lumberjack.v2"

	"tokenbank/audit"
	"tokenbank/config"
	"tokenbank/ledger"
	"tokenbank/limits"
	"tokenbank/observability/logging"
	"tokenbank/oracle"
	"tokenbank/registry"
	"tokenbank/router"
	"tokenbank/rpc"
	"tokenbank/state"
	"tokenbank/storage"
	"tokenbank/token"
	"tokenbank/vault"
)

func main() {
	configPath := flag.String("config", "bankd.toml", "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bankd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var logWriter io.Writer
	if cfg.LogFile != "" {
		logWriter = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     28,
			Compress:   true,
		}
	}
	logger := logging.Setup("bankd", cfg.Env, logWriter)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	store := state.NewStore(db)

	if cfg.EthEndpoint == "" {
		return fmt.Errorf("eth_endpoint required")
	}
	client, err := ethclient.Dial(cfg.EthEndpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.EthEndpoint, err)
	}
	defer client.Close()

	keyHex := strings.TrimSpace(os.Getenv(cfg.OperatorKeyEnv))
	if keyHex == "" {
		return fmt.Errorf("operator key missing: set %s", cfg.OperatorKeyEnv)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("parse operator key: %w", err)
	}
	chainID := big.NewInt(cfg.ChainID)
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return fmt.Errorf("build transactor: %w", err)
	}
	custody := ethcrypto.PubkeyToAddress(key.PublicKey)
	if cfg.CustodyAddress != "" {
		custody = common.HexToAddress(cfg.CustodyAddress)
	}

	prices := oracle.NewAdapter(cfg.PriceStaleness())
	feedFactory := func(addr common.Address) (oracle.PriceFeed, error) {
		return oracle.NewContractFeed(client, addr)
	}

	canonical := registry.Asset{
		ID:       common.HexToAddress(cfg.Canonical.Address),
		Feed:     common.HexToAddress(cfg.Canonical.Feed),
		Decimals: cfg.Canonical.Decimals,
	}
	native := registry.Asset{
		ID:       registry.NativeAsset,
		Feed:     common.HexToAddress(cfg.Native.Feed),
		Decimals: cfg.Native.Decimals,
	}
	assets, err := registry.New(store, native, canonical)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	for _, configured := range cfg.Assets {
		record := registry.Asset{
			ID:       common.HexToAddress(configured.Address),
			Feed:     common.HexToAddress(configured.Feed),
			Decimals: configured.Decimals,
		}
		if err := assets.Register(record); err != nil && !errors.Is(err, registry.ErrAlreadySupported) {
			return fmt.Errorf("register %s: %w", configured.Symbol, err)
		}
	}
	for _, id := range assets.List() {
		record, ok := assets.Get(id)
		if !ok {
			continue
		}
		feed, err := feedFactory(record.Feed)
		if err != nil {
			return fmt.Errorf("bind feed for %s: %w", id.Hex(), err)
		}
		prices.Register(id, feed)
	}

	limitEngine, err := limits.New(assets, prices, canonical.ID, canonical.Decimals, cfg.PolicyLimitAmount())
	if err != nil {
		return fmt.Errorf("build limits: %w", err)
	}

	books := ledger.New(store)
	trail := audit.New(store)
	tokens := token.NewChainSource(client, opts)
	payer, err := token.NewNativePayer(client, key, chainID)
	if err != nil {
		return fmt.Errorf("build native payer: %w", err)
	}

	var venue router.Provider
	if cfg.RouterAddress != "" {
		venue, err = router.NewUniversalRouter(client, common.HexToAddress(cfg.RouterAddress), opts)
		if err != nil {
			return fmt.Errorf("bind router: %w", err)
		}
	}

	engine, err := vault.New(vault.Deps{
		Store:    store,
		Registry: assets,
		Ledger:   books,
		Limits:   limitEngine,
		Prices:   prices,
		Tokens:   tokens,
		Native:   payer,
		Venue:    venue,
		Audit:    trail,
		Feeds:    feedFactory,
		Logger:   logger,
	}, vault.Params{
		Custody:          custody,
		BankCap:          cfg.BankCapAmount(),
		MinDepositNative: cfg.MinDepositNativeAmount(),
		PerTxNativeCap:   cfg.PerTxNativeCapAmount(),
		FeeTier:          cfg.SwapFeeTier,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	server, err := rpc.New(rpc.Config{
		ListenAddress:      cfg.ListenAddress,
		AdminToken:         strings.TrimSpace(os.Getenv(cfg.AdminTokenEnv)),
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	}, engine, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("bankd starting",
		"custody", custody.Hex(),
		"canonical", canonical.ID.Hex(),
		"assets", len(assets.List()),
		"listen", cfg.ListenAddress)
	return server.Run(ctx)
}
