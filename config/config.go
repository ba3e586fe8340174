package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// AssetConfig describes one supported token and its price feed.
type AssetConfig struct {
	Symbol   string `toml:"symbol"`
	Address  string `toml:"address"`
	Feed     string `toml:"feed"`
	Decimals uint8  `toml:"decimals"`
}

// NativeConfig describes the chain-native currency's price feed.
type NativeConfig struct {
	Feed     string `toml:"feed"`
	Decimals uint8  `toml:"decimals"`
}

// Config is the daemon configuration loaded from TOML.
type Config struct {
	ListenAddress string `toml:"listen_address"`
	DataDir       string `toml:"data_dir"`
	LogFile       string `toml:"log_file"`
	Env           string `toml:"env"`

	// AdminTokenEnv names the environment variable holding the bearer token
	// for the administrative surface. The token itself never lives on disk.
	AdminTokenEnv string `toml:"admin_token_env"`

	EthEndpoint    string `toml:"eth_endpoint"`
	ChainID        int64  `toml:"chain_id"`
	OperatorKeyEnv string `toml:"operator_key_env"`
	RouterAddress  string `toml:"router_address"`
	CustodyAddress string `toml:"custody_address"`

	// Monetary limits are decimal strings in base units so values beyond
	// int64 survive the TOML round trip.
	BankCap          string `toml:"bank_cap"`
	PerTxNativeCap   string `toml:"per_tx_native_cap"`
	MinDepositNative string `toml:"min_deposit_native"`
	PolicyLimitUSD   string `toml:"policy_limit_usd"`

	PriceStalenessSeconds int64  `toml:"price_staleness_seconds"`
	SwapFeeTier           uint32 `toml:"swap_fee_tier"`
	RateLimitPerSecond    int    `toml:"rate_limit_per_second"`

	Native    NativeConfig  `toml:"native"`
	Canonical AssetConfig   `toml:"canonical"`
	Assets    []AssetConfig `toml:"assets"`
}

// Load reads, normalises and validates the TOML file at path.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalise trims whitespace and applies defaults for optional fields.
func (c *Config) Normalise() {
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.LogFile = strings.TrimSpace(c.LogFile)
	c.Env = strings.TrimSpace(c.Env)
	c.AdminTokenEnv = strings.TrimSpace(c.AdminTokenEnv)
	c.EthEndpoint = strings.TrimSpace(c.EthEndpoint)
	c.OperatorKeyEnv = strings.TrimSpace(c.OperatorKeyEnv)
	c.RouterAddress = strings.TrimSpace(c.RouterAddress)
	c.CustodyAddress = strings.TrimSpace(c.CustodyAddress)
	c.BankCap = strings.TrimSpace(c.BankCap)
	c.PerTxNativeCap = strings.TrimSpace(c.PerTxNativeCap)
	c.MinDepositNative = strings.TrimSpace(c.MinDepositNative)
	c.PolicyLimitUSD = strings.TrimSpace(c.PolicyLimitUSD)

	if c.ListenAddress == "" {
		c.ListenAddress = ":8710"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Env == "" {
		c.Env = "development"
	}
	if c.AdminTokenEnv == "" {
		c.AdminTokenEnv = "TOKENBANK_ADMIN_TOKEN"
	}
	if c.OperatorKeyEnv == "" {
		c.OperatorKeyEnv = "TOKENBANK_OPERATOR_KEY"
	}
	if c.PerTxNativeCap == "" {
		c.PerTxNativeCap = "0"
	}
	if c.MinDepositNative == "" {
		c.MinDepositNative = "0"
	}
	if c.PriceStalenessSeconds <= 0 {
		c.PriceStalenessSeconds = 3600
	}
	if c.SwapFeeTier == 0 {
		c.SwapFeeTier = 3000
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 25
	}
	for i := range c.Assets {
		c.Assets[i].Symbol = strings.TrimSpace(c.Assets[i].Symbol)
		c.Assets[i].Address = strings.TrimSpace(c.Assets[i].Address)
		c.Assets[i].Feed = strings.TrimSpace(c.Assets[i].Feed)
	}
	c.Canonical.Symbol = strings.TrimSpace(c.Canonical.Symbol)
	c.Canonical.Address = strings.TrimSpace(c.Canonical.Address)
	c.Canonical.Feed = strings.TrimSpace(c.Canonical.Feed)
	c.Native.Feed = strings.TrimSpace(c.Native.Feed)
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if !common.IsHexAddress(c.Canonical.Address) {
		return fmt.Errorf("config: canonical.address must be a hex address")
	}
	if !common.IsHexAddress(c.Canonical.Feed) {
		return fmt.Errorf("config: canonical.feed must be a hex address")
	}
	if !common.IsHexAddress(c.Native.Feed) {
		return fmt.Errorf("config: native.feed must be a hex address")
	}
	if c.RouterAddress != "" && !common.IsHexAddress(c.RouterAddress) {
		return fmt.Errorf("config: router_address must be a hex address")
	}
	if c.CustodyAddress != "" && !common.IsHexAddress(c.CustodyAddress) {
		return fmt.Errorf("config: custody_address must be a hex address")
	}
	bankCap, err := c.amount(c.BankCap, "bank_cap")
	if err != nil {
		return err
	}
	if bankCap.Sign() <= 0 {
		return fmt.Errorf("config: bank_cap must be positive")
	}
	if _, err := c.amount(c.PerTxNativeCap, "per_tx_native_cap"); err != nil {
		return err
	}
	if _, err := c.amount(c.MinDepositNative, "min_deposit_native"); err != nil {
		return err
	}
	policy, err := c.amount(c.PolicyLimitUSD, "policy_limit_usd")
	if err != nil {
		return err
	}
	if policy.Sign() <= 0 {
		return fmt.Errorf("config: policy_limit_usd must be positive")
	}
	if c.ChainID <= 0 && c.EthEndpoint != "" {
		return fmt.Errorf("config: chain_id required with eth_endpoint")
	}
	seen := map[string]struct{}{strings.ToLower(c.Canonical.Address): {}}
	for _, asset := range c.Assets {
		if !common.IsHexAddress(asset.Address) {
			return fmt.Errorf("config: asset %q address must be a hex address", asset.Symbol)
		}
		if !common.IsHexAddress(asset.Feed) {
			return fmt.Errorf("config: asset %q feed must be a hex address", asset.Symbol)
		}
		key := strings.ToLower(asset.Address)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("config: duplicate asset address %s", asset.Address)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (c Config) amount(value, field string) (*big.Int, error) {
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("config: %s must be a non-negative decimal string, got %q", field, value)
	}
	return parsed, nil
}

// BankCapAmount returns the parsed bank cap in canonical base units.
func (c Config) BankCapAmount() *big.Int {
	amount, _ := c.amount(c.BankCap, "bank_cap")
	return amount
}

// PerTxNativeCapAmount returns the parsed per-transaction native cap.
func (c Config) PerTxNativeCapAmount() *big.Int {
	amount, _ := c.amount(c.PerTxNativeCap, "per_tx_native_cap")
	return amount
}

// MinDepositNativeAmount returns the parsed minimum-deposit floor.
func (c Config) MinDepositNativeAmount() *big.Int {
	amount, _ := c.amount(c.MinDepositNative, "min_deposit_native")
	return amount
}

// PolicyLimitAmount returns the parsed 18-decimal USD withdrawal policy limit.
func (c Config) PolicyLimitAmount() *big.Int {
	amount, _ := c.amount(c.PolicyLimitUSD, "policy_limit_usd")
	return amount
}

// PriceStaleness returns the staleness threshold as a duration.
func (c Config) PriceStaleness() time.Duration {
	return time.Duration(c.PriceStalenessSeconds) * time.Second
}
