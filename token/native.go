package token

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// nativeTransferGas is the intrinsic gas of a plain value transfer.
const nativeTransferGas = 21_000

// NativeBackend is the subset of client functionality needed to submit and
// confirm plain value transfers; *ethclient.Client satisfies it.
type NativeBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// NativePayer sends native currency out of the custody account.
type NativePayer struct {
	backend NativeBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
}

// NewNativePayer constructs a payer signing with the custody key on chainID.
func NewNativePayer(backend NativeBackend, key *ecdsa.PrivateKey, chainID *big.Int) (*NativePayer, error) {
	if backend == nil {
		return nil, fmt.Errorf("token: native backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("token: custody key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("token: positive chain id required")
	}
	return &NativePayer{
		backend: backend,
		key:     key,
		from:    ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

// Pay transfers amount of native currency to the recipient and waits for the
// transaction to be mined.
func (p *NativePayer) Pay(ctx context.Context, to common.Address, amount *big.Int) error {
	if p == nil {
		return fmt.Errorf("token: native payer not initialised")
	}
	nonce, err := p.backend.PendingNonceAt(ctx, p.from)
	if err != nil {
		return fmt.Errorf("token: pending nonce: %w", err)
	}
	gasPrice, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("token: gas price: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(amount),
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, p.signer, p.key)
	if err != nil {
		return fmt.Errorf("token: sign payout: %w", err)
	}
	if err := p.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("token: send payout: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, receiptWaiter{p.backend}, signed)
	if err != nil {
		return fmt.Errorf("token: wait payout: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: native payout to %s reverted (tx %s)", ErrTransferFailed, to.Hex(), signed.Hash().Hex())
	}
	return nil
}

// receiptWaiter narrows a NativeBackend to the bind.DeployBackend surface
// WaitMined expects.
type receiptWaiter struct {
	backend NativeBackend
}

func (w receiptWaiter) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return w.backend.TransactionReceipt(ctx, txHash)
}

func (w receiptWaiter) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return nil, fmt.Errorf("token: code lookups not supported")
}
