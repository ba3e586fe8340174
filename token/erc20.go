package token

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const erc20ABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"name":"transferFrom","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var (
	erc20ParseOnce sync.Once
	erc20Parsed    abi.ABI
	erc20ParseErr  error
)

func erc20() (abi.ABI, error) {
	erc20ParseOnce.Do(func() {
		erc20Parsed, erc20ParseErr = abi.JSON(strings.NewReader(erc20ABI))
	})
	return erc20Parsed, erc20ParseErr
}

// Backend combines the read and transaction capabilities the ERC20 adapter
// needs; *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// ERC20 adapts an on-chain fungible token to the Token interface. Transfers
// are submitted with the operator's transactor and waited to inclusion; a
// failed receipt surfaces as ErrTransferFailed.
type ERC20 struct {
	backend  Backend
	contract *bind.BoundContract
	address  common.Address
	opts     *bind.TransactOpts
}

// NewERC20 binds the token contract at address using the supplied transactor.
func NewERC20(backend Backend, address common.Address, opts *bind.TransactOpts) (*ERC20, error) {
	if backend == nil {
		return nil, fmt.Errorf("token: backend required")
	}
	if opts == nil {
		return nil, fmt.Errorf("token: transact opts required")
	}
	parsed, err := erc20()
	if err != nil {
		return nil, fmt.Errorf("token: parse erc20 abi: %w", err)
	}
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &ERC20{backend: backend, contract: contract, address: address, opts: opts}, nil
}

// Address returns the token contract address.
func (t *ERC20) Address() common.Address {
	return t.address
}

func (t *ERC20) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	var out []interface{}
	callOpts := &bind.CallOpts{Context: ctx}
	if err := t.contract.Call(callOpts, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("token: balanceOf %s: %w", t.address.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("token: unexpected balanceOf arity %d", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("token: unexpected balanceOf type %T", out[0])
	}
	return balance, nil
}

func (t *ERC20) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return t.transact(ctx, "transfer", to, amount)
}

func (t *ERC20) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return t.transact(ctx, "transferFrom", from, to, amount)
}

func (t *ERC20) transact(ctx context.Context, method string, args ...interface{}) error {
	opts := *t.opts
	opts.Context = ctx
	tx, err := t.contract.Transact(&opts, method, args...)
	if err != nil {
		return fmt.Errorf("token: %s on %s: %w", method, t.address.Hex(), err)
	}
	receipt, err := bind.WaitMined(ctx, t.backend, tx)
	if err != nil {
		return fmt.Errorf("token: wait %s on %s: %w", method, t.address.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s on %s reverted (tx %s)", ErrTransferFailed, method, t.address.Hex(), tx.Hash().Hex())
	}
	return nil
}

// ChainSource hands out ERC20 adapters that share one backend and transactor.
type ChainSource struct {
	backend Backend
	opts    *bind.TransactOpts

	mu     sync.Mutex
	tokens map[common.Address]*ERC20
}

func NewChainSource(backend Backend, opts *bind.TransactOpts) *ChainSource {
	return &ChainSource{
		backend: backend,
		opts:    opts,
		tokens:  make(map[common.Address]*ERC20),
	}
}

func (s *ChainSource) Token(asset common.Address) (Token, error) {
	if s == nil {
		return nil, fmt.Errorf("token: source not initialised")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[asset]; ok {
		return tok, nil
	}
	tok, err := NewERC20(s.backend, asset, s.opts)
	if err != nil {
		return nil, err
	}
	s.tokens[asset] = tok
	return tok, nil
}
