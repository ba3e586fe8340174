package router

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const universalRouterABI = `[
  {"name":"execute","type":"function","stateMutability":"payable",
   "inputs":[
     {"name":"commands","type":"bytes"},
     {"name":"inputs","type":"bytes[]"},
     {"name":"deadline","type":"uint256"}],
   "outputs":[]}
]`

var (
	universalParseOnce sync.Once
	universalParsed    abi.ABI
	universalParseErr  error
)

func universal() (abi.ABI, error) {
	universalParseOnce.Do(func() {
		universalParsed, universalParseErr = abi.JSON(strings.NewReader(universalRouterABI))
	})
	return universalParsed, universalParseErr
}

// Backend combines the read and transaction capabilities the router adapter
// needs; *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// UniversalRouter submits encoded swap commands to the on-chain venue and
// waits for inclusion. A failed receipt is surfaced as an error so the
// coordinator can unwind.
type UniversalRouter struct {
	backend  Backend
	contract *bind.BoundContract
	address  common.Address
	opts     *bind.TransactOpts
}

// NewUniversalRouter binds the venue contract at address.
func NewUniversalRouter(backend Backend, address common.Address, opts *bind.TransactOpts) (*UniversalRouter, error) {
	if backend == nil {
		return nil, fmt.Errorf("router: backend required")
	}
	if opts == nil {
		return nil, fmt.Errorf("router: transact opts required")
	}
	parsed, err := universal()
	if err != nil {
		return nil, fmt.Errorf("router: parse abi: %w", err)
	}
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &UniversalRouter{backend: backend, contract: contract, address: address, opts: opts}, nil
}

// Execute runs the command batch against the venue with the supplied deadline.
func (r *UniversalRouter) Execute(ctx context.Context, commands []byte, inputs [][]byte, deadline time.Time) error {
	if r == nil {
		return fmt.Errorf("router: not initialised")
	}
	opts := *r.opts
	opts.Context = ctx
	tx, err := r.contract.Transact(&opts, "execute", commands, inputs, big.NewInt(deadline.Unix()))
	if err != nil {
		return fmt.Errorf("router: execute: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, r.backend, tx)
	if err != nil {
		return fmt.Errorf("router: wait execute: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("router: execute reverted (tx %s)", tx.Hash().Hex())
	}
	return nil
}
