package router

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// CommandExactInSwap selects the exact-input single-hop swap operation in the
// provider's command byte.
const CommandExactInSwap byte = 0x00

// DefaultFeeTier is the protocol-level pool fee in hundredths of a basis
// point (3000 = 0.30%).
const DefaultFeeTier uint32 = 3000

// PathLength is the byte size of a single-hop route: two 20-byte addresses
// around a 3-byte fee.
const PathLength = 2*common.AddressLength + 3

// Provider executes encoded swap commands against the external venue.
type Provider interface {
	Execute(ctx context.Context, commands []byte, inputs [][]byte, deadline time.Time) error
}

// EncodePath produces the fixed-width single-hop route the provider accepts:
// input address, 3-byte big-endian fee tier, output address. The provider
// rejects any other layout, so this must stay byte-exact.
func EncodePath(input common.Address, fee uint32, output common.Address) []byte {
	path := make([]byte, 0, PathLength)
	path = append(path, input.Bytes()...)
	path = append(path, byte(fee>>16), byte(fee>>8), byte(fee))
	path = append(path, output.Bytes()...)
	return path
}

var (
	swapInputOnce sync.Once
	swapInputArgs abi.Arguments
	swapInputErr  error
)

func swapInputArguments() (abi.Arguments, error) {
	swapInputOnce.Do(func() {
		build := func(name string) (abi.Type, error) {
			return abi.NewType(name, "", nil)
		}
		names := []string{"address", "uint256", "uint256", "bytes", "bool"}
		args := make(abi.Arguments, 0, len(names))
		for _, name := range names {
			typ, err := build(name)
			if err != nil {
				swapInputErr = fmt.Errorf("router: build abi type %s: %w", name, err)
				return
			}
			args = append(args, abi.Argument{Type: typ})
		}
		swapInputArgs = args
	})
	return swapInputArgs, swapInputErr
}

// EncodeSwapInput ABI-encodes the exact-input-single parameter tuple
// (recipient, amountIn, amountOutMinimum, path, payerIsUser) consumed as
// inputs[0] of the exact-in swap command.
func EncodeSwapInput(recipient common.Address, amountIn, amountOutMin *big.Int, path []byte, payerIsUser bool) ([]byte, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("router: positive input amount required")
	}
	if amountOutMin == nil || amountOutMin.Sign() < 0 {
		return nil, fmt.Errorf("router: non-negative minimum output required")
	}
	if len(path) != PathLength {
		return nil, fmt.Errorf("router: path must be %d bytes, got %d", PathLength, len(path))
	}
	args, err := swapInputArguments()
	if err != nil {
		return nil, err
	}
	encoded, err := args.Pack(recipient, amountIn, amountOutMin, path, payerIsUser)
	if err != nil {
		return nil, fmt.Errorf("router: pack swap input: %w", err)
	}
	return encoded, nil
}
