package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const aggregatorABI = `[
  {"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],
   "outputs":[
     {"name":"roundId","type":"uint80"},
     {"name":"answer","type":"int256"},
     {"name":"startedAt","type":"uint256"},
     {"name":"updatedAt","type":"uint256"},
     {"name":"answeredInRound","type":"uint80"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`

var (
	aggregatorParseOnce sync.Once
	aggregatorParsed    abi.ABI
	aggregatorParseErr  error
)

func aggregator() (abi.ABI, error) {
	aggregatorParseOnce.Do(func() {
		aggregatorParsed, aggregatorParseErr = abi.JSON(strings.NewReader(aggregatorABI))
	})
	return aggregatorParsed, aggregatorParseErr
}

// ContractFeed reads an on-chain aggregator through an eth_call backend.
type ContractFeed struct {
	caller  ethereum.ContractCaller
	address common.Address
}

// NewContractFeed constructs a feed bound to the aggregator at address.
func NewContractFeed(caller ethereum.ContractCaller, address common.Address) (*ContractFeed, error) {
	if caller == nil {
		return nil, fmt.Errorf("oracle: contract caller required")
	}
	if _, err := aggregator(); err != nil {
		return nil, fmt.Errorf("oracle: parse aggregator abi: %w", err)
	}
	return &ContractFeed{caller: caller, address: address}, nil
}

func (f *ContractFeed) call(ctx context.Context, method string) ([]interface{}, error) {
	parsed, err := aggregator()
	if err != nil {
		return nil, err
	}
	input, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle: pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &f.address, Data: input}
	output, err := f.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s on %s: %w", method, f.address.Hex(), err)
	}
	values, err := parsed.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("oracle: unpack %s: %w", method, err)
	}
	return values, nil
}

// LatestRoundData fetches the current round tuple from the aggregator.
func (f *ContractFeed) LatestRoundData(ctx context.Context) (RoundData, error) {
	if f == nil {
		return RoundData{}, fmt.Errorf("oracle: contract feed not initialised")
	}
	values, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return RoundData{}, err
	}
	if len(values) != 5 {
		return RoundData{}, fmt.Errorf("oracle: unexpected round tuple arity %d", len(values))
	}
	roundID, ok := values[0].(*big.Int)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: unexpected roundId type %T", values[0])
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: unexpected answer type %T", values[1])
	}
	startedAt, ok := values[2].(*big.Int)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: unexpected startedAt type %T", values[2])
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: unexpected updatedAt type %T", values[3])
	}
	answeredIn, ok := values[4].(*big.Int)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: unexpected answeredInRound type %T", values[4])
	}
	round := RoundData{
		RoundID:         roundID,
		Answer:          answer,
		AnsweredInRound: answeredIn,
	}
	if startedAt.Sign() > 0 && startedAt.IsInt64() {
		round.StartedAt = time.Unix(startedAt.Int64(), 0).UTC()
	}
	if updatedAt.Sign() > 0 && updatedAt.IsInt64() {
		round.UpdatedAt = time.Unix(updatedAt.Int64(), 0).UTC()
	}
	return round, nil
}

// Decimals fetches the aggregator's answer precision.
func (f *ContractFeed) Decimals(ctx context.Context) (uint8, error) {
	if f == nil {
		return 0, fmt.Errorf("oracle: contract feed not initialised")
	}
	values, err := f.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("oracle: unexpected decimals arity %d", len(values))
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle: unexpected decimals type %T", values[0])
	}
	return decimals, nil
}

// StaticFeed is an in-memory feed used for tests and manual overrides during
// incident response.
type StaticFeed struct {
	mu        sync.RWMutex
	answer    *big.Int
	decimals  uint8
	updatedAt time.Time
	err       error
}

// NewStaticFeed constructs a feed reporting the supplied answer and precision.
func NewStaticFeed(answer *big.Int, decimals uint8, updatedAt time.Time) *StaticFeed {
	feed := &StaticFeed{decimals: decimals, updatedAt: updatedAt}
	if answer != nil {
		feed.answer = new(big.Int).Set(answer)
	}
	return feed
}

// Set replaces the reported answer and observation time.
func (f *StaticFeed) Set(answer *big.Int, updatedAt time.Time) {
	if f == nil {
		return
	}
	f.mu.Lock()
	if answer != nil {
		f.answer = new(big.Int).Set(answer)
	} else {
		f.answer = nil
	}
	f.updatedAt = updatedAt
	f.mu.Unlock()
}

// Fail makes subsequent reads return err, simulating an unreachable feed.
func (f *StaticFeed) Fail(err error) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *StaticFeed) LatestRoundData(ctx context.Context) (RoundData, error) {
	if f == nil {
		return RoundData{}, fmt.Errorf("oracle: static feed not initialised")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return RoundData{}, f.err
	}
	round := RoundData{
		RoundID:         big.NewInt(1),
		AnsweredInRound: big.NewInt(1),
		UpdatedAt:       f.updatedAt,
		StartedAt:       f.updatedAt,
	}
	if f.answer != nil {
		round.Answer = new(big.Int).Set(f.answer)
	}
	return round, nil
}

func (f *StaticFeed) Decimals(ctx context.Context) (uint8, error) {
	if f == nil {
		return 0, fmt.Errorf("oracle: static feed not initialised")
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.decimals, nil
}
