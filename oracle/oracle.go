package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrStalePrice indicates the feed reported a non-positive answer or an
	// observation older than the configured staleness threshold.
	ErrStalePrice = errors.New("oracle: stale or invalid price")
	// ErrNoFeed indicates no price feed is registered for the asset.
	ErrNoFeed = errors.New("oracle: no feed registered for asset")
)

// RoundData mirrors the aggregator round tuple reported by a price feed.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
}

// PriceFeed is the upstream aggregator surface consumed by the adapter.
type PriceFeed interface {
	LatestRoundData(ctx context.Context) (RoundData, error)
	Decimals(ctx context.Context) (uint8, error)
}

// Adapter resolves fresh prices per asset. Every Price call queries the
// underlying feed anew; quotes are never cached because the price can move
// between operations.
type Adapter struct {
	mu        sync.RWMutex
	feeds     map[common.Address]PriceFeed
	staleness time.Duration
	clock     func() time.Time
}

// NewAdapter constructs an adapter enforcing the supplied staleness threshold.
// A zero threshold disables the age check (answers must still be positive).
func NewAdapter(staleness time.Duration) *Adapter {
	return &Adapter{
		feeds:     make(map[common.Address]PriceFeed),
		staleness: staleness,
		clock:     time.Now,
	}
}

// SetClock overrides the time source used for freshness checks, primarily for
// deterministic tests.
func (a *Adapter) SetClock(clock func() time.Time) {
	if a == nil || clock == nil {
		return
	}
	a.mu.Lock()
	a.clock = clock
	a.mu.Unlock()
}

// Register binds a feed to the asset, replacing any previous binding.
func (a *Adapter) Register(asset common.Address, feed PriceFeed) {
	if a == nil || feed == nil {
		return
	}
	a.mu.Lock()
	a.feeds[asset] = feed
	a.mu.Unlock()
}

// Remove drops the feed binding for the asset.
func (a *Adapter) Remove(asset common.Address) {
	if a == nil {
		return
	}
	a.mu.Lock()
	delete(a.feeds, asset)
	a.mu.Unlock()
}

// Price returns the current feed answer and its decimal precision for the
// asset. It fails with ErrStalePrice when the answer is non-positive or the
// observation exceeds the staleness threshold.
func (a *Adapter) Price(ctx context.Context, asset common.Address) (*big.Int, uint8, error) {
	if a == nil {
		return nil, 0, fmt.Errorf("oracle: adapter not initialised")
	}
	a.mu.RLock()
	feed := a.feeds[asset]
	staleness := a.staleness
	clock := a.clock
	a.mu.RUnlock()
	if feed == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoFeed, asset.Hex())
	}
	round, err := feed.LatestRoundData(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("oracle: latest round for %s: %w", asset.Hex(), err)
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, 0, fmt.Errorf("%w: non-positive answer for %s", ErrStalePrice, asset.Hex())
	}
	if staleness > 0 {
		now := clock()
		if round.UpdatedAt.IsZero() || now.Sub(round.UpdatedAt) > staleness {
			return nil, 0, fmt.Errorf("%w: %s last updated %s", ErrStalePrice, asset.Hex(), round.UpdatedAt.UTC().Format(time.RFC3339))
		}
	}
	decimals, err := feed.Decimals(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("oracle: decimals for %s: %w", asset.Hex(), err)
	}
	return new(big.Int).Set(round.Answer), decimals, nil
}
