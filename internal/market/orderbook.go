package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Level represents a single price level in the orderbook
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"` // shares
}

// Orderbook represents the in-memory state of one outcome token
type Orderbook struct {
	TokenID     string
	Bids        []Level // Sorted High to Low
	Asks        []Level // Sorted Low to High
	LastTrade   decimal.Decimal
	LastUpdated time.Time
	mu          sync.RWMutex
}

func NewOrderbook(tokenID string) *Orderbook {
	return &Orderbook{
		TokenID: tokenID,
		Bids:    make([]Level, 0),
		Asks:    make([]Level, 0),
	}
}

// Snapshot replaces the entire book state
func (ob *Orderbook) Snapshot(bids, asks []Level) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.Bids = sortLevels(append([]Level(nil), bids...), true)
	ob.Asks = sortLevels(append([]Level(nil), asks...), false)
	ob.LastUpdated = time.Now()
}

// Update processes a price/size update
// size 0 means remove level
func (ob *Orderbook) Update(side string, priceStr, sizeStr string) error {
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return err
	}
	size, err := decimal.NewFromString(sizeStr)
	if err != nil {
		return err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()
	if side == "BUY" {
		ob.Bids = updateLevel(ob.Bids, price, size, true)
	} else {
		ob.Asks = updateLevel(ob.Asks, price, size, false)
	}
	ob.LastUpdated = time.Now()
	return nil
}

func (ob *Orderbook) SetLastTrade(price decimal.Decimal) {
	ob.mu.Lock()
	ob.LastTrade = price
	ob.LastUpdated = time.Now()
	ob.mu.Unlock()
}

// Polymarket books are sparse; a linear scan over a slice is enough.
func updateLevel(levels []Level, price, size decimal.Decimal, descending bool) []Level {
	idx := -1
	for i, l := range levels {
		if l.Price.Equal(price) {
			idx = i
			break
		}
	}

	if size.IsZero() {
		if idx != -1 {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}

	if idx != -1 {
		levels[idx].Size = size
		return levels
	}
	return sortLevels(append(levels, Level{Price: price, Size: size}), descending)
}

func sortLevels(levels []Level, descending bool) []Level {
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

// GetCopy returns a safe copy of the current state (Thread-safe read)
func (ob *Orderbook) GetCopy() (bids, asks []Level) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids = make([]Level, len(ob.Bids))
	copy(bids, ob.Bids)
	asks = make([]Level, len(ob.Asks))
	copy(asks, ob.Asks)
	return
}

// Clone returns an independent book, used to hand a consistent view to the execution engine.
func (ob *Orderbook) Clone() *Orderbook {
	bids, asks := ob.GetCopy()
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return &Orderbook{
		TokenID:     ob.TokenID,
		Bids:        bids,
		Asks:        asks,
		LastTrade:   ob.LastTrade,
		LastUpdated: ob.LastUpdated,
	}
}

func (ob *Orderbook) BestBid() (Level, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.Bids) == 0 {
		return Level{}, false
	}
	return ob.Bids[0], true
}

func (ob *Orderbook) BestAsk() (Level, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.Asks) == 0 {
		return Level{}, false
	}
	return ob.Asks[0], true
}

// Reference is the naive market price: the mid when both sides are quoted,
// otherwise the last trade, otherwise the single quoted side.
func (ob *Orderbook) Reference() (decimal.Decimal, bool) {
	bid, hasBid := ob.BestBid()
	ask, hasAsk := ob.BestAsk()
	if hasBid && hasAsk {
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
	}
	ob.mu.RLock()
	last := ob.LastTrade
	ob.mu.RUnlock()
	if last.IsPositive() {
		return last, true
	}
	if hasBid {
		return bid.Price, true
	}
	if hasAsk {
		return ask.Price, true
	}
	return decimal.Zero, false
}

// Age of the last update; zero-valued books are infinitely old.
func (ob *Orderbook) Age(now time.Time) time.Duration {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if ob.LastUpdated.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(ob.LastUpdated)
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// FloorToTick and CeilToTick keep a price on the passive side of the rounding.
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

func CeilToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}
