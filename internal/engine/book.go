package engine

import (
	"fmt"

	"github.com/google/btree"
	orderbookModel "github.com/reggieyam998/ctf-exchange/internal/engine/model"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
)

// OrderBook is the two-sided collection of price levels for one instrument.
// It is not safe for concurrent use; the owning Instrument serializes access.
type OrderBook struct {
	bids, asks *btree.BTreeG[*orderbookModel.PriceLevel] // price-level trees
	orders     map[model.OrderId]*model.Order              // lookup by ID

	// best levels are kept current on every write so reads never search
	bestBid, bestAsk *orderbookModel.PriceLevel
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:   btree.NewG(32, orderbookModel.BidLess), // degree tuned for performance
		asks:   btree.NewG(32, orderbookModel.AskLess),
		orders: make(map[model.OrderId]*model.Order),
	}
}

func (b *OrderBook) tree(side model.Side) *btree.BTreeG[*orderbookModel.PriceLevel] {
	if side == model.BID {
		return b.bids
	}
	return b.asks
}

func (b *OrderBook) BestBid() (model.Price, bool) {
	if b.bestBid == nil {
		return 0, false
	}
	return b.bestBid.Price, true
}

func (b *OrderBook) BestAsk() (model.Price, bool) {
	if b.bestAsk == nil {
		return 0, false
	}
	return b.bestAsk.Price, true
}

// BestLevel returns the top level of side, or nil when that side is empty.
func (b *OrderBook) BestLevel(side model.Side) *orderbookModel.PriceLevel {
	if side == model.BID {
		return b.bestBid
	}
	return b.bestAsk
}

// Insert rests an order at its price, creating the level when absent.
func (b *OrderBook) Insert(order *model.Order) error {
	if _, ok := b.orders[order.GetId()]; ok {
		return fmt.Errorf("%w: order %d already resting", model.ErrInvariantViolation, order.GetId())
	}
	side := order.GetSide()
	tree := b.tree(side)
	level, ok := tree.Get(levelKey(side, order.GetPrice()))
	if !ok {
		level = orderbookModel.NewPriceLevel(side, order.GetPrice())
		tree.ReplaceOrInsert(level)
	}
	if err := level.Add(order); err != nil {
		return err
	}
	b.orders[order.GetId()] = order

	switch side {
	case model.BID:
		if b.bestBid == nil || level.Price > b.bestBid.Price {
			b.bestBid = level
		}
	case model.ASK:
		if b.bestAsk == nil || level.Price < b.bestAsk.Price {
			b.bestAsk = level
		}
	}
	return nil
}

func (b *OrderBook) Lookup(orderID model.OrderId) (*model.Order, bool) {
	order, ok := b.orders[orderID]
	return order, ok
}

// levelKey is a btree search key; it holds no orders.
func levelKey(side model.Side, price model.Price) *orderbookModel.PriceLevel {
	return &orderbookModel.PriceLevel{Price: price, Side: side}
}

func (b *OrderBook) level(side model.Side, price model.Price) (*orderbookModel.PriceLevel, bool) {
	return b.tree(side).Get(levelKey(side, price))
}

// Remove takes a resting order out of its level and prunes the level.
func (b *OrderBook) Remove(orderID model.OrderId) (*model.Order, error) {
	order, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrOrderNotFound, orderID)
	}
	level, ok := b.level(order.GetSide(), order.GetPrice())
	if !ok || level.RemoveByID(orderID) == nil {
		return nil, fmt.Errorf("%w: order %d indexed but missing from level %d",
			model.ErrInvariantViolation, orderID, order.GetPrice())
	}
	delete(b.orders, orderID)
	b.RemoveLevelIfEmpty(order.GetSide(), order.GetPrice())
	return order, nil
}

// Reduce lowers a resting order's open quantity in place.
func (b *OrderBook) Reduce(orderID model.OrderId, delta model.Quantity) error {
	order, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrOrderNotFound, orderID)
	}
	level, ok := b.level(order.GetSide(), order.GetPrice())
	if !ok {
		return fmt.Errorf("%w: level %d missing for order %d", model.ErrInvariantViolation, order.GetPrice(), orderID)
	}
	return level.Reduce(orderID, delta)
}

// PopFront removes the front order of level after it has been filled.
func (b *OrderBook) PopFront(level *orderbookModel.PriceLevel) *model.Order {
	order := level.RemoveFront()
	if order == nil {
		return nil
	}
	delete(b.orders, order.GetId())
	b.RemoveLevelIfEmpty(level.Side, level.Price)
	return order
}

// RemoveLevelIfEmpty deletes an empty level and refreshes the cached best
// level of that side. It is called after every removal.
func (b *OrderBook) RemoveLevelIfEmpty(side model.Side, price model.Price) bool {
	tree := b.tree(side)
	level, ok := tree.Get(levelKey(side, price))
	if !ok || !level.IsEmpty() {
		return false
	}
	tree.Delete(level)
	best, _ := tree.Min()
	if side == model.BID {
		b.bestBid = best
	} else {
		b.bestAsk = best
	}
	return true
}

// TopLevels returns up to n levels of side, best price first.
func (b *OrderBook) TopLevels(side model.Side, n int) []model.MarketDepthLevel {
	if n <= 0 {
		return []model.MarketDepthLevel{}
	}
	tree := b.tree(side)
	levels := make([]model.MarketDepthLevel, 0, min(n, tree.Len()))
	tree.Ascend(func(level *orderbookModel.PriceLevel) bool {
		levels = append(levels, model.MarketDepthLevel{
			Price:      level.Price,
			Volume:     level.TotalVolume,
			OrderCount: level.Len(),
		})
		return len(levels) < n
	})
	return levels
}

// Crossed reports bestBid >= bestAsk, which must never be visible to readers.
func (b *OrderBook) Crossed() bool {
	return b.bestBid != nil && b.bestAsk != nil && b.bestBid.Price >= b.bestAsk.Price
}

func (b *OrderBook) OrderCount() int {
	return len(b.orders)
}

func (b *OrderBook) LevelCount(side model.Side) int {
	return b.tree(side).Len()
}
