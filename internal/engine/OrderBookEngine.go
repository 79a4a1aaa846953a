package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/reggieyam998/ctf-exchange/internal/fee"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
)

// OrderBookEngine matches orders for a single instrument using price-time
// priority. Implementations are single-threaded; see Instrument for the
// serialized, concurrent-safe wrapper.
type OrderBookEngine interface {
	Submit(order model.Order) (MatchResult, error)
	Cancel(orderID model.OrderId) (model.OrderState, error)
	Amend(modify model.OrderModify) (MatchResult, error)
	TopOfBook() model.TopOfBook
	Depth(levels int) model.MarketDepth
	Sequence() uint64
	OrderSize() int
}

// MatchResult is the outcome of one submit or amend. Closed holds the
// terminal states (filled or cancelled) produced by the command.
type MatchResult struct {
	Order  model.OrderState
	Trades []model.Trade
	Closed []model.OrderState
}

type OrderBookEngineImpl struct {
	symbol string
	book   *OrderBook
	fees   fee.Schedule
	seq    uint64

	now     func() time.Time
	tradeID func() string
}

func NewOrderBookEngine(symbol string, fees fee.Schedule) *OrderBookEngineImpl {
	return &OrderBookEngineImpl{
		symbol:  symbol,
		book:    NewOrderBook(),
		fees:    fees,
		now:     time.Now,
		tradeID: uuid.NewString,
	}
}

func (o *OrderBookEngineImpl) Book() *OrderBook {
	return o.book
}

func (o *OrderBookEngineImpl) Sequence() uint64 {
	return o.seq
}

func (o *OrderBookEngineImpl) OrderSize() int {
	return o.book.OrderCount()
}

func crosses(side model.Side, limit, resting model.Price) bool {
	if side == model.BID {
		return limit >= resting
	}
	return limit <= resting
}

// validate rejects an order before any book state is touched.
func (o *OrderBookEngineImpl) validate(side model.Side, price model.Price, quantity model.Quantity) error {
	if price == 0 {
		return fmt.Errorf("price must be > 0")
	}
	if quantity == 0 {
		return fmt.Errorf("quantity must be > 0")
	}
	// The highest price this order can trade at bounds every notional it
	// produces: its own limit for a buy, the best bid for a sell.
	worst := price
	if side == model.ASK {
		if bid, ok := o.book.BestBid(); ok && bid > worst {
			worst = bid
		}
	}
	if _, err := fee.Notional(worst, quantity); err != nil {
		return err
	}
	return nil
}

func (o *OrderBookEngineImpl) Submit(order model.Order) (MatchResult, error) {
	if order.GetSymbol() != o.symbol {
		return MatchResult{}, fmt.Errorf("%w: order symbol %s does not match book %s",
			model.ErrInvalidOrder, order.GetSymbol(), o.symbol)
	}
	if _, ok := o.book.Lookup(order.GetId()); ok {
		return MatchResult{}, fmt.Errorf("%w: order already exist for id %d", model.ErrInvalidOrder, order.GetId())
	}
	if err := o.validate(order.GetSide(), order.GetPrice(), order.GetRemainingQuantity()); err != nil {
		return MatchResult{}, fmt.Errorf("%w: order %d: %v", model.ErrInvalidOrder, order.GetId(), err)
	}
	return o.place(order)
}

func (o *OrderBookEngineImpl) place(order model.Order) (MatchResult, error) {
	o.seq++
	order.Stamp(o.seq, o.now())

	result := MatchResult{Trades: make([]model.Trade, 0)}
	if err := o.match(&order, &result); err != nil {
		return result, err
	}

	if order.IsFilled() {
		result.Closed = append(result.Closed, order.State())
	} else if err := o.book.Insert(&order); err != nil {
		return result, err
	}
	result.Order = order.State()

	return result, o.checkInvariants()
}

// match fills the taker against the opposite side until it is filled or no
// longer crosses. Trades execute at the resting order's price.
func (o *OrderBookEngineImpl) match(taker *model.Order, result *MatchResult) error {
	opposite := taker.GetSide().Opposite()
	for !taker.IsFilled() {
		level := o.book.BestLevel(opposite)
		if level == nil || !crosses(taker.GetSide(), taker.GetPrice(), level.Price) {
			return nil
		}
		maker := level.PeekFront()
		if maker == nil {
			return fmt.Errorf("%w: empty %s level %d left in book", model.ErrInvariantViolation, opposite, level.Price)
		}

		quantity := min(taker.GetRemainingQuantity(), maker.GetRemainingQuantity())
		if err := maker.Fill(quantity); err != nil {
			return err
		}
		if err := level.Consume(quantity); err != nil {
			return err
		}
		if err := taker.Fill(quantity); err != nil {
			return err
		}

		notional, err := fee.Notional(level.Price, quantity)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvariantViolation, err)
		}
		result.Trades = append(result.Trades, model.Trade{
			ID:           o.tradeID(),
			Symbol:       o.symbol,
			MakerID:      maker.GetId(),
			TakerID:      taker.GetId(),
			MakerAccount: maker.GetAccount(),
			TakerAccount: taker.GetAccount(),
			TakerSide:    taker.GetSide(),
			Price:        level.Price,
			Quantity:     quantity,
			MakerFee:     o.fees.Fee(model.MAKER, notional),
			TakerFee:     o.fees.Fee(model.TAKER, notional),
			Sequence:     o.seq,
			Timestamp:    o.now(),
		})

		if maker.IsFilled() {
			o.book.PopFront(level)
			result.Closed = append(result.Closed, maker.State())
		}
	}
	return nil
}

func (o *OrderBookEngineImpl) Cancel(orderID model.OrderId) (model.OrderState, error) {
	order, err := o.book.Remove(orderID)
	if err != nil {
		return model.OrderState{}, err
	}
	order.Cancel()
	return order.State(), o.checkInvariants()
}

// Amend reduces an order in place when only its quantity shrinks. Any other
// change re-enters the order at the tail of its new price level.
func (o *OrderBookEngineImpl) Amend(modify model.OrderModify) (MatchResult, error) {
	existing, ok := o.book.Lookup(modify.ID)
	if !ok {
		return MatchResult{}, fmt.Errorf("%w: cannot find order with id %v", model.ErrOrderNotFound, modify.ID)
	}
	if modify.Quantity == 0 {
		return MatchResult{}, fmt.Errorf("%w: quantity must be > 0, cancel instead", model.ErrInvalidAmend)
	}
	price := modify.Price
	if price == 0 {
		price = existing.GetPrice()
	}
	remaining := existing.GetRemainingQuantity()

	if price == existing.GetPrice() {
		switch {
		case modify.Quantity == remaining:
			return MatchResult{}, fmt.Errorf("%w: order %d unchanged", model.ErrInvalidAmend, modify.ID)
		case modify.Quantity < remaining:
			if err := o.book.Reduce(modify.ID, remaining-modify.Quantity); err != nil {
				return MatchResult{}, err
			}
			return MatchResult{Order: existing.State(), Trades: []model.Trade{}}, nil
		}
	}

	if err := o.validate(existing.GetSide(), price, modify.Quantity); err != nil {
		return MatchResult{}, fmt.Errorf("%w: order %d: %v", model.ErrInvalidAmend, modify.ID, err)
	}
	if _, err := o.book.Remove(modify.ID); err != nil {
		return MatchResult{}, err
	}
	return o.place(existing.Reopen(price, modify.Quantity))
}

func (o *OrderBookEngineImpl) checkInvariants() error {
	if o.book.Crossed() {
		bid, _ := o.book.BestBid()
		ask, _ := o.book.BestAsk()
		return fmt.Errorf("%w: crossed book bid %d >= ask %d at sequence %d",
			model.ErrInvariantViolation, bid, ask, o.seq)
	}
	return nil
}

func depthLevel(side model.Side, book *OrderBook) *model.MarketDepthLevel {
	level := book.BestLevel(side)
	if level == nil {
		return nil
	}
	return &model.MarketDepthLevel{
		Price:      level.Price,
		Volume:     level.TotalVolume,
		OrderCount: level.Len(),
	}
}

// TopOfBook returns best bid and ask
func (o *OrderBookEngineImpl) TopOfBook() model.TopOfBook {
	tob := model.TopOfBook{
		BestBid:  depthLevel(model.BID, o.book),
		BestAsk:  depthLevel(model.ASK, o.book),
		Sequence: o.seq,
	}
	if tob.BestBid != nil && tob.BestAsk != nil && tob.BestAsk.Price > tob.BestBid.Price {
		tob.Spread = tob.BestAsk.Price - tob.BestBid.Price
	}
	return tob
}

func (o *OrderBookEngineImpl) Depth(levels int) model.MarketDepth {
	return model.MarketDepth{
		Bids:      o.book.TopLevels(model.BID, levels),
		Asks:      o.book.TopLevels(model.ASK, levels),
		Sequence:  o.seq,
		Timestamp: o.now(),
	}
}
